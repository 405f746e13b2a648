package jina

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/acme+corp", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"data":[{"title":"Acme overview","url":"https://example.com/acme","content":"Acme builds widgets."}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithSearchBaseURL(srv.URL))
	resp, err := c.Search(context.Background(), "acme corp")
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Acme overview", resp.Data[0].Title)
	assert.Equal(t, "https://example.com/acme", resp.Data[0].URL)
}

func TestSearch_SiteFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "news.google.com", r.URL.Query().Get("site"))
		_, _ = w.Write([]byte(`{"code":200,"data":[]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithSearchBaseURL(srv.URL))
	_, err := c.Search(context.Background(), "acme corp", WithSiteFilter("news.google.com"))
	require.NoError(t, err)
}

func TestSearch_NoResultsIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithSearchBaseURL(srv.URL))
	resp, err := c.Search(context.Background(), "gibberish query with no hits")
	require.NoError(t, err)
	assert.Equal(t, 422, resp.Code)
	assert.Empty(t, resp.Data)
}

func TestSearch_RetriesTransientStatus(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"data":[{"title":"Recovered","url":"https://example.com"}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithSearchBaseURL(srv.URL))
	resp, err := c.Search(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestSearch_PermanentStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("bad-key", WithSearchBaseURL(srv.URL))
	_, err := c.Search(context.Background(), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))
		_, _ = w.Write([]byte(`{"code":200,"data":{"title":"Acme report","url":"https://example.com/r","content":"# Report\nbody"}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := c.Read(context.Background(), "https://example.com/r")
	require.NoError(t, err)
	assert.Equal(t, "Acme report", resp.Data.Title)
	assert.Equal(t, "# Report\nbody", resp.Data.Content)
}

func TestRead_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.Read(context.Background(), "https://example.com/r")
	require.Error(t, err)
}
