package jina

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/collect"
	"github.com/sells-group/market-intel/internal/model"
)

// deepFetchLimit caps how many thin search results get a full page read.
const deepFetchLimit = 3

// Collector adapts the search API to the engine's collection interface.
// Search results arrive with snippet-level content; the top few thin results
// are deepened with a full reader fetch.
type Collector struct {
	client Client
	source string
	opts   []SearchOption
}

// NewCollector creates a collector serving the given source identifier,
// e.g. "web_search", or "news" with a site filter option.
func NewCollector(client Client, source string, opts ...SearchOption) *Collector {
	return &Collector{client: client, source: source, opts: opts}
}

// Name implements collect.Collector.
func (c *Collector) Name() string { return c.source }

// Fetch implements collect.Collector.
func (c *Collector) Fetch(ctx context.Context, desc collect.SourceDescriptor) ([]model.Artifact, error) {
	resp, err := c.client.Search(ctx, desc.Query, c.opts...)
	if err != nil {
		return nil, err
	}

	artifacts := make([]model.Artifact, 0, len(resp.Data))
	deepened := 0
	for _, r := range resp.Data {
		content := r.Content
		if content == "" {
			content = r.Description
		}

		if content == "" && r.URL != "" && deepened < deepFetchLimit {
			deepened++
			read, err := c.client.Read(ctx, r.URL)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// A single unreadable page does not fail the whole fetch.
				zap.L().Debug("jina: page read failed",
					zap.String("url", r.URL),
					zap.Error(err),
				)
			} else {
				content = read.Data.Content
			}
		}

		artifacts = append(artifacts, model.Artifact{
			Module:  desc.Module,
			Source:  desc.Source,
			Title:   r.Title,
			Link:    r.URL,
			Content: content,
		})
	}
	return artifacts, nil
}
