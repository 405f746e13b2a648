package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/orchestrator"
	"github.com/sells-group/market-intel/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session API with live progress streaming",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/api", func(r chi.Router) {
			r.Post("/sessions", env.handleStartSession)
			r.Get("/sessions", env.handleListSessions)
			r.Get("/sessions/{id}", env.handleShowSession)
			r.Post("/sessions/{id}/cancel", env.handleCancelSession)
			r.Get("/sessions/{id}/events", env.handleSessionEvents)
			r.Get("/providers", env.handleProviderHealth)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (e *env) handleStartSession(w http.ResponseWriter, req *http.Request) {
	var plan orchestrator.Plan
	if err := json.NewDecoder(req.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "invalid request body"))
		return
	}

	sessionID, err := e.Engine.Start(req.Context(), &plan)
	if err != nil {
		var confErr *orchestrator.ConfigurationError
		if eris.As(err, &confErr) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     string(model.SessionStatusRunning),
	})
}

func (e *env) handleListSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := e.Store.ListSessions(req.Context(), store.SessionFilter{
		Status: model.SessionStatus(req.URL.Query().Get("status")),
		Limit:  50,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (e *env) handleShowSession(w http.ResponseWriter, req *http.Request) {
	sess, err := e.Store.Snapshot(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		if eris.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (e *env) handleCancelSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if err := e.Engine.Cancel(req.Context(), id); err != nil {
		if eris.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "cancelling"})
}

// handleSessionEvents streams module transitions as server-sent events until
// the session finishes or the client disconnects. Events published before the
// subscription are not replayed; clients catch up from the snapshot first.
func (e *env) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if _, err := e.Store.Snapshot(req.Context(), id); err != nil {
		if eris.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, eris.New("streaming unsupported"))
		return
	}

	sub := e.Notifier.Subscribe(id)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Session reached a terminal status.
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (e *env) handleProviderHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, e.Health.Snapshot())
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
