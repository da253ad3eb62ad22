// Package httpapi exposes the Orchestrator Facade over plain net/http:
// POST to start a Process, GET with Server-Sent Events to subscribe to
// its event stream, and POST to cancel it. This is the one deliberate
// stdlib-over-library choice in the whole module: the HTTP layer
// elsewhere in this codebase (example/cmd/assistant/http.go) is
// generated by goa.design/goa/v3 from a DSL, and running that codegen is
// outside this module's constraints, so the transport is hand-written
// net/http instead, following the same wiring shape (a Muxer, a graceful
// http.Server.Shutdown, goa.design/clue/log request logging) without the
// generated encode/decode layer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/orchestrator"
	"github.com/fctr-id/queryengine/process"
)

// Server wires an *orchestrator.Orchestrator to HTTP handlers.
type Server struct {
	orch *orchestrator.Orchestrator
	mux  *http.ServeMux
}

// New builds a Server routing requests to orch.
func New(orch *orchestrator.Orchestrator) *Server {
	s := &Server{orch: orch, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/queries", s.handleStart)
	s.mux.HandleFunc("GET /v1/queries/{id}/events", s.handleSubscribe)
	s.mux.HandleFunc("POST /v1/queries/{id}/cancel", s.handleCancel)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts an http.Server on addr and blocks until ctx is
// cancelled, at which point it shuts down gracefully with a 30s timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           log.HTTP(ctx)(s),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Printf(ctx, "shutting down HTTP server at %q", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
		return err
	}
	return nil
}

type startRequest struct {
	Query string `json:"query"`
}

type startResponse struct {
	ProcessID string `json:"process_id"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	id, err := s.orch.StartProcess(r.Context(), req.Query, owner)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{ProcessID: id})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")

	sub, err := s.orch.Subscribe(r.Context(), id, owner)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, e); err != nil {
				log.Printf(ctx, "httpapi: SSE write failed: %v", err)
				return
			}
			flusher.Flush()
			if e.Type() == events.TypeDone {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")

	if err := s.orch.Cancel(id, owner); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSSE encodes one event as an SSE frame: "event: <type>\ndata:
// <json envelope>\n\n".
func writeSSE(w http.ResponseWriter, e events.Event) error {
	env := events.Wrap(e)
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", e.Type()); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOrchestratorError maps the Process/Orchestrator sentinel errors to
// an HTTP status code.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, process.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, process.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, process.ErrTooManyProcesses):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ownerOf extracts the caller's identity. The Okta administration
// assistant this module backs authenticates upstream of this transport;
// authentication/authorization of end users is out of scope here, so
// this layer trusts an already-verified owner id header.
func ownerOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Owner-Id"))
}
