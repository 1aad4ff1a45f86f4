// Package frontend implements the Evaluation Front-End: the HTTP(S)
// server that accepts AdmissionReview requests, dispatches them to the
// Worker Pool, and reports readiness. Grounded on spec.md §4.1 and on
// gorilla/mux for routing (pulled in transitively by k8s.io/apiserver
// across the example pack, and used directly here for the named
// {policy_id} path parameter the original's actix-web route also uses).
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kubewarden/policy-server/internal/admreview"
	"github.com/kubewarden/policy-server/internal/sandbox"
	"github.com/kubewarden/policy-server/internal/tlswatch"
	"github.com/kubewarden/policy-server/internal/worker"
)

// Dispatcher is the subset of workerpool.Pool the Front-End needs: send
// one request, get one reply, report whether the pool can still serve.
type Dispatcher interface {
	Dispatch(ctx context.Context, req worker.EvalRequest) error
	Exhausted() bool
}

// Server is the Evaluation Front-End's HTTP server.
type Server struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	timeout    time.Duration
	ready      func() bool

	router *mux.Router
	http   *http.Server
}

// Options configures a Server.
type Options struct {
	Addr    string
	Timeout time.Duration
	// Ready reports whether the server should answer /readiness
	// successfully. It stays false until the Orchestrator's boot
	// sequence (spec.md §4.6) has finished phases 1-6.
	Ready func() bool
	TLS   *tlswatch.Source
}

// New builds a Server. dispatcher and logger must not be nil.
func New(dispatcher Dispatcher, logger *slog.Logger, opts Options) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger,
		timeout:    opts.Timeout,
		ready:      opts.Ready,
	}
	if s.ready == nil {
		s.ready = func() bool { return true }
	}

	router := mux.NewRouter()
	router.HandleFunc("/validate/{policy_id}", s.handleValidate).Methods(http.MethodPost)
	router.HandleFunc("/readiness", s.handleReadiness).Methods(http.MethodGet)
	s.router = router

	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.TLS != nil {
		httpServer.TLSConfig = opts.TLS.TLSConfig()
	}
	s.http = httpServer

	return s
}

// ListenAndServe blocks serving HTTP, or HTTPS when TLS was configured.
func (s *Server) ListenAndServe() error {
	if s.http.TLSConfig != nil {
		// cert/key paths are irrelevant: GetCertificate on TLSConfig
		// supplies them, required by ListenAndServeTLS's signature only.
		return s.http.ListenAndServeTLS("", "")
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() || s.dispatcher.Exhausted() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	policyID := mux.Vars(r)["policy_id"]

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("reading request body: %w", err))
		return
	}

	review, err := admreview.ParseReview(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parsing admission review: %w", err))
		return
	}

	ctx := r.Context()
	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply := make(chan worker.EvalResult, 1)
	req := worker.EvalRequest{PolicyID: policyID, Request: review.Request, Reply: reply}

	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("dispatching to worker pool: %w", err))
		return
	}

	select {
	case result := <-reply:
		if result.Err != nil {
			s.writeError(w, statusForEvalError(result.Err), result.Err)
			return
		}
		s.writeReview(w, http.StatusOK, admreview.ReviewResponse(review.Request.UID, result.Verdict))
	case <-ctx.Done():
		// The outer framework timeout firing before a reply arrived: the
		// client sees a 5xx, per spec.md §5's backpressure note.
		s.writeError(w, http.StatusInternalServerError, ctx.Err())
	}
}

// statusForEvalError maps a Worker's reported error to the response
// code spec.md §4.1 requires: an unknown policy id is a 404 (the
// requested resource does not exist), everything else is a 500.
func statusForEvalError(err error) int {
	if errors.Is(err, sandbox.ErrUnknownPolicy) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("request failed", "error", err, "status", status)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}

func (s *Server) writeReview(w http.ResponseWriter, status int, review *admreview.Review) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(review); err != nil {
		s.logger.Error("encoding admission review response", "error", err)
	}
}
