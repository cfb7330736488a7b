// Package web exposes the detection review API: listing pending detections
// and resolving them by confirm, reject or merge.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"walletscope/internal/domain"
)

// detectionReader lists detections awaiting review.
type detectionReader interface {
	ListPending(ctx context.Context, userID string) ([]*domain.DetectedTransaction, error)
}

// workflow resolves pending detections.
type workflow interface {
	Confirm(ctx context.Context, detectionID, linkedTransactionID string) error
	Reject(ctx context.Context, detectionID string) error
	Merge(ctx context.Context, detectionID, transactionID string) error
}

// Server exposes HTTP endpoints for the detection review workflow.
type Server struct {
	addr       string
	detections detectionReader
	flow       workflow
	l          *zap.Logger
}

// NewServer creates a new review API server.
func NewServer(addr string, detections detectionReader, flow workflow, l *zap.Logger) *Server {
	return &Server{addr: addr, detections: detections, flow: flow, l: l}
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("review api listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /detections/pending", s.handlePending)
	mux.HandleFunc("POST /detections/confirm", s.handleConfirm)
	mux.HandleFunc("POST /detections/reject", s.handleReject)
	mux.HandleFunc("POST /detections/merge", s.handleMerge)
	return mux
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter is required", http.StatusBadRequest)
		return
	}

	pending, err := s.detections.ListPending(r.Context(), userID)
	if err != nil {
		s.l.Error("failed to list pending detections", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "failed to list pending detections", http.StatusInternalServerError)
		return
	}
	if pending == nil {
		pending = []*domain.DetectedTransaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pending); err != nil {
		s.l.Error("failed to encode pending detections", zap.Error(err))
	}
}

type resolveRequest struct {
	DetectionID   string `json:"detection_id"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func (s *Server) decodeResolve(w http.ResponseWriter, r *http.Request) (resolveRequest, bool) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return req, false
	}
	if req.DetectionID == "" {
		http.Error(w, "detection_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeResolve(w, r)
	if !ok {
		return
	}
	s.resolve(w, r, req, "confirm", s.flow.Confirm(r.Context(), req.DetectionID, req.TransactionID))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeResolve(w, r)
	if !ok {
		return
	}
	s.resolve(w, r, req, "reject", s.flow.Reject(r.Context(), req.DetectionID))
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeResolve(w, r)
	if !ok {
		return
	}
	if req.TransactionID == "" {
		http.Error(w, "transaction_id is required for merge", http.StatusBadRequest)
		return
	}
	s.resolve(w, r, req, "merge", s.flow.Merge(r.Context(), req.DetectionID, req.TransactionID))
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, req resolveRequest, action string, err error) {
	if err != nil {
		s.l.Warn("detection resolution failed",
			zap.String("action", action),
			zap.String("detection_id", req.DetectionID),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
