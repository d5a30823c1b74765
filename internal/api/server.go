// Package api exposes the enrichment engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shpitdev/property-enrichment/internal/bulk"
	"github.com/shpitdev/property-enrichment/internal/cache"
	"github.com/shpitdev/property-enrichment/internal/enrich"
	"github.com/shpitdev/property-enrichment/internal/query"
	"github.com/shpitdev/property-enrichment/internal/util"
	"github.com/shpitdev/property-enrichment/internal/version"
)

const maxBodyBytes = 1 << 20

// Forwarder hands a resume to peer instances when this one does not hold the wait.
type Forwarder interface {
	Forward(ctx context.Context, requestID string) (bool, error)
}

type Config struct {
	Orchestrator *bulk.Orchestrator
	Gateway      *cache.Gateway
	Classifier   *query.Classifier
	// Forwarder is optional; nil means resumes are only applied locally.
	Forwarder Forwarder

	// DefaultMaxWait applies to /bulk/run requests that omit maxWaitSeconds.
	DefaultMaxWait time.Duration
	// MaxWaitCap bounds any requested per-item wait. Zero means no cap.
	MaxWaitCap time.Duration

	Logger *slog.Logger
}

// Server serves the enrichment HTTP API.
type Server struct {
	orch       *bulk.Orchestrator
	gateway    *cache.Gateway
	classifier *query.Classifier
	forwarder  Forwarder

	defaultMaxWait time.Duration
	maxWaitCap     time.Duration

	logger *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = query.Default()
	}
	return &Server{
		orch:           cfg.Orchestrator,
		gateway:        cfg.Gateway,
		classifier:     classifier,
		forwarder:      cfg.Forwarder,
		defaultMaxWait: cfg.DefaultMaxWait,
		maxWaitCap:     cfg.MaxWaitCap,
		logger:         logger,
	}, nil
}

// Handler returns an http.Handler that serves the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bulk/resume", s.handleResume)
	mux.HandleFunc("/bulk/run", s.handleRun)
	mux.HandleFunc("/enrich/search", s.handleSearch)
	mux.HandleFunc("/query/analyze", s.handleAnalyze)
	mux.HandleFunc("/healthz", s.handleHealth)
	return s.logRequests(mux)
}

type resumeRequest struct {
	RequestID string `json:"requestId"`
}

type resumeResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req resumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.RequestID)
	if id == "" {
		writeError(w, http.StatusBadRequest, enrich.KindValidation, "requestId is required")
		return
	}

	if s.orch.Cooldown().Resume(id) {
		writeJSON(w, http.StatusOK, resumeResponse{Status: "resumed", RequestID: id})
		return
	}
	if s.forwarder != nil {
		ok, err := s.forwarder.Forward(r.Context(), id)
		if err != nil {
			// An unknown id is never a server error; the wait still ends at its timeout.
			s.logger.Warn("resume forward failed", "request_id", id, "error", util.RedactSecrets(err.Error()))
		} else if ok {
			writeJSON(w, http.StatusAccepted, resumeResponse{Status: "forwarded", RequestID: id})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, resumeResponse{Status: "not_found", RequestID: id})
}

type searchRequest struct {
	TargetName string `json:"targetName"`
	ParentName string `json:"parentName"`
	SkipCache  bool   `json:"skipCache"`
}

type searchResponse struct {
	Record    enrich.Record `json:"record"`
	FromCache bool          `json:"fromCache"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	target := enrich.Target{Name: req.TargetName, Parent: req.ParentName}
	rec, fromCache, err := s.orch.EnrichOne(r.Context(), target, req.SkipCache)
	if err != nil {
		kind := enrich.KindOf(err)
		msg := util.RedactSecrets(err.Error())
		s.logger.Warn("search failed", "target", target.ID(), "kind", kind, "error", msg)
		writeError(w, statusFor(kind), kind, msg)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Record: rec, FromCache: fromCache})
}

type runRequest struct {
	Items          []bulk.WorkItem `json:"items"`
	MaxWaitSeconds *float64        `json:"maxWaitSeconds,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req runRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := bulk.ValidateItems(req.Items); err != nil {
		writeError(w, http.StatusBadRequest, enrich.KindValidation, err.Error())
		return
	}
	maxWait := s.defaultMaxWait
	if req.MaxWaitSeconds != nil {
		if *req.MaxWaitSeconds < 0 {
			writeError(w, http.StatusBadRequest, enrich.KindValidation, "maxWaitSeconds must be >= 0")
			return
		}
		maxWait = time.Duration(*req.MaxWaitSeconds * float64(time.Second))
	}
	if s.maxWaitCap > 0 && maxWait > s.maxWaitCap {
		maxWait = s.maxWaitCap
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	stream := newEventStream(w, s.logger)

	results, err := s.orch.RunBatch(r.Context(), req.Items, maxWait, stream)
	cached, enriched, failed := bulk.Summarize(results)
	done := event{
		Type:     eventDone,
		Cached:   &cached,
		Enriched: &enriched,
		Failed:   &failed,
	}
	if err != nil {
		done.Error = util.RedactSecrets(err.Error())
	}
	stream.send(done)
}

type analyzeRequest struct {
	Query string `json:"query"`
}

type analyzeResponse struct {
	Analysis query.Analysis `json:"analysis"`
	Insights query.Insights `json:"insights"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req analyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, enrich.KindValidation, "query is required")
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		Analysis: s.classifier.Optimize(req.Query),
		Insights: s.classifier.Insights(req.Query),
	})
}

type healthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	PendingWaits int    `json:"pendingWaits"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	resp := healthResponse{
		Status:       "ok",
		Version:      version.Current,
		PendingWaits: s.orch.Cooldown().Pending(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.gateway.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Error = util.RedactSecrets(err.Error())
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, enrich.KindValidation, "request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, enrich.KindValidation, "invalid json: "+err.Error())
		return false
	}
	return true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func statusFor(kind enrich.Kind) int {
	switch kind {
	case enrich.KindValidation:
		return http.StatusBadRequest
	case enrich.KindNotFound:
		return http.StatusNotFound
	case enrich.KindUpstream:
		return http.StatusBadGateway
	case enrich.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Kind  enrich.Kind `json:"kind"`
	Error string      `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind enrich.Kind, msg string) {
	writeJSON(w, status, errorResponse{Kind: kind, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

