// SPDX-License-Identifier: AGPL-3.0-only

// Package server exposes the reconciler over HTTP: the kafka ingestion
// endpoints the bridge posts to, the email attachment endpoint, health and
// metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctopuviyan/OrgOnboarder/pkg/reconciler"
	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const serviceName = "org-onboarder"

// maxBodyBytes caps request bodies at the transport limit.
const maxBodyBytes = 10 << 20

// EpochManager is the run lifecycle as used by the ingestion handlers.
type EpochManager interface {
	BeginRun(ctx context.Context, orgID, name string) (int64, error)
	FinalizeRun(ctx context.Context, orgID string, epoch int64) error
}

// Processor applies upserts and deltas to the store.
type Processor interface {
	ProcessUpserts(ctx context.Context, orgID string, rows []roster.UpsertRow, epoch int64, sourceTag string) (reconciler.Result, error)
	ProcessDeltas(ctx context.Context, orgID string, deltas []roster.Delta, sourceTag string) (reconciler.Result, error)
}

// Config configures the HTTP surface.
type Config struct {
	Port    int
	Token   string
	Version string
}

// eventRegistryTTL bounds how long applied (org, event) pairs are held for
// duplicate detection.
const eventRegistryTTL = time.Hour

type Server struct {
	cfg       Config
	epochs    EpochManager
	processor Processor
	events    *eventRegistry
	logger    log.Logger
	router    *mux.Router
}

func New(cfg Config, epochs EpochManager, processor Processor, logger log.Logger, reg *prometheus.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		epochs:    epochs,
		processor: processor,
		events:    newEventRegistry(eventRegistryTTL),
		logger:    log.With(logger, "component", "server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	ingest := r.PathPrefix("/ingest").Subrouter()
	ingest.Use(s.authMiddleware)
	ingest.HandleFunc("/kafka/upserts", s.handleKafkaUpserts).Methods(http.MethodPost)
	ingest.HandleFunc("/kafka/deltas", s.handleKafkaDeltas).Methods(http.MethodPost)
	ingest.HandleFunc("/email", s.handleEmail).Methods(http.MethodPost)

	s.router = r
	return s
}

// Handler returns the routing handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		level.Info(s.logger).Log("msg", "http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth") != s.cfg.Token {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   serviceName,
		"version":   s.cfg.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type kafkaUpsertsRequest struct {
	OrgID      string             `json:"orgId"`
	Messages   []roster.UpsertRow `json:"messages"`
	CloseAfter bool               `json:"closeAfter"`
}

type kafkaUpsertsResponse struct {
	Success    bool  `json:"success"`
	Processed  int   `json:"processed"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	Epoch      int64 `json:"epoch"`
	Finalized  bool  `json:"finalized"`
	DurationMs int64 `json:"durationMs"`
}

func (s *Server) handleKafkaUpserts(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req kafkaUpsertsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.OrgID == "" {
		req.OrgID = r.URL.Query().Get("orgId")
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "orgId is required")
		return
	}

	// A redelivered batch for an already applied event is a semantic
	// duplicate: answer 409 before allocating a new epoch.
	eventID := r.URL.Query().Get("eventId")
	if s.events.isDuplicate(req.OrgID, eventID) {
		s.writeError(w, http.StatusConflict, "duplicate_event", "event already applied")
		return
	}

	epoch, err := s.epochs.BeginRun(r.Context(), req.OrgID, "")
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}

	result, err := s.processor.ProcessUpserts(r.Context(), req.OrgID, req.Messages, epoch, roster.SourceKafkaUpsert)
	if err != nil {
		if errors.Is(err, reconciler.ErrCircuitOpen) {
			s.writeError(w, http.StatusServiceUnavailable, "circuit_open", err.Error())
			return
		}
		s.writeInternalError(w, r, err)
		return
	}

	finalized := false
	if req.CloseAfter {
		if err := s.epochs.FinalizeRun(r.Context(), req.OrgID, epoch); err != nil {
			s.writeInternalError(w, r, err)
			return
		}
		finalized = true
	}

	s.events.mark(req.OrgID, eventID)
	s.writeJSON(w, http.StatusOK, kafkaUpsertsResponse{
		Success:    true,
		Processed:  result.Processed,
		Skipped:    result.Skipped,
		Errors:     result.Errors,
		Epoch:      epoch,
		Finalized:  finalized,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

type kafkaDeltasRequest struct {
	OrgID    string         `json:"orgId"`
	Messages []roster.Delta `json:"messages"`
}

func (s *Server) handleKafkaDeltas(w http.ResponseWriter, r *http.Request) {
	var req kafkaDeltasRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.OrgID == "" {
		req.OrgID = r.URL.Query().Get("orgId")
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "orgId is required")
		return
	}

	result, err := s.processor.ProcessDeltas(r.Context(), req.OrgID, req.Messages, roster.SourceKafkaDelta)
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": result.Processed,
		"skipped":   result.Skipped,
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(s.logger).Log("msg", "writing response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, errCode, message string) {
	s.writeJSON(w, code, map[string]string{"error": errCode, "message": message})
}

func (s *Server) writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	level.Error(s.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
}
