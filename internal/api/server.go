package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"Forge/internal/analytics"
	"Forge/internal/config"
	"Forge/internal/fleet"
	"Forge/internal/metrics"
	"Forge/internal/middleware"
	"Forge/internal/models"
	"Forge/internal/runner"
	"Forge/internal/store"
	v1 "Forge/pkg/api/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Allocator is the fleet allocation surface the server fronts.
type Allocator interface {
	Allocate(ctx context.Context, req fleet.AllocationRequest) (fleet.AllocationResult, error)
}

// Inventory is the runner inventory surface the server fronts.
type Inventory interface {
	List(ctx context.Context, f runner.ListFilter) ([]runner.Record, error)
	Tag(ctx context.Context, instanceID string, kv map[string]string) error
	Untag(ctx context.Context, instanceID string, keys []string) error
	Terminate(ctx context.Context, instanceID string) error
}

type Server struct {
	config     *config.Config
	allocator  Allocator
	inventory  Inventory
	store      *store.Store
	tracker    *analytics.Tracker
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new API server
func New(
	cfg *config.Config,
	alloc Allocator,
	inv Inventory,
	st *store.Store,
	tracker *analytics.Tracker,
	met *metrics.Metrics,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:    cfg,
		allocator: alloc,
		inventory: inv,
		store:     st,
		tracker:   tracker,
		metrics:   met,
		registry:  registry,
		logger:    logger.With("component", "api-server"),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Health and readiness endpoints
	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.handleReadiness)

	// Metrics endpoint
	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// API v1 endpoints
	mux.HandleFunc("POST /api/v1/fleet", s.authMiddleware(s.instrument("fleet", s.handleCreateFleet)))
	mux.HandleFunc("GET /api/v1/runners", s.authMiddleware(s.instrument("runners", s.handleRunners)))
	mux.HandleFunc("POST /api/v1/runners/{id}/terminate", s.authMiddleware(s.instrument("terminate", s.handleTerminate)))
	mux.HandleFunc("POST /api/v1/runners/{id}/tags", s.authMiddleware(s.instrument("tag", s.handleTag)))
	mux.HandleFunc("DELETE /api/v1/runners/{id}/tags", s.authMiddleware(s.instrument("untag", s.handleUntag)))
	mux.HandleFunc("GET /api/v1/status", s.authMiddleware(s.instrument("status", s.handleStatus)))
	mux.HandleFunc("GET /api/v1/events", s.authMiddleware(s.instrument("events", s.handleEvents)))

	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      middleware.Logging(s.logger, mux),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	// The inventory doubles as the control-plane liveness probe.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.inventory.List(ctx, runner.ListFilter{Environment: s.config.Runner.Environment}); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleCreateFleet turns the wire request into an allocation,
// filling omitted fields from configured defaults. The decision of
// what to request belongs to the caller; this endpoint only
// transports it.
func (s *Server) handleCreateFleet(w http.ResponseWriter, r *http.Request) {
	var body v1.CreateFleetRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	req := s.toAllocationRequest(body)
	result, err := s.allocator.Allocate(r.Context(), req)
	s.record(req, result, err)

	resp := v1.CreateFleetResponse{
		Requested:   req.Count,
		Created:     len(result.InstanceIDs),
		InstanceIDs: result.InstanceIDs,
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		if hint, ok := fleet.AsRetryable(err); ok {
			resp.Retryable = true
			resp.RetryHint = hint
			status = http.StatusServiceUnavailable
		} else {
			status = http.StatusBadGateway
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runner.ListFilter{
		Environment: s.config.Runner.Environment,
		Type:        q.Get("type"),
		Owner:       q.Get("owner"),
		OrphanOnly:  q.Get("orphan") == "true",
	}
	if statuses, ok := q["status"]; ok {
		filter.Statuses = statuses
	}

	records, err := s.inventory.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list runners", err)
		return
	}

	views := make([]v1.RunnerView, 0, len(records))
	for _, rec := range records {
		views = append(views, v1.RunnerView{
			InstanceID:  rec.InstanceID,
			LaunchTime:  rec.LaunchTime,
			Environment: rec.Environment,
			Type:        rec.Type,
			Owner:       rec.Owner,
			Repo:        rec.Repo,
			Org:         rec.Org,
			Orphan:      rec.Orphan,
			RunnerID:    rec.RunnerID,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(views),
		"runners":   views,
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.inventory.Terminate(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to terminate runner", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"instance_id": id, "status": "terminating"})
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body v1.TagRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Tags) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid tag request", err)
		return
	}
	if err := s.inventory.Tag(r.Context(), id, body.Tags); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to tag runner", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"instance_id": id, "status": "tagged"})
}

func (s *Server) handleUntag(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body v1.UntagRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Keys) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid untag request", err)
		return
	}
	if err := s.inventory.Untag(r.Context(), id, body.Keys); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to untag runner", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"instance_id": id, "status": "untagged"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":   time.Now().Format(time.RFC3339),
		"environment": s.config.Runner.Environment,
		"region":      s.config.AWS.Region,
		"dry_run":     s.config.DryRun,
		"summary":     s.tracker.GetSummary(),
		"recent":      s.tracker.GetHistory(10),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || !s.config.Store.Enabled {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	events := s.store.GetEvents(100)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) toAllocationRequest(body v1.CreateFleetRequest) fleet.AllocationRequest {
	req := fleet.AllocationRequest{
		Count:              body.Count,
		InstanceTypes:      body.InstanceTypes,
		SubnetIDs:          body.SubnetIDs,
		Tier:               fleet.CapacityTier(body.Tier),
		MaxSpotPrice:       body.MaxSpotPrice,
		AllocationStrategy: body.AllocationStrategy,
		AMIParameterName:   body.AMIParameterName,
		FailoverCodes:      body.FailoverCodes,
		RetryableCodes:     body.RetryableCodes,
		Environment:        s.config.Runner.Environment,
		RunnerType:         body.RunnerType,
		Owner:              body.Owner,
		Repo:               body.Repo,
		Org:                body.Org,
		EnableTracing:      s.config.Fleet.EnableTracing,
	}
	if len(req.InstanceTypes) == 0 {
		req.InstanceTypes = s.config.Fleet.InstanceTypes
	}
	if len(req.SubnetIDs) == 0 {
		req.SubnetIDs = s.config.AWS.SubnetIDs
	}
	if req.Tier == "" {
		req.Tier = fleet.CapacityTier(s.config.Fleet.DefaultTier)
	}
	if req.MaxSpotPrice == "" {
		req.MaxSpotPrice = s.config.Fleet.MaxSpotPrice
	}
	if req.AllocationStrategy == "" {
		req.AllocationStrategy = s.config.Fleet.AllocationStrategy
	}
	if req.AMIParameterName == "" {
		req.AMIParameterName = s.config.AWS.AMIParameterName
	}
	if len(req.FailoverCodes) == 0 {
		req.FailoverCodes = s.config.Fleet.FailoverCodes
	}
	if len(req.RetryableCodes) == 0 {
		req.RetryableCodes = s.config.Fleet.RetryableCodes
	}
	return req
}

func (s *Server) record(req fleet.AllocationRequest, result fleet.AllocationResult, err error) {
	outcome := "fulfilled"
	if err != nil {
		if _, ok := fleet.AsRetryable(err); ok {
			outcome = "retry"
		} else {
			outcome = "failed"
		}
	}
	event := models.AllocationEvent{
		Timestamp:  time.Now(),
		Tier:       string(req.Tier),
		Requested:  req.Count,
		Created:    len(result.InstanceIDs),
		FailedOver: result.FailedOver,
		ErrorCodes: result.ErrorCodes(),
		Outcome:    outcome,
	}
	if s.tracker != nil {
		s.tracker.RecordAllocation(event)
	}
	if s.store != nil {
		if serr := s.store.RecordAllocation(event); serr != nil {
			s.logger.Error("failed to journal allocation", "error", serr)
		}
	}
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		if s.metrics != nil {
			s.metrics.APIRequests.WithLabelValues(endpoint, r.Method).Inc()
			s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
