package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/breaker"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/redis"
)

// DeliveryReader defines the read side of the delivery audit store.
type DeliveryReader interface {
	GetByRequestID(ctx context.Context, requestID string) (*db.DeliveryRecord, error)
	List(ctx context.Context, userID, status string, limit int) ([]*db.DeliveryRecord, error)
	Stats(ctx context.Context) (*db.DeliveryStats, error)
}

// RateReader reports the current window usage without consuming budget.
type RateReader interface {
	Info(ctx context.Context, userID, category string) (*redis.RateInfo, error)
}

// BreakerReader exposes a snapshot of one breaker's counters.
type BreakerReader interface {
	Stats() breaker.Stats
}

// Pinger checks one backing dependency.
type Pinger func(ctx context.Context) error

// Response is the envelope every endpoint returns; collaborating
// services expect this shape.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Handler holds dependencies for the operational endpoints.
type Handler struct {
	logger    *zap.Logger
	audit     DeliveryReader
	rates     RateReader
	breakers  []BreakerReader
	dbPing    Pinger
	redisPing Pinger
}

// NewHandler creates the operational API handler.
func NewHandler(logger *zap.Logger, audit DeliveryReader, rates RateReader, breakers []BreakerReader, dbPing, redisPing Pinger) *Handler {
	return &Handler{
		logger:    logger,
		audit:     audit,
		rates:     rates,
		breakers:  breakers,
		dbPing:    dbPing,
		redisPing: redisPing,
	}
}

// Routes mounts the handler onto a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/deliveries", h.ListDeliveries)
		r.Get("/deliveries/{requestID}", h.GetDelivery)
		r.Get("/ratelimit/{userID}", h.GetRateLimit)
	})
}

// Health handles GET /health. Degraded dependencies are reported but
// do not fail the check: the worker keeps draining with reduced
// guarantees, so orchestrators should not restart it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]string{}
	status := "healthy"

	if err := h.dbPing(ctx); err != nil {
		checks["database"] = "unreachable"
		status = "degraded"
	} else {
		checks["database"] = "ok"
	}

	if err := h.redisPing(ctx); err != nil {
		checks["redis"] = "unreachable"
		status = "degraded"
	} else {
		checks["redis"] = "ok"
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]any{
			"status": status,
			"checks": checks,
		},
	})
}

// GetStats handles GET /v1/stats: delivery counts plus a snapshot of
// every registered breaker.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.audit.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to load delivery stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to load delivery stats")
		return
	}

	breakers := make([]breaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		breakers = append(breakers, b.Stats())
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]any{
			"deliveries": stats,
			"breakers":   breakers,
		},
	})
}

// ListDeliveries handles
// GET /v1/deliveries?user_id=xxx&status=failed&limit=20,
// returning recent records newest first.
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := r.URL.Query().Get("user_id")
	status := r.URL.Query().Get("status")

	if status != "" && status != db.StatusPending && status != db.StatusDelivered && status != db.StatusFailed {
		h.writeError(w, http.StatusBadRequest, "status must be one of: pending, delivered, failed")
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	records, err := h.audit.List(ctx, userID, status, limit)
	if err != nil {
		h.logger.Error("failed to list delivery records",
			zap.String("user_id", userID),
			zap.String("status", status),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to list delivery records")
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]any{
			"deliveries": records,
			"count":      len(records),
			"limit":      limit,
		},
	})
}

// GetDelivery handles GET /v1/deliveries/{requestID}.
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	rec, err := h.audit.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "delivery record not found")
			return
		}
		h.logger.Error("failed to load delivery record",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to load delivery record")
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: rec})
}

// GetRateLimit handles GET /v1/ratelimit/{userID}?category=email. It
// reads the current window without consuming any budget.
func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	category := r.URL.Query().Get("category")
	if category == "" {
		category = "email"
	}

	info, err := h.rates.Info(ctx, userID, category)
	if err != nil {
		h.logger.Error("failed to load rate limit info",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to load rate limit info")
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: info})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, Response{Success: false, Message: message})
}
