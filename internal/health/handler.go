// Package health exposes liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"papertrade/internal/httputil"
)

type Handler struct {
	pool      *pgxpool.Pool
	redis     *redis.Client
	startedAt time.Time
}

func NewHandler(pool *pgxpool.Pool, rdb *redis.Client, startedAt time.Time) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{pool: pool, redis: rdb, startedAt: start}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
}

type readinessResponse struct {
	Status    string     `json:"status"`
	Timestamp string     `json:"timestamp"`
	UptimeSec int64      `json:"uptime_sec"`
	Database  checkState `json:"database"`
	Cache     checkState `json:"cache"`
}

type checkState struct {
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

// Live does not check dependencies.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
	})
}

// Ready checks Postgres and Redis. The database is the hard dependency;
// Redis being down degrades caching but the service still works, so only a
// database failure flips the status to 503.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	db := h.check(r.Context(), func(ctx context.Context) error { return h.pool.Ping(ctx) })
	cache := h.check(r.Context(), func(ctx context.Context) error { return h.redis.Ping(ctx).Err() })

	status := "ok"
	httpStatus := http.StatusOK
	if !db.Reachable {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, httpStatus, readinessResponse{
		Status:    status,
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(h.uptime(now).Seconds()),
		Database:  db,
		Cache:     cache,
	})
}

func (h *Handler) check(ctx context.Context, ping func(context.Context) error) checkState {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	err := ping(ctx)
	state := checkState{
		Reachable: err == nil,
		PingMs:    time.Since(start).Milliseconds(),
	}
	if err != nil {
		state.Error = err.Error()
	}
	return state
}
