package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for error budget tracking.
var (
	errorBudgetRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apigate_error_budget_remaining",
		Help: "Errors remaining in the current error window reported by the API",
	}, []string{"api"})

	errorBudgetPausesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_error_budget_pauses_total",
		Help: "Total gate pauses caused by the error budget by severity",
	}, []string{"api", "severity"})
)

// Default header names follow the EVE ESI convention.
const (
	DefaultRemainHeader = "X-ESI-Error-Limit-Remain"
	DefaultResetHeader  = "X-ESI-Error-Limit-Reset"
)

// ThrottlePause is the pause applied inside the warning band.
const ThrottlePause = 1 * time.Second

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// API names the tracked API; it scopes the Redis key.
	API string

	// RemainHeader carries the remaining error budget.
	RemainHeader string

	// ResetHeader carries the seconds until the error window resets.
	ResetHeader string
}

// Tracker keeps an API's error budget in Redis so that every process talking
// to the same API sees it, and pauses the gate when the budget runs low.
type Tracker struct {
	redis  *redis.Client
	cfg    TrackerConfig
	logger zerolog.Logger
}

// NewTracker creates a tracker. Empty config fields get defaults.
func NewTracker(redisClient *redis.Client, cfg TrackerConfig, logger zerolog.Logger) *Tracker {
	if cfg.API == "" {
		cfg.API = "default"
	}
	if cfg.RemainHeader == "" {
		cfg.RemainHeader = DefaultRemainHeader
	}
	if cfg.ResetHeader == "" {
		cfg.ResetHeader = DefaultResetHeader
	}
	return &Tracker{
		redis:  redisClient,
		cfg:    cfg,
		logger: logger.With().Str("api", cfg.API).Logger(),
	}
}

// Key returns the Redis hash holding the state.
func (t *Tracker) Key() string {
	return "apigate:error_budget:" + t.cfg.API
}

// GetState reads the shared state. A missing hash yields a healthy default.
func (t *Tracker) GetState(ctx context.Context) (*ErrorBudgetState, error) {
	fields, err := t.redis.HGetAll(ctx, t.Key()).Result()
	if err != nil {
		return nil, fmt.Errorf("get error budget: %w", err)
	}

	if len(fields) == 0 {
		return &ErrorBudgetState{
			ErrorsRemaining: 100,
			ResetAt:         time.Now().Add(60 * time.Second),
			LastUpdate:      time.Now(),
			IsHealthy:       true,
		}, nil
	}

	remaining, err := strconv.Atoi(fields["errors_remaining"])
	if err != nil {
		return nil, fmt.Errorf("parse errors_remaining: %w", err)
	}
	resetMillis, err := strconv.ParseInt(fields["reset_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset_at: %w", err)
	}
	lastUpdate, err := time.Parse(time.RFC3339Nano, fields["last_update"])
	if err != nil {
		return nil, fmt.Errorf("parse last_update: %w", err)
	}

	state := &ErrorBudgetState{
		ErrorsRemaining: remaining,
		ResetAt:         time.UnixMilli(resetMillis),
		LastUpdate:      lastUpdate,
	}
	state.UpdateHealth()
	return state, nil
}

// UpdateFromHeaders parses the error budget headers and stores them.
// Responses without the remain header are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) (*ErrorBudgetState, error) {
	remain, ok, err := intHeader(headers, t.cfg.RemainHeader)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	resetSeconds, ok, err := intHeader(headers, t.cfg.ResetHeader)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s header missing", t.cfg.ResetHeader)
	}

	now := time.Now()
	state := &ErrorBudgetState{
		ErrorsRemaining: remain,
		ResetAt:         now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate:      now,
	}
	state.UpdateHealth()

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, t.Key(), map[string]any{
		"errors_remaining": remain,
		"reset_at":         state.ResetAt.UnixMilli(),
		"last_update":      now.Format(time.RFC3339Nano),
	})
	// Stale budgets expire with their window.
	pipe.Expire(ctx, t.Key(), time.Duration(resetSeconds+1)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store error budget in redis: %w", err)
	}

	errorBudgetRemaining.WithLabelValues(t.cfg.API).Set(float64(remain))

	switch {
	case state.NeedsCriticalPause():
		t.logger.Error().Int("errors_remaining", remain).Time("reset_at", state.ResetAt).
			Msg("Error budget CRITICAL - gate will pause until reset")
	case state.NeedsThrottling():
		t.logger.Warn().Int("errors_remaining", remain).
			Msg("Error budget WARNING - gate will throttle")
	default:
		t.logger.Debug().Int("errors_remaining", remain).Bool("is_healthy", state.IsHealthy).
			Msg("Error budget updated")
	}

	return state, nil
}

// Adjust implements Adjuster. It records the feedback, then pauses the gate
// according to the shared state, which may have been written by another
// process. Pauses end at fixed deadlines taken from that state: ResetAt when
// critical, one ThrottlePause after the last update when throttling.
func (t *Tracker) Adjust(ctx context.Context, g *Gate, header http.Header) error {
	if _, err := t.UpdateFromHeaders(ctx, header); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to update error budget from headers")
	}

	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get error budget: %w", err)
	}

	switch {
	case state.NeedsCriticalPause():
		errorBudgetPausesTotal.WithLabelValues(t.cfg.API, "critical").Inc()
		return g.PauseUntil(ctx, state.ResetAt)
	case state.NeedsThrottling():
		errorBudgetPausesTotal.WithLabelValues(t.cfg.API, "warning").Inc()
		return g.PauseUntil(ctx, state.LastUpdate.Add(ThrottlePause))
	}
	return nil
}
