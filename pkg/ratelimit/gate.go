// Package ratelimit implements the per-API request gate: a token bucket with a
// concurrency cap whose balance can be reconciled with quota information the
// remote API reports in its response headers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for gate operations.
var (
	gateAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_gate_acquires_total",
		Help: "Total number of successful token acquisitions by gate",
	}, []string{"gate"})

	gateWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apigate_gate_wait_seconds",
		Help:    "Time spent waiting for tokens to refill by gate",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"gate"})

	gateTokensAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "apigate_gate_tokens",
		Help: "Token balance after the last gate operation",
	}, []string{"gate"})

	gatePausesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_gate_pauses_total",
		Help: "Total number of feedback-driven gate pauses",
	}, []string{"gate"})
)

var (
	// ErrInvalidConfig is returned by NewGate for non-positive limits.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrInvalidWeight is returned when a caller asks for less than one token.
	ErrInvalidWeight = errors.New("weight must be at least 1")

	// ErrWeightExceedsCapacity is returned when a single acquisition asks for
	// more tokens than the bucket can ever hold.
	ErrWeightExceedsCapacity = errors.New("weight exceeds gate capacity")
)

// Limiter is what the HTTP client needs from a gate.
type Limiter interface {
	// Acquire blocks until weight tokens and a concurrency slot are available.
	// The returned release func frees the slot and must be called once the
	// gated call has finished.
	Acquire(ctx context.Context, weight int) (release func(), err error)

	// AdjustFromFeedback reconciles local state with response metadata.
	AdjustFromFeedback(ctx context.Context, header http.Header) error
}

// Config holds gate construction parameters.
type Config struct {
	// Name labels metrics and logs (usually the API host).
	Name string

	// MaxCalls is the bucket capacity: calls allowed per Period.
	MaxCalls int

	// Period is the window over which MaxCalls refill.
	Period time.Duration

	// MaxConcurrency caps simultaneous in-flight calls (0 means 1).
	MaxConcurrency int

	// Adjuster reconciles the bucket with server feedback (optional).
	Adjuster Adjuster
}

// GateState is a point-in-time snapshot of a gate.
type GateState struct {
	Capacity   float64
	RefillRate float64
	Tokens     float64
	LastRefill time.Time
	InFlight   int
}

// Gate is a token bucket guarded by a single mutex plus a slot semaphore.
type Gate struct {
	name       string
	capacity   float64
	refillRate float64
	adjuster   Adjuster
	logger     zerolog.Logger

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	slots chan struct{}
}

// NewGate creates a gate with a full bucket.
func NewGate(cfg Config, logger zerolog.Logger) (*Gate, error) {
	if cfg.MaxCalls <= 0 {
		return nil, fmt.Errorf("%w: max_calls must be > 0 (got %d)", ErrInvalidConfig, cfg.MaxCalls)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("%w: period must be > 0 (got %s)", ErrInvalidConfig, cfg.Period)
	}
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("%w: max_concurrency must be >= 0 (got %d)", ErrInvalidConfig, cfg.MaxConcurrency)
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	capacity := float64(cfg.MaxCalls)
	return &Gate{
		name:       cfg.Name,
		capacity:   capacity,
		refillRate: capacity / cfg.Period.Seconds(),
		adjuster:   cfg.Adjuster,
		logger:     logger.With().Str("gate", cfg.Name).Logger(),
		tokens:     capacity,
		lastRefill: time.Now(),
		slots:      make(chan struct{}, cfg.MaxConcurrency),
	}, nil
}

// Name returns the gate label.
func (g *Gate) Name() string {
	return g.name
}

// Capacity returns the maximum token balance.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// Acquire takes a concurrency slot, then debits weight tokens, sleeping until
// enough have refilled. Tokens debited are never returned, even if the caller
// abandons the call afterwards.
func (g *Gate) Acquire(ctx context.Context, weight int) (func(), error) {
	if weight < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidWeight, weight)
	}
	if float64(weight) > g.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrWeightExceedsCapacity, weight, int(g.capacity))
	}

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := g.take(ctx, float64(weight)); err != nil {
		<-g.slots
		return nil, err
	}

	gateAcquiresTotal.WithLabelValues(g.name).Inc()

	var once sync.Once
	return func() {
		once.Do(func() { <-g.slots })
	}, nil
}

// take runs refill, optional sleep and debit as one critical section.
func (g *Gate) take(ctx context.Context, weight float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refillLocked(time.Now())

	if g.tokens < weight {
		wait := time.Duration(math.Ceil((weight - g.tokens) / g.refillRate * float64(time.Second)))

		g.logger.Debug().
			Float64("tokens", g.tokens).
			Float64("weight", weight).
			Dur("wait", wait).
			Msg("Waiting for token refill")

		gateWaitSeconds.WithLabelValues(g.name).Observe(wait.Seconds())
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		g.refillLocked(time.Now())
	}

	// Clamp float rounding after a full refill wait.
	g.tokens = math.Max(g.tokens-weight, 0)
	gateTokensAvailable.WithLabelValues(g.name).Set(g.tokens)
	return nil
}

func (g *Gate) refillLocked(now time.Time) {
	elapsed := now.Sub(g.lastRefill).Seconds()
	g.lastRefill = now
	g.tokens = math.Min(g.capacity, g.tokens+elapsed*g.refillRate)
}

// SetUsedTokens overwrites the balance with capacity - used, as reported by
// the remote API. The refill clock restarts so the reported value is not
// credited with time that passed before it was observed.
func (g *Gate) SetUsedTokens(used int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tokens = math.Max(0, math.Min(g.capacity, g.capacity-float64(used)))
	g.lastRefill = time.Now()
	gateTokensAvailable.WithLabelValues(g.name).Set(g.tokens)

	g.logger.Debug().
		Int("used", used).
		Float64("tokens", g.tokens).
		Msg("Token balance reconciled")
}

// Pause holds the gate for d from now, stalling every acquirer.
func (g *Gate) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return g.PauseUntil(ctx, time.Now().Add(d))
}

// PauseUntil holds the gate until deadline. The remaining time is measured
// after the lock is taken, so callers queued behind an earlier pause to the
// same deadline return as soon as it has passed instead of adding their own.
func (g *Gate) PauseUntil(ctx context.Context, deadline time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}

	gatePausesTotal.WithLabelValues(g.name).Inc()
	g.logger.Warn().Dur("pause", d).Time("until", deadline).Msg("Gate paused")
	return sleep(ctx, d)
}

// AdjustFromFeedback hands response headers to the configured adjuster.
func (g *Gate) AdjustFromFeedback(ctx context.Context, header http.Header) error {
	if g.adjuster == nil || header == nil {
		return nil
	}
	return g.adjuster.Adjust(ctx, g, header)
}

// State returns a snapshot without refilling.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()

	return GateState{
		Capacity:   g.capacity,
		RefillRate: g.refillRate,
		Tokens:     g.tokens,
		LastRefill: g.lastRefill,
		InFlight:   len(g.slots),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
