package ratelimit

import (
	"time"
)

// Thresholds for error budget decisions.
const (
	// ErrorThresholdCritical pauses the gate until the budget resets when the
	// remaining error budget falls below this value.
	ErrorThresholdCritical = 5

	// ErrorThresholdWarning pauses the gate briefly on every call below this value.
	ErrorThresholdWarning = 20

	// ErrorThresholdHealthy marks the budget as healthy at or above this value.
	ErrorThresholdHealthy = 50
)

// ErrorBudgetState is the last error budget reported by the remote API.
// It is shared between processes through Redis by Tracker.
type ErrorBudgetState struct {
	// ErrorsRemaining is how many error responses the API still tolerates.
	ErrorsRemaining int `json:"errors_remaining"`

	// ResetAt is when the error window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when ErrorsRemaining >= ErrorThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *ErrorBudgetState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalPause returns true when the gate must stop until ResetAt.
func (s *ErrorBudgetState) NeedsCriticalPause() bool {
	return s.ErrorsRemaining < ErrorThresholdCritical
}

// NeedsThrottling returns true inside the warning band.
func (s *ErrorBudgetState) NeedsThrottling() bool {
	return s.ErrorsRemaining < ErrorThresholdWarning && !s.NeedsCriticalPause()
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *ErrorBudgetState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth recomputes IsHealthy.
func (s *ErrorBudgetState) UpdateHealth() {
	s.IsHealthy = s.ErrorsRemaining >= ErrorThresholdHealthy
}
