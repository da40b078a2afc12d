package chatgate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// Backend names tracked by the admission controller.
const (
	BackendLedger        = "ledger"
	BackendSubscriptions = "subscriptions"
)

// HealthState describes the health of a metering backend.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker is a circuit breaker over metering backend lookups. After
// healthFailureThreshold failures inside healthFailureWindow a backend is
// skipped for healthUnhealthyPeriod, then tried again (half-open).
type HealthTracker struct {
	mu       sync.Mutex
	backends map[string]*backendHealth
	now      func() time.Time
}

type backendHealth struct {
	state       HealthState
	failures    []time.Time
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		backends: make(map[string]*backendHealth),
		now:      time.Now,
	}
}

// Available reports whether the backend should be queried. Half-open
// backends are queried so a success can close the circuit.
func (h *HealthTracker) Available(backend string) bool {
	return h.State(backend) != HealthUnhealthy
}

// State returns the current health state for a backend.
func (h *HealthTracker) State(backend string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh, ok := h.backends[backend]
	if !ok {
		return HealthHealthy
	}
	if bh.state == HealthUnhealthy && h.now().Sub(bh.unhealthyAt) >= healthUnhealthyPeriod {
		bh.state = HealthHalfOpen
	}
	return bh.state
}

// RecordSuccess closes the circuit for a backend.
func (h *HealthTracker) RecordSuccess(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.getOrCreate(backend)
	bh.state = HealthHealthy
	bh.failures = bh.failures[:0]
}

// RecordFailure records a failed lookup. A failure while half-open reopens
// the circuit immediately.
func (h *HealthTracker) RecordFailure(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.getOrCreate(backend)
	now := h.now()

	switch bh.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		bh.state = HealthUnhealthy
		bh.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := bh.failures[:0]
	for _, t := range bh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	bh.failures = append(valid, now)

	if len(bh.failures) >= healthFailureThreshold {
		bh.state = HealthUnhealthy
		bh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(backend string) *backendHealth {
	bh, ok := h.backends[backend]
	if !ok {
		bh = &backendHealth{state: HealthHealthy}
		h.backends[backend] = bh
	}
	return bh
}
