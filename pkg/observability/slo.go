package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Runtime operations with service level objectives.
const (
	OpProcessEvent = "process_event"
	OpIngest       = "ingest"
	OpTick         = "tick"
	OpRecover      = "recover"
	OpReplay       = "replay"
)

// SLOTarget defines a service level objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // target success rate (0-1)
	WindowHours int           `json:"window_hours"` // evaluation window
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors latency and success-rate objectives across runtime
// operations. Observations older than the largest target window are
// pruned on write, so memory stays bounded on long-running processes.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget       // operation -> target
	observations map[string][]SLOObservation // operation -> observations
	clock        func() time.Time
}

// NewSLOTracker creates a new tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// DefaultTargets returns objectives for the core runtime operations.
func DefaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-process-event", Name: "Event processing", Operation: OpProcessEvent,
			LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-ingest", Name: "Gateway ingest", Operation: OpIngest,
			LatencyP99: 500 * time.Millisecond, SuccessRate: 0.995, WindowHours: 24},
		{SLOID: "slo-tick", Name: "Timer tick", Operation: OpTick,
			LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-recover", Name: "Recovery replay", Operation: OpRecover,
			LatencyP99: 30 * time.Second, SuccessRate: 0.99, WindowHours: 168},
	}
}

// SetTarget sets the objective for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Operations lists operations with a configured target, sorted.
func (t *SLOTracker) Operations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Record adds an observation and prunes anything outside the operation's
// evaluation window.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	kept := t.observations[obs.Operation]
	kept = append(kept, obs)

	if target, ok := t.targets[obs.Operation]; ok && target.WindowHours > 0 {
		cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
		trimmed := kept[:0]
		for _, o := range kept {
			if o.Timestamp.After(cutoff) {
				trimmed = append(trimmed, o)
			}
		}
		kept = trimmed
	}
	t.observations[obs.Operation] = kept
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
	}
	budgetLeft := 100.0 * (1.0 - burnRate)
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}

// AllStatuses reports every configured operation, sorted by operation.
func (t *SLOTracker) AllStatuses() []*SLOStatus {
	ops := t.Operations()
	statuses := make([]*SLOStatus, 0, len(ops))
	for _, op := range ops {
		status, err := t.Status(op)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}
