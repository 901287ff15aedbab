package engine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"shiftbeep/internal/models"
	"shiftbeep/internal/shifttable"
)

// Decision is the outcome of evaluating one telemetry sample
type Decision int

const (
	DecisionIdle Decision = iota
	DecisionFire
	DecisionSuppressed
)

func (d Decision) String() string {
	switch d {
	case DecisionFire:
		return "fire"
	case DecisionSuppressed:
		return "suppressed"
	default:
		return "idle"
	}
}

func (d Decision) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.String())), nil
}

// Result carries the decision plus the context a sink needs to act on it
type Result struct {
	Decision     Decision
	CarID        string
	Gear         int
	RPM          float64
	ThresholdRPM float64
}

// Latch tracks alert state for one gear. Armed means the next threshold
// crossing fires; Fired means the crossing was already alerted and the
// RPM has not dropped back since.
type Latch struct {
	Armed bool
	Fired bool
}

// Status is a point-in-time view of the engine for status reporting
type Status struct {
	Paused          bool                 `json:"paused"`
	CarID           string               `json:"car_id,omitempty"`
	Gear            int                  `json:"gear"`
	LastDecision    Decision             `json:"last_decision"`
	LastFireAt      time.Time            `json:"last_fire_at,omitempty"`
	ResetMargin     float64              `json:"reset_margin"`
	MinFireInterval time.Duration        `json:"min_fire_interval"`
	Counters        models.AlertCounters `json:"counters"`
}

// Engine decides, one telemetry sample at a time, whether to fire a
// shift alert. Evaluate must only be called from a single goroutine;
// everything else is safe to call concurrently.
type Engine struct {
	mu sync.Mutex

	latches map[int]*Latch
	carID   string
	gear    int
	paused  bool

	resetMargin     float64
	minFireInterval time.Duration
	lastFireAt      time.Time
	lastDecision    Decision

	fired      int64
	suppressed int64
	samples    int64
}

// New creates an engine. resetMargin is how far RPM must drop below the
// threshold to re-arm a fired gear; minFireInterval spaces out fired
// alerts, 0 disables the limit.
func New(resetMargin float64, minFireInterval time.Duration) *Engine {
	if resetMargin < 0 {
		resetMargin = 0
	}
	return &Engine{
		latches:         make(map[int]*Latch),
		resetMargin:     resetMargin,
		minFireInterval: minFireInterval,
	}
}

// Evaluate runs one telemetry sample through the alert state machine
// against the given table. The table pointer is fixed for the duration
// of the call, so a concurrent table swap never splits a decision.
func (e *Engine) Evaluate(sample models.TelemetrySample, table *shifttable.Table) Result {
	atomic.AddInt64(&e.samples, 1)

	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{
		Decision: DecisionIdle,
		CarID:    sample.CarID,
		Gear:     sample.Gear,
		RPM:      sample.RPM,
	}

	if e.paused {
		e.lastDecision = DecisionIdle
		return result
	}

	if sample.CarID != e.carID {
		// New car, nothing learned about the old one applies
		e.latches = make(map[int]*Latch)
		e.carID = sample.CarID
	} else if sample.Gear != e.gear {
		// Entering a gear re-arms it even if it fired before
		delete(e.latches, sample.Gear)
	}
	e.gear = sample.Gear

	if sample.FlagState != models.FlagGreen {
		e.latches = make(map[int]*Latch)
		atomic.AddInt64(&e.suppressed, 1)
		result.Decision = DecisionSuppressed
		e.lastDecision = DecisionSuppressed
		return result
	}

	if sample.Gear < 1 {
		e.lastDecision = DecisionIdle
		return result
	}

	if sample.RPM < 0 || math.IsNaN(sample.RPM) || math.IsInf(sample.RPM, 0) {
		e.lastDecision = DecisionIdle
		return result
	}

	threshold, ok := table.Resolve(sample.CarID, sample.Gear)
	if !ok {
		e.lastDecision = DecisionIdle
		return result
	}
	result.ThresholdRPM = threshold

	latch, ok := e.latches[sample.Gear]
	if !ok {
		latch = &Latch{Armed: true}
		e.latches[sample.Gear] = latch
	}

	if sample.RPM < threshold-e.resetMargin {
		latch.Armed = true
		latch.Fired = false
		e.lastDecision = DecisionIdle
		return result
	}

	if sample.RPM >= threshold && latch.Armed {
		if e.minFireInterval > 0 && !e.lastFireAt.IsZero() &&
			sample.Timestamp.Sub(e.lastFireAt) < e.minFireInterval {
			// Too soon after the last alert, hold the latch armed so
			// the crossing still fires once the interval passes
			e.lastDecision = DecisionIdle
			return result
		}
		latch.Armed = false
		latch.Fired = true
		e.lastFireAt = sample.Timestamp
		atomic.AddInt64(&e.fired, 1)
		result.Decision = DecisionFire
		e.lastDecision = DecisionFire
		return result
	}

	e.lastDecision = DecisionIdle
	return result
}

// SetPaused pauses or resumes alerting. Pausing does not disturb latch
// state, so resuming picks up where the session left off.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
}

// Paused reports whether alerting is paused
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Reset clears all latch state. Used when a session ends.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latches = make(map[int]*Latch)
	e.carID = ""
	e.gear = 0
	e.lastFireAt = time.Time{}
}

// Counters returns the engine activity counters
func (e *Engine) Counters() models.AlertCounters {
	return models.AlertCounters{
		Fired:      atomic.LoadInt64(&e.fired),
		Suppressed: atomic.LoadInt64(&e.suppressed),
		Samples:    atomic.LoadInt64(&e.samples),
	}
}

// Status returns a snapshot of the engine state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Paused:          e.paused,
		CarID:           e.carID,
		Gear:            e.gear,
		LastDecision:    e.lastDecision,
		LastFireAt:      e.lastFireAt,
		ResetMargin:     e.resetMargin,
		MinFireInterval: e.minFireInterval,
		Counters: models.AlertCounters{
			Fired:      atomic.LoadInt64(&e.fired),
			Suppressed: atomic.LoadInt64(&e.suppressed),
			Samples:    atomic.LoadInt64(&e.samples),
		},
	}
}
