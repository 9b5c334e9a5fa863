package scheduler

import (
	"time"
)

type Config struct {
	Enabled bool

	// TickInterval is the wall-clock pause between the end of one dispatch
	// phase and the next scan. A new scan never starts while a prior
	// dispatch is draining.
	TickInterval time.Duration

	// MaxInFlight bounds concurrent deliveries across all slots.
	// 0 means "number of active workers at dispatch time".
	MaxInFlight int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// Phase is the loop's externally visible state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScanning    Phase = "scanning"
	PhaseDispatching Phase = "dispatching"
)

// CycleStats summarizes one scan+dispatch pass for monitoring.
type CycleStats struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Deferred  int           `json:"deferred"`
}

// Snapshot is a point-in-time diagnostics view.
type Snapshot struct {
	Enabled      bool
	Phase        Phase
	TickInterval time.Duration
	MaxInFlight  int
	History      []CycleStats
}
