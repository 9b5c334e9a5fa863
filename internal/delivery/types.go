package delivery

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Content is the payload delivered to a destination.
type Content struct {
	Text           string
	ParseMode      string
	DisablePreview bool
}

// Destination is a target endpoint content is delivered to.
// Throttle timestamps are owned by the throttle, not stored here.
type Destination struct {
	ID       string
	ChatID   int64
	Category string

	// MinInterval is the destination-level pacing floor. 0 means the
	// throttle default applies.
	MinInterval time.Duration
}

// Slot is a schedulable content unit with its own interval and destination list.
//
// A slot carries either a fixed Interval or a cron Schedule ("0 */6 * * *").
// When both are set, Schedule wins.
type Slot struct {
	ID      string
	OwnerID string
	Content Content

	Interval   time.Duration
	Schedule   string
	LastSentAt time.Time
	Active     bool

	// Destinations is the ordered list of destination ids for this slot.
	// Order is stable within a dispatch pass.
	Destinations []string
}

// Due reports whether the slot should be dispatched at now.
//
// Interval slots: active and (never sent or now-last_sent >= interval).
// Cron slots: active and next(last_sent) <= now; a never-sent cron slot is due.
func (s Slot) Due(now time.Time) bool {
	if !s.Active {
		return false
	}
	if sched := s.Schedule; sched != "" {
		cs, err := cron.ParseStandard(sched)
		if err != nil {
			// Invalid expressions are rejected at load time; treat as not due.
			return false
		}
		if s.LastSentAt.IsZero() {
			return true
		}
		return !cs.Next(s.LastSentAt).After(now)
	}
	if s.Interval <= 0 {
		return false
	}
	if s.LastSentAt.IsZero() {
		return true
	}
	return now.Sub(s.LastSentAt) >= s.Interval
}

// ValidateSchedule checks a slot's cron expression.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// Status is the discriminant of a send Outcome.
type Status int

const (
	StatusOK Status = iota
	// StatusRateLimited is a transient flood/rate-limit response; RetryAfter
	// carries the reported wait when the transport provides one.
	StatusRateLimited
	// StatusTransient covers timeouts and unclassified errors.
	StatusTransient
	// StatusPermissionDenied means this destination rejects the send
	// (not a member, posting forbidden). The destination is skipped this
	// cycle; the worker is not penalized beyond its normal cooldown.
	StatusPermissionDenied
	// StatusBanned means this specific destination has banned the sending
	// worker. The (worker, destination) pairing is dead for the run.
	StatusBanned
	// StatusFatal means the worker itself is broken (auth revoked, session
	// dead) and must be disabled.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRateLimited:
		return "rate_limited"
	case StatusTransient:
		return "transient"
	case StatusPermissionDenied:
		return "permission_denied"
	case StatusBanned:
		return "banned"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the structured result of one Sender.Send call.
// It replaces error-string matching: classification operates on the Status
// tag, never on Detail.
type Outcome struct {
	Status     Status
	RetryAfter time.Duration
	Detail     string
}

func OK() Outcome { return Outcome{Status: StatusOK} }
func RateLimited(wait time.Duration, detail string) Outcome {
	return Outcome{Status: StatusRateLimited, RetryAfter: wait, Detail: detail}
}
func Transient(detail string) Outcome { return Outcome{Status: StatusTransient, Detail: detail} }
func PermissionDenied(detail string) Outcome {
	return Outcome{Status: StatusPermissionDenied, Detail: detail}
}
func Banned(detail string) Outcome { return Outcome{Status: StatusBanned, Detail: detail} }
func Fatal(detail string) Outcome  { return Outcome{Status: StatusFatal, Detail: detail} }

// Result is the recorded outcome of a delivery attempt.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultTransient Result = "transient_failure"
	ResultSkipped   Result = "skipped"
	ResultBanned    Result = "destination_banned"
	ResultDisabled  Result = "worker_disabled"
	ResultFatal     Result = "fatal"
)

// AttemptRecord is an append-only log entry for one delivery attempt.
// Retries share a DeliveryID and are ordered by Seq.
type AttemptRecord struct {
	DeliveryID    string
	Seq           int
	SlotID        string
	DestinationID string
	WorkerID      string
	Outcome       Result
	Detail        string
	At            time.Time
}

// Sender owns all protocol-specific session/auth handling.
// Send must honor ctx cancellation; a timed-out send is reported as transient.
type Sender interface {
	Send(ctx context.Context, workerID string, dest Destination, content Content) Outcome
}

// SlotSource enumerates due slots and records completed passes.
// Implementations must already reflect entitlement: slots whose owners are
// not entitled never appear in ListDue.
type SlotSource interface {
	ListDue(ctx context.Context, now time.Time) ([]Slot, error)
	MarkSent(ctx context.Context, slotID string, at time.Time) error
}

// AttemptSink receives append-only attempt records.
type AttemptSink interface {
	Append(ctx context.Context, rec AttemptRecord) error
}

// DestinationCatalog resolves destination ids referenced by slots.
// The catalog is read-only from the posting pipeline's perspective.
type DestinationCatalog interface {
	Destination(ctx context.Context, id string) (Destination, bool, error)
}

// WorkerState is the persisted view of a worker's rotation state.
type WorkerState struct {
	ID                 string
	LastUsedAt         time.Time
	CooldownUntil      time.Time
	Active             bool
	BannedDestinations []string
}

// WorkerStore persists worker rotation state across restarts.
// Writes are best-effort from the registry's point of view; the in-memory
// registry remains the source of truth during a run.
type WorkerStore interface {
	SaveWorker(ctx context.Context, w WorkerState) error
	LoadWorkers(ctx context.Context) ([]WorkerState, error)
}
