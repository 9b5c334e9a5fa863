package posting

import (
	"time"

	"adbot/internal/delivery"
)

// ActionKind tells the posting service how to react to a failed send.
type ActionKind int

const (
	// ActionRetry: transient failure. Release the worker (cooldown stamped
	// from the outcome) and retry the (slot, destination) pair after a delay,
	// bounded by the retry policy.
	ActionRetry ActionKind = iota
	// ActionSkipDestination: this destination rejects the send. Skip it for
	// the current cycle; the worker is not penalized beyond normal cooldown.
	ActionSkipDestination
	// ActionBanWorker: the destination banned this specific worker. Ban the
	// pairing permanently and retry once with a different worker.
	ActionBanWorker
	// ActionDisableWorker: the worker is fatally broken. Disable it and
	// requeue the pair for the next eligible worker.
	ActionDisableWorker
)

// Action is the classified reaction to one failed delivery attempt.
type Action struct {
	Kind       ActionKind
	RetryAfter time.Duration
	Record     delivery.Result
}

// Classify maps a failed send outcome to one discrete action.
// Pure and deterministic; it looks only at the Status tag, never at Detail.
// Unknown statuses fall back to transient, the conservative default.
func Classify(o delivery.Outcome) Action {
	switch o.Status {
	case delivery.StatusRateLimited:
		return Action{Kind: ActionRetry, RetryAfter: o.RetryAfter, Record: delivery.ResultTransient}
	case delivery.StatusPermissionDenied:
		return Action{Kind: ActionSkipDestination, Record: delivery.ResultSkipped}
	case delivery.StatusBanned:
		return Action{Kind: ActionBanWorker, Record: delivery.ResultBanned}
	case delivery.StatusFatal:
		return Action{Kind: ActionDisableWorker, Record: delivery.ResultDisabled}
	default:
		return Action{Kind: ActionRetry, Record: delivery.ResultTransient}
	}
}
