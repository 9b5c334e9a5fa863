package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"adbot/internal/delivery"
)

func TestMapOutcome(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want delivery.Status
	}{
		{"nil", nil, delivery.StatusOK},
		{"unauthorized", tele.ErrUnauthorized, delivery.StatusFatal},
		{"blocked", tele.ErrBlockedByUser, delivery.StatusBanned},
		{"kicked from supergroup", tele.ErrKickedFromSuperGroup, delivery.StatusBanned},
		{"chat not found", tele.ErrChatNotFound, delivery.StatusPermissionDenied},
		{"no send rights", tele.ErrNoRightsToSend, delivery.StatusPermissionDenied},
		{"deadline", context.DeadlineExceeded, delivery.StatusTransient},
		{"unknown", errors.New("connection reset"), delivery.StatusTransient},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := mapOutcome(tt.err)
			if got.Status != tt.want {
				t.Fatalf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestMapOutcomeFloodCarriesWait(t *testing.T) {
	t.Parallel()
	// FloodError's inner error field is unexported in telebot v4, so the
	// literal can only set RetryAfter; floodErr supplies the message that
	// the nil inner error would otherwise panic on producing.
	err := floodErr{flood: tele.FloodError{RetryAfter: 42}, msg: "Too Many Requests: retry after 42"}
	got := mapOutcome(err)
	if got.Status != delivery.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", got.Status)
	}
	if got.RetryAfter != 42*time.Second {
		t.Fatalf("retry after = %v, want 42s", got.RetryAfter)
	}
}

func TestMapOutcomeWrappedError(t *testing.T) {
	t.Parallel()
	wrapped := errorsJoin(tele.ErrBlockedByUser)
	if got := mapOutcome(wrapped); got.Status != delivery.StatusBanned {
		t.Fatalf("status = %s, want banned for wrapped error", got.Status)
	}
}

func errorsJoin(err error) error {
	return &wrapErr{err}
}

type floodErr struct {
	flood tele.FloodError
	msg   string
}

func (f floodErr) Error() string { return f.msg }
func (f floodErr) Unwrap() error { return f.flood }

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "send: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }
