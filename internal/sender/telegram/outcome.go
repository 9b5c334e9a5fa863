package telegram

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"adbot/internal/delivery"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// mapOutcome folds a telebot API error into a structured outcome.
//
// The mapping is deliberately conservative: only errors whose meaning is
// unambiguous get a terminal status, everything else stays transient and
// goes through the normal retry path.
func mapOutcome(err error) delivery.Outcome {
	if err == nil {
		return delivery.OK()
	}

	// Flood control: Telegram reports the wait in seconds.
	var flood tele.FloodError
	if errors.As(err, &flood) {
		wait := time.Duration(flood.RetryAfter) * time.Second
		return delivery.RateLimited(wait, err.Error())
	}

	switch {
	// Credentials dead: the worker cannot send to anything.
	case errors.Is(err, tele.ErrUnauthorized):
		return delivery.Fatal(err.Error())

	// This worker was removed from this specific chat. The pairing is
	// permanently dead; other workers may still reach the chat.
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return delivery.Banned(err.Error())

	// The destination rejects the send regardless of retry.
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrNoRightsToSend),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrTooLarge):
		return delivery.PermissionDenied(err.Error())
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return delivery.Transient(err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return delivery.Transient(err.Error())
	}

	return delivery.Transient(err.Error())
}
