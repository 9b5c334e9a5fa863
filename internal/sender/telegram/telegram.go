// Package telegram implements delivery.Sender on top of the Telegram Bot API.
//
// Each worker id maps to its own bot token; bots are constructed lazily on
// first use so a misconfigured worker only fails when the rotation actually
// picks it. A single process-wide rate limiter paces outgoing sends across
// all workers.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"golang.org/x/time/rate"

	"adbot/internal/delivery"
	logx "adbot/pkg/logx"
)

type Config struct {
	// Tokens maps worker id to its bot token.
	Tokens map[string]string

	// RatePerSec is the global outgoing send rate shared by all workers.
	// Telegram's hard ceiling is ~30 msg/s per bot; stay well under it.
	RatePerSec int

	// APITimeout bounds each underlying HTTP call made by telebot.
	APITimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}
	return c
}

var errNoToken = errors.New("no token configured for worker")

type Sender struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config, log logx.Logger) *Sender {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		bots:    make(map[string]*tele.Bot),
	}
}

// bot returns the cached bot for a worker, constructing it on first use.
// Construction is offline: token validity surfaces on the first real send,
// where the classifier turns a 401 into a fatal outcome.
func (s *Sender) bot(workerID string) (*tele.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bots[workerID]; ok {
		return b, nil
	}

	token := strings.TrimSpace(s.cfg.Tokens[workerID])
	if token == "" {
		return nil, errNoToken
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  newHTTPClient(s.cfg.APITimeout),
	})
	if err != nil {
		return nil, err
	}
	s.bots[workerID] = b
	s.log.Debug("bot session created", logx.String("worker", workerID))
	return b, nil
}

// Send delivers one piece of content to a destination on behalf of a worker.
// Never returns an error: every failure mode is folded into the Outcome so
// the posting layer classifies on structured status, not error strings.
func (s *Sender) Send(ctx context.Context, workerID string, dest delivery.Destination, content delivery.Content) delivery.Outcome {
	b, err := s.bot(workerID)
	if err != nil {
		if errors.Is(err, errNoToken) {
			// A worker without credentials can never send; disable it.
			return delivery.Fatal(err.Error())
		}
		return mapOutcome(err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return delivery.Transient("rate wait: " + err.Error())
	}
	select {
	case <-ctx.Done():
		return delivery.Transient(ctx.Err().Error())
	default:
	}

	opts := &tele.SendOptions{
		ParseMode:             content.ParseMode,
		DisableWebPagePreview: content.DisablePreview,
	}
	_, err = b.Send(&tele.Chat{ID: dest.ChatID}, content.Text, opts)
	if err != nil {
		out := mapOutcome(err)
		s.log.Debug("send failed",
			logx.String("worker", workerID),
			logx.String("destination", dest.ID),
			logx.String("status", out.Status.String()),
			logx.Err(err),
		)
		return out
	}
	return delivery.OK()
}
