// Package store is the SQLite persistence layer: slots, destinations, worker
// rotation state, and the append-only attempt log.
//
// It implements the SlotSource, AttemptSink, DestinationCatalog and
// WorkerStore collaborator interfaces consumed by the posting pipeline. Slot
// and destination rows are written by the external management layer; this
// process only reads them, stamps last_sent_at, and appends attempts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"adbot/internal/delivery"
	logx "adbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- SlotSource ----

// ListDue returns slots that are active, entitled (paid_until unset or in the
// future) and due at now. The interval/cron due check runs in Go so both
// schedule kinds share one code path.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]delivery.Slot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, text, parse_mode, disable_preview, interval_ms, schedule, last_sent_at
		   FROM slots
		  WHERE active = 1 AND (paid_until IS NULL OR paid_until >= ?)
		  ORDER BY id`,
		encodeTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []delivery.Slot
	for rows.Next() {
		var (
			sl             delivery.Slot
			disablePreview int
			intervalMS     int64
			lastSent       sql.NullString
		)
		if err := rows.Scan(&sl.ID, &sl.OwnerID, &sl.Content.Text, &sl.Content.ParseMode, &disablePreview, &intervalMS, &sl.Schedule, &lastSent); err != nil {
			return nil, err
		}
		sl.Active = true
		sl.Content.DisablePreview = disablePreview != 0
		sl.Interval = time.Duration(intervalMS) * time.Millisecond
		if lastSent.Valid {
			sl.LastSentAt = decodeTime(lastSent.String)
		}
		if !sl.Due(now) {
			continue
		}
		due = append(due, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range due {
		dests, err := s.slotDestinations(ctx, due[i].ID)
		if err != nil {
			return nil, err
		}
		due[i].Destinations = dests
	}
	return due, nil
}

func (s *Store) slotDestinations(ctx context.Context, slotID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT destination_id FROM slot_destinations WHERE slot_id = ? ORDER BY position`,
		slotID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) MarkSent(ctx context.Context, slotID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE slots SET last_sent_at = ? WHERE id = ?`,
		encodeTime(at), slotID,
	)
	return err
}

// ---- AttemptSink ----

func (s *Store) Append(ctx context.Context, rec delivery.AttemptRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(delivery_id, seq, slot_id, destination_id, worker_id, outcome, detail, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.DeliveryID, rec.Seq, rec.SlotID, rec.DestinationID, rec.WorkerID,
		string(rec.Outcome), nullStr(rec.Detail), encodeTime(rec.At),
	)
	return err
}

// RecentAttempts returns a slot's delivery history, newest first.
// The management layer surfaces this to slot owners.
func (s *Store) RecentAttempts(ctx context.Context, slotID string, limit int) ([]delivery.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT delivery_id, seq, slot_id, destination_id, worker_id, outcome, detail, at
		   FROM attempts WHERE slot_id = ? ORDER BY id DESC LIMIT ?`,
		slotID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.AttemptRecord
	for rows.Next() {
		var (
			rec     delivery.AttemptRecord
			outcome string
			detail  sql.NullString
			at      string
		)
		if err := rows.Scan(&rec.DeliveryID, &rec.Seq, &rec.SlotID, &rec.DestinationID, &rec.WorkerID, &outcome, &detail, &at); err != nil {
			return nil, err
		}
		rec.Outcome = delivery.Result(outcome)
		rec.Detail = detail.String
		rec.At = decodeTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- DestinationCatalog ----

func (s *Store) Destination(ctx context.Context, id string) (delivery.Destination, bool, error) {
	var (
		d             delivery.Destination
		minIntervalMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, category, min_interval_ms FROM destinations WHERE id = ?`, id,
	).Scan(&d.ID, &d.ChatID, &d.Category, &minIntervalMS)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Destination{}, false, nil
	}
	if err != nil {
		return delivery.Destination{}, false, err
	}
	d.MinInterval = time.Duration(minIntervalMS) * time.Millisecond
	return d, true, nil
}

// ---- WorkerStore ----

func (s *Store) SaveWorker(ctx context.Context, w delivery.WorkerState) error {
	banned, err := json.Marshal(w.BannedDestinations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers(id, last_used_at, cooldown_until, active, banned_destinations)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_used_at = excluded.last_used_at,
		   cooldown_until = excluded.cooldown_until,
		   active = excluded.active,
		   banned_destinations = excluded.banned_destinations`,
		w.ID, nullTime(w.LastUsedAt), nullTime(w.CooldownUntil), boolInt(w.Active), string(banned),
	)
	return err
}

func (s *Store) LoadWorkers(ctx context.Context) ([]delivery.WorkerState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, last_used_at, cooldown_until, active, banned_destinations FROM workers`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.WorkerState
	for rows.Next() {
		var (
			w        delivery.WorkerState
			lastUsed sql.NullString
			cooldown sql.NullString
			active   int
			banned   string
		)
		if err := rows.Scan(&w.ID, &lastUsed, &cooldown, &active, &banned); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			w.LastUsedAt = decodeTime(lastUsed.String)
		}
		if cooldown.Valid {
			w.CooldownUntil = decodeTime(cooldown.String)
		}
		w.Active = active != 0
		if banned != "" {
			if err := json.Unmarshal([]byte(banned), &w.BannedDestinations); err != nil {
				s.log.Warn("worker banned list corrupt; ignoring", logx.String("worker", w.ID), logx.Err(err))
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ---- management writes (external layer; also used by tests) ----

// UpsertDestination writes a destination catalog row.
func (s *Store) UpsertDestination(ctx context.Context, d delivery.Destination) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(id, chat_id, category, min_interval_ms) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id = excluded.chat_id,
		   category = excluded.category,
		   min_interval_ms = excluded.min_interval_ms`,
		d.ID, d.ChatID, d.Category, d.MinInterval.Milliseconds(),
	)
	return err
}

// UpsertSlot writes a slot and replaces its destination list.
// paidUntil nil means the slot is not entitlement-limited.
func (s *Store) UpsertSlot(ctx context.Context, sl delivery.Slot, paidUntil *time.Time) error {
	if sl.Schedule != "" {
		if err := delivery.ValidateSchedule(sl.Schedule); err != nil {
			return fmt.Errorf("slot %s: invalid schedule: %w", sl.ID, err)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var paid any
	if paidUntil != nil {
		paid = encodeTime(*paidUntil)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO slots(id, owner_id, text, parse_mode, disable_preview, interval_ms, schedule, last_sent_at, active, paid_until)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id = excluded.owner_id,
		   text = excluded.text,
		   parse_mode = excluded.parse_mode,
		   disable_preview = excluded.disable_preview,
		   interval_ms = excluded.interval_ms,
		   schedule = excluded.schedule,
		   last_sent_at = excluded.last_sent_at,
		   active = excluded.active,
		   paid_until = excluded.paid_until`,
		sl.ID, sl.OwnerID, sl.Content.Text, sl.Content.ParseMode, boolInt(sl.Content.DisablePreview),
		sl.Interval.Milliseconds(), sl.Schedule, nullTime(sl.LastSentAt), boolInt(sl.Active), paid,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM slot_destinations WHERE slot_id = ?`, sl.ID); err != nil {
		return err
	}
	for i, destID := range sl.Destinations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO slot_destinations(slot_id, destination_id, position) VALUES(?,?,?)`,
			sl.ID, destID, i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- helpers ----

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
