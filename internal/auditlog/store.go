// Package auditlog journals what the system decided and why: provider
// attempts, accepted decisions, risk verdicts and cycle outcomes. The
// journal is append-only and writes never block the trading pipeline.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"alphapilot/internal/logger"

	_ "modernc.org/sqlite"
)

const (
	KindProviderAttempt = "provider_attempt"
	KindDecision        = "decision"
	KindRiskVerdict     = "risk_verdict"
	KindExecution       = "execution"
	KindCycle           = "cycle"
)

type Event struct {
	Time      time.Time
	Day       string
	Kind      string
	Provider  string
	Outcome   string
	LatencyMS int64
	Detail    any
}

// Store buffers events through a channel drained by one writer
// goroutine; Record drops (and warns) instead of blocking when the
// buffer is full.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	pending atomic.Int64
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit db path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

// NewFromDB wires an existing handle; tests use ":memory:".
func NewFromDB(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("audit db cannot be nil")
	}
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		db:     db,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drain()
	return s, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	day        TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	provider   TEXT,
	outcome    TEXT,
	latency_ms INTEGER,
	detail     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_day_kind ON audit_events(day, kind);`
	_, err := db.Exec(schema)
	return err
}

// Record enqueues the event without blocking.
func (s *Store) Record(ev Event) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Day == "" {
		ev.Day = ev.Time.Format("2006-01-02")
	}
	select {
	case s.events <- ev:
		s.pending.Add(1)
	default:
		logger.Warnf("auditlog: buffer full, dropping %s event (provider=%s outcome=%s)",
			ev.Kind, ev.Provider, ev.Outcome)
	}
}

func (s *Store) drain() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.write(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.events:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) write(ev Event) {
	detail := ""
	if ev.Detail != nil {
		if raw, err := json.Marshal(ev.Detail); err == nil {
			detail = string(raw)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO audit_events (ts, day, kind, provider, outcome, latency_ms, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.Unix(), ev.Day, ev.Kind, ev.Provider, ev.Outcome, ev.LatencyMS, detail,
	)
	if err != nil {
		logger.Errorf("auditlog: insert failed: %v", err)
	}
	s.pending.Add(-1)
}

// EventsForDay returns the day's journal in insertion order, optionally
// filtered by kind.
func (s *Store) EventsForDay(ctx context.Context, day, kind string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT ts, day, kind, provider, outcome, latency_ms, detail FROM audit_events WHERE day = ?`
	args := []any{day}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var ts int64
		var detail sql.NullString
		if err := rows.Scan(&ts, &ev.Day, &ev.Kind, &ev.Provider, &ev.Outcome, &ev.LatencyMS, &detail); err != nil {
			return nil, err
		}
		ev.Time = time.Unix(ts, 0).UTC()
		if detail.Valid && detail.String != "" {
			var decoded any
			if err := json.Unmarshal([]byte(detail.String), &decoded); err == nil {
				ev.Detail = decoded
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Flush waits until queued events are written; tests call this before
// asserting on the journal.
func (s *Store) Flush() {
	for s.pending.Load() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
