package callstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zippyeats/voicelink/internal/proto"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string

	mu sync.RWMutex // serializes writes; modernc/sqlite dislikes write concurrency

	watchMu  sync.RWMutex
	watchers map[chan Event]string // channel → receiverID filter
}

// Open opens or creates the call database in the given directory.
func Open(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "calls.db")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS voice_calls (
			id               TEXT PRIMARY KEY,
			caller_role      TEXT NOT NULL,
			caller_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			status           TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			started_at       INTEGER NOT NULL DEFAULT 0,
			ended_at         INTEGER NOT NULL DEFAULT 0,
			duration_seconds INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_voice_calls_receiver
			ON voice_calls(receiver_id, status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		path:     dbPath,
		watchers: make(map[chan Event]string),
	}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, callerRole proto.Role, callerID, receiverID string) (Call, error) {
	c := Call{
		ID:         uuid.NewString(),
		CallerRole: callerRole,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     StatusRinging,
		CreatedAt:  proto.NowMillis(),
	}

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_calls (id, caller_role, caller_id, receiver_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.CallerRole), c.CallerID, c.ReceiverID, string(c.Status), c.CreatedAt)
	s.mu.Unlock()
	if err != nil {
		return Call{}, fmt.Errorf("insert call: %w", err)
	}

	log.Printf("STORE: call %s created (%s %s → %s)", c.ID, c.CallerRole, c.CallerID, c.ReceiverID)
	s.notify(Event{Type: "insert", Call: c})
	return c, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, u StatusUpdate) error {
	s.mu.Lock()
	cur, err := s.getLocked(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if !canTransition(cur.Status, u.Status) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s → %s (call %s)", ErrBadTransition, cur.Status, u.Status, id)
	}

	cur.Status = u.Status
	if u.StartedAt != 0 {
		cur.StartedAt = u.StartedAt
	}
	if u.EndedAt != 0 {
		cur.EndedAt = u.EndedAt
	}
	if u.DurationSeconds != 0 {
		cur.DurationSeconds = u.DurationSeconds
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE voice_calls
		SET status = ?, started_at = ?, ended_at = ?, duration_seconds = ?
		WHERE id = ?`,
		string(cur.Status), cur.StartedAt, cur.EndedAt, cur.DurationSeconds, id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}

	log.Printf("STORE: call %s → %s", id, cur.Status)
	s.notify(Event{Type: "update", Call: cur})
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, id)
}

func (s *SQLiteStore) getLocked(ctx context.Context, id string) (Call, error) {
	var c Call
	var role, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, caller_role, caller_id, receiver_id, status,
		       created_at, started_at, ended_at, duration_seconds
		FROM voice_calls WHERE id = ?`, id).
		Scan(&c.ID, &role, &c.CallerID, &c.ReceiverID, &status,
			&c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds)
	if err == sql.ErrNoRows {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("get call %s: %w", id, err)
	}
	c.CallerRole = proto.Role(role)
	c.Status = Status(status)
	return c, nil
}

func (s *SQLiteStore) WatchReceiver(receiverID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)

	s.watchMu.Lock()
	s.watchers[ch] = receiverID
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

// notify fans an event out to matching watchers. Non-blocking: a watcher
// that falls behind loses events rather than stalling writes.
func (s *SQLiteStore) notify(ev Event) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	for ch, recv := range s.watchers {
		if recv != "" && recv != ev.Call.ReceiverID {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *SQLiteStore) Close() error {
	s.watchMu.Lock()
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan Event]string)
	s.watchMu.Unlock()

	return s.db.Close()
}
