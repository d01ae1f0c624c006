package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/maildigest/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/maildigest.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Snapshots ---

func (s *LibSQLStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap.ThreadID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot thread_id is required")
	}
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var (
		current   int64
		createdAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT version, created_at FROM runs WHERE thread_id = ?`, snap.ThreadID,
	).Scan(&current, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		createdAt = timeOrNow(snap.CreatedAt)
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	}

	now := time.Now().UTC()
	version := current + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (thread_id, version, status, cursor, suspended_at, suspension, state, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET version=excluded.version, status=excluded.status,
		   cursor=excluded.cursor, suspended_at=excluded.suspended_at, suspension=excluded.suspension,
		   state=excluded.state, updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		snap.ThreadID, version, string(snap.Status), nullStr(snap.Cursor), nullStr(snap.SuspendedAt),
		nullRaw(snap.Suspension), string(state), createdAt, now, nullTime(snap.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_history (thread_id, version, status, cursor, suspended_at, suspension, state, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ThreadID, version, string(snap.Status), nullStr(snap.Cursor), nullStr(snap.SuspendedAt),
		nullRaw(snap.Suspension), string(state), now,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	snap.Version = version
	snap.CreatedAt = createdAt
	snap.UpdatedAt = now
	return nil
}

const runColumns = `thread_id, version, status, cursor, suspended_at, suspension, state, created_at, updated_at, completed_at`

func (s *LibSQLStore) Load(ctx context.Context, threadID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE thread_id = ?`, threadID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", threadID)
	}
	return snap, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Snapshot, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) History(ctx context.Context, threadID string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, version, status, cursor, suspended_at, suspension, state, saved_at
		 FROM run_history WHERE thread_id = ? ORDER BY version ASC`, threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		var (
			status, stateJSON          string
			cursor, suspAt, suspension sql.NullString
		)
		if err := rows.Scan(&snap.ThreadID, &snap.Version, &status, &cursor, &suspAt, &suspension, &stateJSON, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.Status = schema.RunStatus(status)
		snap.Cursor = cursor.String
		snap.SuspendedAt = suspAt.String
		snap.Suspension = rawOrNil(suspension)
		if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
			return nil, fmt.Errorf("unmarshal history state: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-thread sequence and inserts the event in one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE thread_id = ?`, event.ThreadID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (thread_id, step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ThreadID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for a thread with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE thread_id = ? AND sequence > ? ORDER BY sequence ASC`, threadID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ThreadID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Pending Confirmations ---

func (s *LibSQLStore) UpsertPending(ctx context.Context, p *PendingConfirmation) error {
	if p.Status == "" {
		p.Status = PendingOpen
	}
	p.CreatedAt = timeOrNow(p.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_confirmations (thread_id, event_id, message_handle, status, action, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, event_id) DO UPDATE SET
		   message_handle=excluded.message_handle, status=excluded.status, action=excluded.action,
		   created_at=excluded.created_at, resolved_at=excluded.resolved_at`,
		p.ThreadID, p.EventID, p.Handle, string(p.Status), nullStr(string(p.Action)), p.CreatedAt, nullTime(p.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) ListPending(ctx context.Context, filter PendingFilter) ([]*PendingConfirmation, error) {
	query := `SELECT thread_id, event_id, message_handle, status, action, created_at, resolved_at FROM pending_confirmations`
	var where []string
	var args []any

	if filter.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.Handle != "" {
		where = append(where, "message_handle = ?")
		args = append(args, filter.Handle)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, event_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingConfirmation
	for rows.Next() {
		p := &PendingConfirmation{}
		var status string
		var action sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&p.ThreadID, &p.EventID, &p.Handle, &status, &action, &p.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		p.Status = PendingStatus(status)
		p.Action = schema.Action(action.String)
		if resolvedAt.Valid {
			p.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ResolvePending(ctx context.Context, threadID, eventID string, action schema.Action) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_confirmations SET status = ?, action = ?, resolved_at = ?
		 WHERE thread_id = ? AND event_id = ?`,
		string(PendingResolved), string(action), time.Now().UTC(), threadID, eventID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pending confirmation", threadID+"/"+eventID)
}

func (s *LibSQLStore) ExpirePending(ctx context.Context, threadID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_confirmations SET status = ?, resolved_at = ?
		 WHERE thread_id = ? AND status = ?`,
		string(PendingExpired), time.Now().UTC(), threadID, string(PendingOpen),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	snap := &Snapshot{}
	var (
		status, stateJSON          string
		cursor, suspAt, suspension sql.NullString
		completedAt                sql.NullTime
	)
	if err := row.Scan(&snap.ThreadID, &snap.Version, &status, &cursor, &suspAt, &suspension,
		&stateJSON, &snap.CreatedAt, &snap.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	snap.Status = schema.RunStatus(status)
	snap.Cursor = cursor.String
	snap.SuspendedAt = suspAt.String
	snap.Suspension = rawOrNil(suspension)
	if completedAt.Valid {
		snap.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return snap, nil
}

func storeNotFound(resource, id string) *schema.DigestError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
