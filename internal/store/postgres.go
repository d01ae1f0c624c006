package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/maildigest/pkg/schema"
)

// PostgresStore implements the Store interface on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations, each in its own transaction.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range pending(pgMigrations, current) {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Snapshots ---

func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap.ThreadID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot thread_id is required")
	}
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	var (
		version   int64
		createdAt time.Time
		now       = time.Now().UTC()
	)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT version, created_at FROM runs WHERE thread_id = $1 FOR UPDATE`, snap.ThreadID,
		).Scan(&current, &createdAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			createdAt = timeOrNow(snap.CreatedAt)
		case err != nil:
			return fmt.Errorf("read version: %w", err)
		}
		version = current + 1

		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (thread_id, version, status, cursor, suspended_at, suspension, state, created_at, updated_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (thread_id) DO UPDATE SET version=EXCLUDED.version, status=EXCLUDED.status,
			   cursor=EXCLUDED.cursor, suspended_at=EXCLUDED.suspended_at, suspension=EXCLUDED.suspension,
			   state=EXCLUDED.state, updated_at=EXCLUDED.updated_at, completed_at=EXCLUDED.completed_at`,
			snap.ThreadID, version, string(snap.Status), nullStr(snap.Cursor), nullStr(snap.SuspendedAt),
			nullRaw(snap.Suspension), string(state), createdAt, now, nullTime(snap.CompletedAt),
		); err != nil {
			return fmt.Errorf("upsert run: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO run_history (thread_id, version, status, cursor, suspended_at, suspension, state, saved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			snap.ThreadID, version, string(snap.Status), nullStr(snap.Cursor), nullStr(snap.SuspendedAt),
			nullRaw(snap.Suspension), string(state), now,
		); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	snap.Version = version
	snap.CreatedAt = createdAt
	snap.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, threadID string) (*Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE thread_id = $1`, threadID)
	snap, err := scanPgSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("run", threadID)
	}
	return snap, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Snapshot, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) History(ctx context.Context, threadID string) ([]*Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT thread_id, version, status, cursor, suspended_at, suspension, state, saved_at
		 FROM run_history WHERE thread_id = $1 ORDER BY version ASC`, threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap := &Snapshot{}
		var (
			status                 string
			cursor, suspAt         *string
			suspension, stateJSON []byte
		)
		if err := rows.Scan(&snap.ThreadID, &snap.Version, &status, &cursor, &suspAt, &suspension, &stateJSON, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		snap.Status = schema.RunStatus(status)
		snap.Cursor = deref(cursor)
		snap.SuspendedAt = deref(suspAt)
		if len(suspension) > 0 {
			snap.Suspension = json.RawMessage(suspension)
		}
		if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
			return nil, fmt.Errorf("unmarshal history state: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent serializes writers per thread with a transaction-scoped advisory lock.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.ThreadID); err != nil {
			return fmt.Errorf("acquire event lock: %w", err)
		}
		var seq int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE thread_id = $1`, event.ThreadID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
		var id int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO events (thread_id, step, event_type, payload, timestamp, sequence)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			event.ThreadID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
		).Scan(&id); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		event.ID = id
		event.Sequence = seq
		return nil
	})
}

func (s *PostgresStore) GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE thread_id = $1 AND sequence > $2 ORDER BY sequence ASC`, threadID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step *string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ThreadID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = deref(step)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Pending Confirmations ---

func (s *PostgresStore) UpsertPending(ctx context.Context, p *PendingConfirmation) error {
	if p.Status == "" {
		p.Status = PendingOpen
	}
	p.CreatedAt = timeOrNow(p.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_confirmations (thread_id, event_id, message_handle, status, action, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (thread_id, event_id) DO UPDATE SET
		   message_handle=EXCLUDED.message_handle, status=EXCLUDED.status, action=EXCLUDED.action,
		   created_at=EXCLUDED.created_at, resolved_at=EXCLUDED.resolved_at`,
		p.ThreadID, p.EventID, p.Handle, string(p.Status), nullStr(string(p.Action)), p.CreatedAt, nullTime(p.ResolvedAt),
	)
	return err
}

func (s *PostgresStore) ListPending(ctx context.Context, filter PendingFilter) ([]*PendingConfirmation, error) {
	query := `SELECT thread_id, event_id, message_handle, status, action, created_at, resolved_at FROM pending_confirmations`
	var where []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.ThreadID != "" {
		add("thread_id", filter.ThreadID)
	}
	if filter.EventID != "" {
		add("event_id", filter.EventID)
	}
	if filter.Handle != "" {
		add("message_handle", filter.Handle)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, event_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingConfirmation
	for rows.Next() {
		p := &PendingConfirmation{}
		var status string
		var action *string
		if err := rows.Scan(&p.ThreadID, &p.EventID, &p.Handle, &status, &action, &p.CreatedAt, &p.ResolvedAt); err != nil {
			return nil, err
		}
		p.Status = PendingStatus(status)
		p.Action = schema.Action(deref(action))
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolvePending(ctx context.Context, threadID, eventID string, action schema.Action) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_confirmations SET status = $1, action = $2, resolved_at = $3
		 WHERE thread_id = $4 AND event_id = $5`,
		string(PendingResolved), string(action), time.Now().UTC(), threadID, eventID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("pending confirmation", threadID+"/"+eventID)
	}
	return nil
}

func (s *PostgresStore) ExpirePending(ctx context.Context, threadID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_confirmations SET status = $1, resolved_at = $2
		 WHERE thread_id = $3 AND status = $4`,
		string(PendingExpired), time.Now().UTC(), threadID, string(PendingOpen),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Helpers ---

func scanPgSnapshot(row pgx.Row) (*Snapshot, error) {
	snap := &Snapshot{}
	var (
		status                string
		cursor, suspAt        *string
		suspension, stateJSON []byte
	)
	if err := row.Scan(&snap.ThreadID, &snap.Version, &status, &cursor, &suspAt, &suspension,
		&stateJSON, &snap.CreatedAt, &snap.UpdatedAt, &snap.CompletedAt); err != nil {
		return nil, err
	}
	snap.Status = schema.RunStatus(status)
	snap.Cursor = deref(cursor)
	snap.SuspendedAt = deref(suspAt)
	if len(suspension) > 0 {
		snap.Suspension = json.RawMessage(suspension)
	}
	if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return snap, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
