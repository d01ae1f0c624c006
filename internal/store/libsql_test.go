package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maildigest/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func sampleSnapshot(threadID string) *Snapshot {
	st := schema.NewState("24h", 20)
	st.RawItems = []schema.Message{{ID: "m1", Subject: "Standup moved", From: "lead@example.com"}}
	st.DetectedEvents = []schema.DetectedEvent{{
		ID:         "m1_event_0",
		EmailID:    "m1",
		Title:      "Standup",
		StartTime:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Confidence: 0.9,
	}}
	return &Snapshot{
		ThreadID: threadID,
		Status:   schema.RunStatusRunning,
		Cursor:   "classify",
		State:    *st,
	}
}

// --- Snapshot Tests ---

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot(uuid.New().String())
	require.NoError(t, s.Save(ctx, snap))
	assert.Equal(t, int64(1), snap.Version)

	got, err := s.Load(ctx, snap.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, snap.ThreadID, got.ThreadID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "classify", got.Cursor)
	assert.Empty(t, got.SuspendedAt)
	assert.Nil(t, got.Suspension)

	want, _ := json.Marshal(snap.State)
	have, _ := json.Marshal(got.State)
	assert.JSONEq(t, string(want), string(have))
	assert.True(t, got.State.Has(schema.FieldRawItems))
	assert.False(t, got.State.Has(schema.FieldClassified))
}

func TestLoad_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "nonexistent")
	require.Error(t, err)
	de, ok := err.(*schema.DigestError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, de.Code)
}

func TestSave_RequiresThreadID(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(context.Background(), &Snapshot{Status: schema.RunStatusRunning})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestSave_SuspensionMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("thread-suspend")
	snap.Status = schema.RunStatusSuspended
	snap.Cursor = "confirm"
	snap.SuspendedAt = "confirm"
	snap.Suspension = json.RawMessage(`{"events":[],"message_handle":"C1:1700000000.0001"}`)
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx, "thread-suspend")
	require.NoError(t, err)
	assert.True(t, got.Suspended())
	payload, err := got.SuspendPayload()
	require.NoError(t, err)
	assert.Equal(t, "C1:1700000000.0001", payload.MessageHandle)

	// Clearing the marker on resume.
	got.Status = schema.RunStatusRunning
	got.SuspendedAt = ""
	got.Suspension = nil
	require.NoError(t, s.Save(ctx, got))

	again, err := s.Load(ctx, "thread-suspend")
	require.NoError(t, err)
	assert.False(t, again.Suspended())
	assert.Nil(t, again.Suspension)
}

func TestSave_VersionsAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("thread-history")
	require.NoError(t, s.Save(ctx, snap))
	firstCreated := snap.CreatedAt

	snap.Cursor = "summarize"
	snap.State.Classified = &schema.Classified{High: []schema.Message{{ID: "m1"}}}
	require.NoError(t, s.Save(ctx, snap))

	now := time.Now().UTC()
	snap.Status = schema.RunStatusCompleted
	snap.Cursor = ""
	snap.CompletedAt = &now
	require.NoError(t, s.Save(ctx, snap))
	assert.Equal(t, int64(3), snap.Version)

	got, err := s.Load(ctx, "thread-history")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, firstCreated, got.CreatedAt, time.Second)

	history, err := s.History(ctx, "thread-history")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, h := range history {
		assert.Equal(t, int64(i+1), h.Version)
	}
	assert.Equal(t, "classify", history[0].Cursor)
	assert.False(t, history[0].State.Has(schema.FieldClassified))
	assert.True(t, history[1].State.Has(schema.FieldClassified))
	assert.Equal(t, schema.RunStatusCompleted, history[2].Status)
}

func TestListRuns_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id     string
		status schema.RunStatus
	}{
		{"a", schema.RunStatusRunning},
		{"b", schema.RunStatusSuspended},
		{"c", schema.RunStatusRunning},
	} {
		snap := sampleSnapshot(tc.id)
		snap.Status = tc.status
		require.NoError(t, s.Save(ctx, snap))
	}

	running, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	all, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	past := time.Now().UTC().Add(-time.Hour)
	stale, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusRunning, UpdatedBefore: &past})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

// --- Pending Confirmation Tests ---

func TestPending_UpsertListResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"E1", "E2"} {
		require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{
			ThreadID: "t1", EventID: id, Handle: "C1:111.1",
		}))
	}
	require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{
		ThreadID: "t2", EventID: "E9", Handle: "C1:222.2",
	}))

	byHandle, err := s.ListPending(ctx, PendingFilter{Handle: "C1:111.1"})
	require.NoError(t, err)
	assert.Len(t, byHandle, 2)

	byEvent, err := s.ListPending(ctx, PendingFilter{EventID: "E9", Status: PendingOpen})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, "t2", byEvent[0].ThreadID)

	require.NoError(t, s.ResolvePending(ctx, "t1", "E1", schema.ActionConfirm))

	open, err := s.ListPending(ctx, PendingFilter{ThreadID: "t1", Status: PendingOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "E2", open[0].EventID)

	resolved, err := s.ListPending(ctx, PendingFilter{ThreadID: "t1", Status: PendingResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, schema.ActionConfirm, resolved[0].Action)
	assert.NotNil(t, resolved[0].ResolvedAt)
}

// An event detected again by a later run is open again under the new message.
func TestPending_UpsertReopensForNewRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{ThreadID: "t1", EventID: "E1", Handle: "C1:1"}))
	require.NoError(t, s.ResolvePending(ctx, "t1", "E1", schema.ActionSkip))

	require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{ThreadID: "t1", EventID: "E1", Handle: "C1:2"}))

	got, err := s.ListPending(ctx, PendingFilter{Handle: "C1:2", EventID: "E1", Status: PendingOpen})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Action)
	assert.Nil(t, got[0].ResolvedAt)
}

func TestPending_ExpireThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"E1", "E2", "E3"} {
		require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{ThreadID: "t1", EventID: id, Handle: "C1:1"}))
	}
	require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{ThreadID: "t2", EventID: "E9", Handle: "C1:9"}))
	require.NoError(t, s.ResolvePending(ctx, "t1", "E1", schema.ActionConfirm))

	n, err := s.ExpirePending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := s.ListPending(ctx, PendingFilter{ThreadID: "t1", Status: PendingOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
	expired, err := s.ListPending(ctx, PendingFilter{ThreadID: "t1", Status: PendingExpired})
	require.NoError(t, err)
	assert.Len(t, expired, 2)
	resolved, err := s.ListPending(ctx, PendingFilter{ThreadID: "t1", Status: PendingResolved})
	require.NoError(t, err)
	assert.Len(t, resolved, 1, "decided rows keep their resolution")

	other, err := s.ListPending(ctx, PendingFilter{ThreadID: "t2", Status: PendingOpen})
	require.NoError(t, err)
	assert.Len(t, other, 1)

	n, err = s.ExpirePending(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolvePending_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.ResolvePending(context.Background(), "t1", "missing", schema.ActionConfirm)
	assert.True(t, schema.IsNotFound(err))
}

// --- Migration Tests ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x)")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}
