package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maildigest/pkg/schema"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("MAILDIGEST_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MAILDIGEST_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, 4)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_SaveLoadHistory(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	id := "pg-" + uuid.New().String()

	snap := sampleSnapshot(id)
	require.NoError(t, s.Save(ctx, snap))
	snap.Status = schema.RunStatusSuspended
	snap.SuspendedAt = "confirm"
	snap.Suspension = []byte(`{"events":[],"message_handle":"C1:1"}`)
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.Suspended())
	assert.True(t, got.State.Has(schema.FieldDetectedEvents))

	history, err := s.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = s.Load(ctx, "pg-missing-"+uuid.New().String())
	assert.True(t, schema.IsNotFound(err))
}

func TestPostgres_EventsAndPending(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()
	id := "pg-" + uuid.New().String()

	el := NewEventLog(s)
	for i := 0; i < 3; i++ {
		e, err := el.Append(ctx, id, "fetch", schema.EventStepStarted, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{ThreadID: id, EventID: "E1", Handle: "C1:9"}))
	require.NoError(t, s.ResolvePending(ctx, id, "E1", schema.ActionConfirm))
	got, err := s.ListPending(ctx, PendingFilter{ThreadID: id})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, PendingResolved, got[0].Status)

	require.NoError(t, s.UpsertPending(ctx, &PendingConfirmation{ThreadID: id, EventID: "E2", Handle: "C1:9"}))
	n, err := s.ExpirePending(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	open, err := s.ListPending(ctx, PendingFilter{ThreadID: id, Status: PendingOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}
