package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maildigest/pkg/schema"
)

func newDispatcher(t *testing.T, f *fixture) *Dispatcher {
	t.Helper()
	pool := NewWorkerPool(4, quietLogger())
	t.Cleanup(pool.Shutdown)
	d := NewDispatcher(f.engine, pool, quietLogger())
	d.busy.Delay = 5 * time.Millisecond
	d.busy.MaxDelay = 5 * time.Millisecond
	d.busyWait = time.Second
	return d
}

func TestDispatcher_TriggerRunsInBackground(t *testing.T) {
	f := newFixture(t)
	d := newDispatcher(t, f)

	id, err := d.Trigger(context.Background(), StartParams{TimeRange: "24h", MaxItems: 20})
	require.NoError(t, err)
	assert.Contains(t, id, ThreadPrefix)

	d.Wait()
	snap, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
}

func TestDispatcher_TriggerOutlivesRequestContext(t *testing.T) {
	f := newFixture(t)
	d := newDispatcher(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := d.Trigger(ctx, StartParams{ThreadID: "t-1"})
	require.NoError(t, err)
	cancel()

	d.Wait()
	snap, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
}

func TestDispatcher_TriggerConflictIsSynchronous(t *testing.T) {
	f := newFixture(t)
	f.events = []schema.DetectedEvent{testEvent("E1")}
	d := newDispatcher(t, f)

	_, err := f.engine.Start(context.Background(), StartParams{ThreadID: "t-1"})
	require.NoError(t, err)

	_, err = d.Trigger(context.Background(), StartParams{ThreadID: "t-1"})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestDispatcher_ResumeInBackground(t *testing.T) {
	f := newFixture(t)
	f.events = []schema.DetectedEvent{testEvent("E1")}
	d := newDispatcher(t, f)

	_, err := f.engine.Start(context.Background(), StartParams{ThreadID: "t-1"})
	require.NoError(t, err)

	require.NoError(t, d.Resume(context.Background(), "t-1", confirm("E1")))
	d.Wait()

	snap, err := f.store.Load(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Len(t, f.created, 1)
}

func TestDispatcher_ResumeWaitsForBusyThread(t *testing.T) {
	f := newFixture(t)
	f.events = []schema.DetectedEvent{testEvent("E1")}
	d := newDispatcher(t, f)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, StartParams{ThreadID: "t-1"})
	require.NoError(t, err)

	release, err := f.locker.Acquire(ctx, "t-1")
	require.NoError(t, err)
	require.NoError(t, d.Resume(ctx, "t-1", confirm("E1")))
	time.Sleep(20 * time.Millisecond)
	release()

	d.Wait()
	snap, err := f.store.Load(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
}

func TestDispatcher_ResumeRejectsMalformedDecision(t *testing.T) {
	f := newFixture(t)
	d := newDispatcher(t, f)

	err := d.Resume(context.Background(), "t-1", &schema.Decision{Action: schema.ActionConfirm})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestDispatcher_BackToBackDecisionsBothLand(t *testing.T) {
	f := newFixture(t)
	f.events = []schema.DetectedEvent{testEvent("E1"), testEvent("E2")}
	f.createDelay = 50 * time.Millisecond
	d := newDispatcher(t, f)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, StartParams{ThreadID: "t-1"})
	require.NoError(t, err)

	require.NoError(t, d.Resume(ctx, "t-1", confirm("E1")))
	require.NoError(t, d.Resume(ctx, "t-1", confirm("E2")))
	d.Wait()

	snap, err := f.store.Load(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.ElementsMatch(t, []string{"E1", "E2"}, snap.State.ConfirmedEvents)
	assert.Len(t, f.created, 2)
}

// A lock held elsewhere for longer than a handful of backoff rounds delays the
// decision but does not drop it.
func TestDispatcher_ResumeOutlastsLongLock(t *testing.T) {
	f := newFixture(t)
	f.events = []schema.DetectedEvent{testEvent("E1")}
	d := newDispatcher(t, f)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, StartParams{ThreadID: "t-1"})
	require.NoError(t, err)

	release, err := f.locker.Acquire(ctx, "t-1")
	require.NoError(t, err)
	require.NoError(t, d.Resume(ctx, "t-1", confirm("E1")))
	time.Sleep(150 * time.Millisecond)
	release()

	d.Wait()
	snap, err := f.store.Load(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
}

func TestDispatcher_ResumeGivesUpAfterBusyWait(t *testing.T) {
	f := newFixture(t)
	f.events = []schema.DetectedEvent{testEvent("E1")}
	d := newDispatcher(t, f)
	d.busyWait = 30 * time.Millisecond
	ctx := context.Background()

	_, err := f.engine.Start(ctx, StartParams{ThreadID: "t-1"})
	require.NoError(t, err)

	release, err := f.locker.Acquire(ctx, "t-1")
	require.NoError(t, err)
	defer release()
	require.NoError(t, d.Resume(ctx, "t-1", confirm("E1")))
	d.Wait()

	snap, err := f.store.Load(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuspended, snap.Status)
	assert.Empty(t, f.created)
}
