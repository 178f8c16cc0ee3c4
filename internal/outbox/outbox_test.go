package outbox

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/internal/store"
)

// fakeSubmitter acks everything except event ids with scripted failures left
type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []uuid.UUID
	failures map[uuid.UUID]int
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{failures: make(map[uuid.UUID]int)}
}

func (f *fakeSubmitter) failNext(id uuid.UUID, times int) {
	f.mu.Lock()
	f.failures[id] = times
	f.mu.Unlock()
}

func (f *fakeSubmitter) Submit(ctx context.Context, event models.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, event.ID)
	if f.failures[event.ID] > 0 {
		f.failures[event.ID]--
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) callOrder() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestOutbox(t *testing.T) (*Outbox, *store.Store, *fakeSubmitter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "outbox-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sub := newFakeSubmitter()
	ob := New(st, sub, slog.Default(), Options{
		BatchSize:    10,
		BackoffFloor: time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
	})
	t.Cleanup(ob.Close)
	return ob, st, sub
}

func event(entity uuid.UUID) models.DomainEvent {
	return models.NewDomainEvent(models.EventGeneric, entity, nil)
}

func TestOfflineShortCircuit(t *testing.T) {
	ob, _, sub := newTestOutbox(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, ob.Enqueue(ctx, event(uuid.New())))
	}

	ob.Trigger()
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, sub.callCount(), "offline trigger must not touch the backend")
	require.Equal(t, StateOffline, ob.Snapshot(ctx).State)

	ob.SetOnline(true)

	require.Eventually(t, func() bool {
		return ob.Snapshot(ctx).State == StateSynced
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 3, sub.callCount(), "exactly one submit per enqueued event")
	require.Zero(t, ob.Snapshot(ctx).PendingCount)
	require.NotNil(t, ob.Snapshot(ctx).LastSuccessAt)
}

func TestDrainOrderIsFIFO(t *testing.T) {
	ob, _, sub := newTestOutbox(t)
	ctx := context.Background()

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		ev := event(uuid.New())
		ev.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		want = append(want, ev.ID)
		require.NoError(t, ob.Enqueue(ctx, ev))
	}

	ob.SetOnline(true)
	require.Eventually(t, func() bool {
		return ob.Snapshot(ctx).PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, want, sub.callOrder())
}

func TestRetryUntilSuccess(t *testing.T) {
	ob, st, sub := newTestOutbox(t)
	ctx := context.Background()

	ev := event(uuid.New())
	sub.failNext(ev.ID, 2)

	ob.SetOnline(true)
	require.NoError(t, ob.Enqueue(ctx, ev)) // first attempt, fails
	require.Eventually(t, func() bool { return sub.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond) // let the backoff window pass
	ob.Trigger()                      // second attempt, fails
	require.Eventually(t, func() bool { return sub.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	entries, err := st.FetchDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "entry must stay queued after two failures")
	require.Equal(t, 2, entries[0].Attempts)
	require.NotNil(t, entries[0].LastAttemptAt)

	time.Sleep(20 * time.Millisecond)
	ob.Trigger() // third attempt succeeds and removes the entry
	require.Eventually(t, func() bool {
		return ob.Snapshot(ctx).PendingCount == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, sub.callCount())
}

func TestFailingEntryDoesNotBlockOthers(t *testing.T) {
	ob, _, sub := newTestOutbox(t)
	ctx := context.Background()

	poison := event(uuid.New())
	sub.failNext(poison.ID, 1000)
	healthy := event(uuid.New())
	healthy.CreatedAt = poison.CreatedAt.Add(time.Millisecond)

	ob.SetOnline(true)
	require.NoError(t, ob.Enqueue(ctx, poison))
	require.NoError(t, ob.Enqueue(ctx, healthy))

	require.Eventually(t, func() bool {
		ob.Trigger()
		return ob.Snapshot(ctx).PendingCount == 1
	}, 2*time.Second, 5*time.Millisecond, "healthy entry must drain past the poison one")

	// Any pass that retries the poison entry reports the failure
	require.Eventually(t, func() bool {
		ob.Trigger()
		snap := ob.Snapshot(ctx)
		return snap.State == StateError && snap.Reason != ""
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGoingOfflineStopsDrain(t *testing.T) {
	ob, _, sub := newTestOutbox(t)
	ctx := context.Background()

	ob.SetOnline(true)
	require.NoError(t, ob.Enqueue(ctx, event(uuid.New())))
	require.Eventually(t, func() bool {
		return ob.Snapshot(ctx).PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	ob.SetOnline(false)
	before := sub.callCount()
	require.NoError(t, ob.Enqueue(ctx, event(uuid.New())))
	ob.Trigger()
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, before, sub.callCount())
	require.Equal(t, StateOffline, ob.Snapshot(ctx).State)
	require.Equal(t, 1, ob.Snapshot(ctx).PendingCount)
}

func TestEnqueueWhileDrainingIsNotMissed(t *testing.T) {
	ob, _, _ := newTestOutbox(t)
	ctx := context.Background()

	ob.SetOnline(true)
	for i := 0; i < 20; i++ {
		require.NoError(t, ob.Enqueue(ctx, event(uuid.New())))
	}

	require.Eventually(t, func() bool {
		return ob.Snapshot(ctx).PendingCount == 0
	}, 5*time.Second, 10*time.Millisecond, "every enqueue must eventually drain")
}

func TestRecoverResetsStrandedEntries(t *testing.T) {
	ob, st, _ := newTestOutbox(t)
	ctx := context.Background()

	ev := event(uuid.New())
	require.NoError(t, ob.Enqueue(ctx, ev))
	require.NoError(t, st.MarkInFlight(ctx, ev.ID))

	require.NoError(t, ob.Recover(ctx))
	entries, err := st.FetchDue(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
