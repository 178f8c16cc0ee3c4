package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/trailcrew/fieldsync/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fieldsync-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(createdAt time.Time) models.DomainEvent {
	return models.DomainEvent{
		ID:        uuid.New(),
		Kind:      models.EventTaskCompletion,
		EntityID:  uuid.New(),
		Payload:   json.RawMessage(`{"zone_id":"z1"}`),
		CreatedAt: createdAt,
	}
}

func TestEnqueueAndFetchDue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t.Run("fetch returns entries oldest first", func(t *testing.T) {
		base := time.Now().Add(-time.Minute)
		first := testEvent(base)
		second := testEvent(base.Add(time.Second))
		third := testEvent(base.Add(2 * time.Second))

		for _, ev := range []models.DomainEvent{first, second, third} {
			require.NoError(t, s.Enqueue(ctx, ev))
		}

		entries, err := s.FetchDue(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, first.ID, entries[0].Event.ID)
		require.Equal(t, second.ID, entries[1].Event.ID)
		require.Equal(t, third.ID, entries[2].Event.ID)
	})

	t.Run("fetched entry round-trips all fields", func(t *testing.T) {
		s := openTestStore(t)
		ev := testEvent(time.Now().Add(-time.Second))
		require.NoError(t, s.Enqueue(ctx, ev))

		entries, err := s.FetchDue(ctx, time.Now(), 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		got := entries[0].Event
		require.Equal(t, ev.ID, got.ID)
		require.Equal(t, ev.Kind, got.Kind)
		require.Equal(t, ev.EntityID, got.EntityID)
		require.JSONEq(t, string(ev.Payload), string(got.Payload))
		require.Equal(t, ev.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
		require.Equal(t, 0, entries[0].Attempts)
	})

	t.Run("duplicate event id is rejected", func(t *testing.T) {
		s := openTestStore(t)
		ev := testEvent(time.Now())
		require.NoError(t, s.Enqueue(ctx, ev))
		require.Error(t, s.Enqueue(ctx, ev))
	})

	t.Run("invalid event is rejected before hitting disk", func(t *testing.T) {
		s := openTestStore(t)
		require.Error(t, s.Enqueue(ctx, models.DomainEvent{}))
		n, err := s.PendingCount(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestRetryBookkeeping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := testEvent(time.Now().Add(-time.Second))
	require.NoError(t, s.Enqueue(ctx, ev))

	t.Run("in-flight entries are not fetched", func(t *testing.T) {
		require.NoError(t, s.MarkInFlight(ctx, ev.ID))
		entries, err := s.FetchDue(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("failed entry returns to pending with backoff", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, s.MarkFailed(ctx, ev.ID, 1, now, now.Add(time.Hour)))

		entries, err := s.FetchDue(ctx, now, 10)
		require.NoError(t, err)
		require.Empty(t, entries, "backed-off entry must be skipped")

		entries, err = s.FetchDue(ctx, now.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, 1, entries[0].Attempts)
		require.NotNil(t, entries[0].LastAttemptAt)
	})

	t.Run("reset in-flight rescues stranded entries", func(t *testing.T) {
		require.NoError(t, s.MarkInFlight(ctx, ev.ID))
		rescued, err := s.ResetInFlight(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, rescued)

		entries, err := s.FetchDue(ctx, time.Now().Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("delete removes the entry for good", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, ev.ID))
		n, err := s.PendingCount(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestRecordCompletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	entity := uuid.New()

	first, err := s.RecordCompletion(ctx, entity, models.EventTaskCompletion)
	require.NoError(t, err)
	require.True(t, first, "first record must report new")

	again, err := s.RecordCompletion(ctx, entity, models.EventTaskCompletion)
	require.NoError(t, err)
	require.False(t, again, "duplicate record must collapse")

	otherKind, err := s.RecordCompletion(ctx, entity, models.EventBarStopVisit)
	require.NoError(t, err)
	require.True(t, otherKind, "idempotency key is (entity, kind)")

	has, err := s.HasCompletion(ctx, entity, models.EventTaskCompletion)
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.HasCompletion(ctx, uuid.New(), models.EventTaskCompletion)
	require.NoError(t, err)
	require.False(t, has)
}

func TestDeleteCompletionReleasesKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	entity := uuid.New()

	first, err := s.RecordCompletion(ctx, entity, models.EventTaskCompletion)
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, s.DeleteCompletion(ctx, entity, models.EventTaskCompletion))

	has, err := s.HasCompletion(ctx, entity, models.EventTaskCompletion)
	require.NoError(t, err)
	require.False(t, has)

	again, err := s.RecordCompletion(ctx, entity, models.EventTaskCompletion)
	require.NoError(t, err)
	require.True(t, again, "released key records as new again")
}
