// Package store persists the sync outbox and completion records in an
// embedded SQLite database. The store is the crash-safety boundary: an
// enqueue that returns nil has hit disk.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/trailcrew/fieldsync/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	payload         BLOB,
	created_at      INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at INTEGER,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox (state, next_attempt_at, created_at);

CREATE TABLE IF NOT EXISTS completions (
	entity_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (entity_id, kind)
);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// A single connection is used: SQLite handles one writer at a time and the
// outbox is written from few goroutines.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue persists the event as a pending outbox entry. The insert is
// synchronous: when Enqueue returns nil the event is durably recorded.
// A duplicate event id is an error, never a silent overwrite.
func (s *Store) Enqueue(ctx context.Context, event models.DomainEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, kind, entity_id, payload, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID.String(), string(event.Kind), event.EntityID.String(),
		[]byte(event.Payload), event.CreatedAt.UnixMilli(), string(models.EntryPending),
	)
	if err != nil {
		return fmt.Errorf("failed to persist outbox entry: %w", err)
	}
	return nil
}

// FetchDue returns pending entries whose retry delay has elapsed, oldest
// first. Entries backed off into the future are skipped, they stay queued.
func (s *Store) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, payload, created_at, attempts, last_attempt_at
		FROM outbox
		WHERE state = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`,
		string(models.EntryPending), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due entries: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var (
			idStr, kind, entityStr string
			payload                []byte
			createdMs              int64
			attempts               int
			lastAttemptMs          sql.NullInt64
		)
		if err := rows.Scan(&idStr, &kind, &entityStr, &payload, &createdMs, &attempts, &lastAttemptMs); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt outbox row %q: %w", idStr, err)
		}
		entityID, err := uuid.Parse(entityStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt outbox row %q: %w", idStr, err)
		}
		entry := models.OutboxEntry{
			Event: models.DomainEvent{
				ID:        id,
				Kind:      models.EventKind(kind),
				EntityID:  entityID,
				Payload:   payload,
				CreatedAt: time.UnixMilli(createdMs).UTC(),
			},
			Attempts: attempts,
			State:    models.EntryPending,
		}
		if lastAttemptMs.Valid {
			t := time.UnixMilli(lastAttemptMs.Int64).UTC()
			entry.LastAttemptAt = &t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkInFlight flips an entry to in-flight while a submission is outstanding
func (s *Store) MarkInFlight(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET state = ? WHERE id = ?`,
		string(models.EntryInFlight), id.String())
	return err
}

// MarkFailed returns an entry to pending with retry bookkeeping. The entry is
// never discarded: it stays queued until a submission succeeds or it is purged
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastAttempt, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET state = ?, attempts = ?, last_attempt_at = ?, next_attempt_at = ?
		WHERE id = ?`,
		string(models.EntryPending), attempts, lastAttempt.UnixMilli(), nextAttempt.UnixMilli(), id.String())
	return err
}

// Delete removes an entry after backend acknowledgment
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id.String())
	return err
}

// Purge removes an entry without acknowledgment. Manual intervention only
func (s *Store) Purge(ctx context.Context, id uuid.UUID) error {
	return s.Delete(ctx, id)
}

// PendingCount counts entries still awaiting acknowledgment, in-flight included
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// ResetInFlight rescues entries stranded in-flight by a crash: a process that
// died mid-submission leaves rows that no drain will ever pick up again
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET state = ? WHERE state = ?`,
		string(models.EntryPending), string(models.EntryInFlight))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordCompletion records that the entity was completed, keyed on
// (entity, kind). Reports true only for the first record: concurrent or
// repeated zone entries for the same entity collapse on the primary key,
// which is what makes the check-then-act on zone entry a single step
func (s *Store) RecordCompletion(ctx context.Context, entityID uuid.UUID, kind models.EventKind) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO completions (entity_id, kind, completed_at)
		VALUES (?, ?, ?)`,
		entityID.String(), string(kind), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to record completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteCompletion removes a completion record, releasing the (entity, kind)
// key so a later RecordCompletion reports first again. Used when the durable
// event behind the record could not be enqueued
func (s *Store) DeleteCompletion(ctx context.Context, entityID uuid.UUID, kind models.EventKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completions WHERE entity_id = ? AND kind = ?`,
		entityID.String(), string(kind))
	return err
}

// HasCompletion reports whether a completion record exists for (entity, kind)
func (s *Store) HasCompletion(ctx context.Context, entityID uuid.UUID, kind models.EventKind) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM completions WHERE entity_id = ? AND kind = ?`,
		entityID.String(), string(kind)).Scan(&n)
	return n > 0, err
}
