// Package eventstore is the durable side of the event pipeline: an
// append-only per-hand event log and materialized snapshots in sqlite,
// with at-least-once stream delivery over a redis stream.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/railbird-gg/cardroom/internal/fabric"
	"github.com/railbird-gg/cardroom/internal/handevent"
)

// Stream is the redis stream carrying appended events to consumers.
const Stream = "cardroom:hand-events"

var (
	// ErrConflict indicates a duplicate eventId with a different
	// payload, or a seq that contradicts the stored log.
	ErrConflict = errors.New("eventstore: conflict")

	// ErrNotFound indicates an unknown hand.
	ErrNotFound = errors.New("eventstore: not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS hands (
	hand_id  TEXT PRIMARY KEY,
	table_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hand_events (
	hand_id     TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	event_id    TEXT    NOT NULL,
	type        TEXT    NOT NULL,
	ts          TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	appended_at TEXT    NOT NULL,
	PRIMARY KEY (hand_id, seq),
	UNIQUE (hand_id, event_id)
);

CREATE TABLE IF NOT EXISTS hand_events_archive (
	hand_id     TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	event_id    TEXT    NOT NULL,
	type        TEXT    NOT NULL,
	ts          TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	appended_at TEXT    NOT NULL,
	PRIMARY KEY (hand_id, seq)
);

CREATE TABLE IF NOT EXISTS hand_snapshots (
	hand_id    TEXT    PRIMARY KEY,
	version    INTEGER NOT NULL,
	data       BLOB    NOT NULL,
	updated_at TEXT    NOT NULL
);
`

// Store owns the event log. The redis client is optional; without it
// appended events are handed to a local delivery hook instead of the
// stream (single-process mode).
type Store struct {
	db       *sql.DB
	rdb      *redis.Client
	fab      fabric.Fabric
	clock    quartz.Clock
	logger   *log.Logger
	sourceID string

	localDelivery func(handevent.Event)
}

// Open opens (creating if needed) the sqlite database and prepares the
// schema. Pass ":memory:" in tests.
func Open(path string, rdb *redis.Client, fab fabric.Fabric, clock quartz.Clock, logger *log.Logger, sourceID string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	// sqlite allows one writer; a second connection would just block.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate event db: %w", err)
	}
	return &Store{
		db:       db,
		rdb:      rdb,
		fab:      fab,
		clock:    clock,
		logger:   logger.WithPrefix("eventstore"),
		sourceID: sourceID,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLocalDelivery installs the hook used instead of the redis stream
// when running without redis.
func (s *Store) SetLocalDelivery(fn func(handevent.Event)) {
	s.localDelivery = fn
}

// Append writes one event. Appends are idempotent on (handId,
// eventId): redelivery of an identical event returns the stored seq;
// a different payload under the same eventId is a conflict. Seq is
// assigned monotonically inside the transaction when zero, and
// checked against the log when the writer supplied one.
func (s *Store) Append(ctx context.Context, ev handevent.Event) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		storedSeq     uint64
		storedPayload []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, payload FROM hand_events WHERE hand_id = ? AND event_id = ?`,
		ev.HandID, ev.EventID,
	).Scan(&storedSeq, &storedPayload)
	switch {
	case err == nil:
		stored := ev
		stored.Seq = storedSeq
		dup, marshalErr := json.Marshal(stored)
		if marshalErr != nil {
			return 0, fmt.Errorf("marshal event: %w", marshalErr)
		}
		if string(storedPayload) != string(dup) {
			return 0, fmt.Errorf("%w: event %s redelivered with different payload", ErrConflict, ev.EventID)
		}
		return storedSeq, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("lookup event: %w", err)
	}

	var maxSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM hand_events WHERE hand_id = ?`, ev.HandID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	switch {
	case ev.Seq == 0:
		ev.Seq = maxSeq + 1
	case ev.Seq != maxSeq+1:
		return 0, fmt.Errorf("%w: hand %s seq %d after %d", ErrConflict, ev.HandID, ev.Seq, maxSeq)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	if started, ok := ev.Payload.(handevent.HandStarted); ok {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO hands (hand_id, table_id) VALUES (?, ?)`,
			ev.HandID, started.TableID,
		); err != nil {
			return 0, fmt.Errorf("index hand: %w", err)
		}
	}

	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO hand_events (hand_id, seq, event_id, type, ts, payload, appended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.HandID, ev.Seq, ev.EventID, string(ev.Type),
		ev.Ts.UTC().Format(time.RFC3339Nano), payload, now,
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}

	s.deliver(ctx, ev, payload)
	return ev.Seq, nil
}

// deliver pushes a committed event onto the stream and the fabric.
// Failures here do not fail the append; the log is the source of
// truth and consumers recover via replay.
func (s *Store) deliver(ctx context.Context, ev handevent.Event, payload []byte) {
	if s.rdb != nil {
		err := s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: Stream,
			Values: map[string]any{
				"handId":  ev.HandID,
				"eventId": ev.EventID,
				"seq":     ev.Seq,
				"type":    string(ev.Type),
				"payload": string(payload),
			},
		}).Err()
		if err != nil {
			s.logger.Error("Failed to publish event to stream", "handId", ev.HandID, "seq", ev.Seq, "error", err)
		}
	} else if s.localDelivery != nil {
		s.localDelivery(ev)
	}

	tableID, err := s.TableID(ctx, ev.HandID)
	if err != nil {
		s.logger.Warn("No table mapping for hand, skipping fabric publish", "handId", ev.HandID)
		return
	}
	key := fabric.Key(fabric.KindTable, tableID)
	seq, err := s.fab.NextSeq(ctx, key)
	if err != nil {
		s.logger.Error("Failed to take fabric seq", "key", key, "error", err)
		return
	}
	err = s.fab.Publish(ctx, fabric.Envelope{
		Channel:  fabric.KindTable,
		Scope:    tableID,
		Payload:  payload,
		SourceID: s.sourceID,
		Seq:      seq,
	})
	if err != nil {
		s.logger.Error("Failed to publish event envelope", "key", key, "error", err)
	}
}

// TableID resolves the table a hand belongs to.
func (s *Store) TableID(ctx context.Context, handID string) (string, error) {
	var tableID string
	err := s.db.QueryRowContext(ctx,
		`SELECT table_id FROM hands WHERE hand_id = ?`, handID,
	).Scan(&tableID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup hand: %w", err)
	}
	return tableID, nil
}

// Events returns a hand's events with seq >= fromSeq in append order.
func (s *Store) Events(ctx context.Context, handID string, fromSeq uint64) ([]handevent.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM hand_events WHERE hand_id = ? AND seq >= ? ORDER BY seq`,
		handID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []handevent.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev handevent.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(events) == 0 {
		if _, err := s.TableID(ctx, handID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
	}
	return events, nil
}

// SaveSnapshot replaces the materialized snapshot for a hand. Stale
// writes (version lower than stored) are ignored.
func (s *Store) SaveSnapshot(ctx context.Context, handID string, version uint64, snap *handevent.Snapshot) error {
	data, err := snap.Canonical()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hand_snapshots (hand_id, version, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (hand_id) DO UPDATE
		 SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at
		 WHERE excluded.version > hand_snapshots.version`,
		handID, version, data, now,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently materialized snapshot.
func (s *Store) LatestSnapshot(ctx context.Context, handID string) (*handevent.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM hand_snapshots WHERE hand_id = ?`, handID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap handevent.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// ArchiveOlderThan moves events appended before the cutoff into the
// archive table and trims the hot stream up to the same point.
// Returns the number of events moved.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	mark := cutoff.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin archive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO hand_events_archive
		 SELECT * FROM hand_events WHERE appended_at < ?`, mark)
	if err != nil {
		return 0, fmt.Errorf("copy to archive: %w", err)
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM hand_events WHERE appended_at < ?`, mark); err != nil {
		return 0, fmt.Errorf("trim hot log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}

	if s.rdb != nil {
		minID := fmt.Sprintf("%d", cutoff.UnixMilli())
		if err := s.rdb.XTrimMinID(ctx, Stream, minID).Err(); err != nil {
			s.logger.Error("Failed to trim stream", "minId", minID, "error", err)
		}
	}
	if moved > 0 {
		s.logger.Info("Archived events", "moved", moved, "cutoff", mark)
	}
	return moved, nil
}
