package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const pqUniqueViolation = "23505"

// PostgresEventStore stores events and outbox entries in PostgreSQL. It
// implements both EventStoreInterface and OutboxStore.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Append inserts the batch in one transaction. The unique
// (aggregate_type, aggregate_id, version) constraint arbitrates racing writers.
func (es *PostgresEventStore) Append(ctx context.Context, batch AppendBatch) error {
	if err := batch.validate(); err != nil {
		return err
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentVersionTx(ctx, tx, batch.AggregateType, batch.AggregateID)
	if err != nil {
		return err
	}
	if current != batch.ExpectedVersion {
		return ErrVersionConflict
	}

	for _, e := range batch.Events {
		if err := insertEventTx(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := InsertOutboxTx(ctx, tx, batch.Outbox...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateErr(fmt.Errorf("commit append: %w", err))
	}
	return nil
}

func (es *PostgresEventStore) GetSnapshot(ctx context.Context, aggregateType, aggregateID string, maxVersion int) (*Event, error) {
	query := `SELECT id, aggregate_id, aggregate_type, event_type, event_version, data, agent_id, agent_type, version, is_snapshot, created_at
		 FROM events
		 WHERE aggregate_type = $1 AND aggregate_id = $2 AND is_snapshot AND ($3 <= 0 OR version <= $3)
		 ORDER BY version DESC
		 LIMIT 1`
	row := es.db.QueryRowContext(ctx, query, aggregateType, aggregateID, maxVersion)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &e, nil
}

func (es *PostgresEventStore) GetEventsFromVersion(ctx context.Context, aggregateType, aggregateID string, fromVersion, toVersion int) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx,
		`SELECT id, aggregate_id, aggregate_type, event_type, event_version, data, agent_id, agent_type, version, is_snapshot, created_at
		 FROM events
		 WHERE aggregate_type = $1 AND aggregate_id = $2 AND NOT is_snapshot
		   AND version > $3 AND ($4 <= 0 OR version <= $4)
		 ORDER BY version ASC`,
		aggregateType, aggregateID, fromVersion, toVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (es *PostgresEventStore) GetVersion(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	var version int
	err := es.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2",
		aggregateType, aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

func (es *PostgresEventStore) ReplaceHistory(ctx context.Context, expectedVersion int, snapshot Event, outbox []OutboxEntry) error {
	if !snapshot.IsSnapshot || snapshot.Version <= expectedVersion {
		return ErrInvalidBatch
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace history: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentVersionTx(ctx, tx, snapshot.AggregateType, snapshot.AggregateID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM events WHERE aggregate_type = $1 AND aggregate_id = $2",
		snapshot.AggregateType, snapshot.AggregateID,
	); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if err := insertEventTx(ctx, tx, snapshot); err != nil {
		return err
	}
	if err := InsertOutboxTx(ctx, tx, outbox...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateErr(fmt.Errorf("commit replace history: %w", err))
	}
	return nil
}

// FetchPending returns unsent outbox entries, oldest first
func (es *PostgresEventStore) FetchPending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := es.db.QueryContext(ctx,
		`SELECT id, target, routing_key, key, payload, created_at, attempts, last_error
		 FROM outbox
		 WHERE NOT sent
		 ORDER BY created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Target, &e.RoutingKey, &e.Key, &payload, &e.CreatedAt, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

func (es *PostgresEventStore) MarkSent(ctx context.Context, id string) error {
	res, err := es.db.ExecContext(ctx,
		"UPDATE outbox SET sent = TRUE, sent_at = $2 WHERE id = $1",
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return requireAffected(res, ErrOutboxEntryNotFound)
}

func (es *PostgresEventStore) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := es.db.ExecContext(ctx,
		"UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1",
		id, msg,
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return requireAffected(res, ErrOutboxEntryNotFound)
}

func (es *PostgresEventStore) PurgeSent(ctx context.Context, before time.Time) (int, error) {
	res, err := es.db.ExecContext(ctx, "DELETE FROM outbox WHERE sent AND sent_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return int(n), nil
}

// InsertOutboxTx writes outbox entries inside an existing transaction so that
// other stores sharing the database can enqueue atomically with their writes.
func InsertOutboxTx(ctx context.Context, tx *sql.Tx, entries ...OutboxEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, target, routing_key, key, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.Target, e.RoutingKey, e.Key, []byte(e.Payload), e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}
	return nil
}

func currentVersionTx(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID string) (int, error) {
	var version int
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2",
		aggregateType, aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return version, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, aggregate_id, aggregate_type, event_type, event_version, data, agent_id, agent_type, version, is_snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.AggregateID, e.AggregateType, e.EventType, e.EventVersion, []byte(e.Data),
		e.AgentID, e.AgentType, e.Version, e.IsSnapshot, e.Timestamp,
	)
	if err != nil {
		return translateErr(fmt.Errorf("insert event: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	var data []byte
	err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.EventVersion, &data,
		&e.AgentID, &e.AgentType, &e.Version, &e.IsSnapshot, &e.Timestamp)
	e.Data = data
	return e, err
}

// translateErr maps a unique violation on the events table to ErrVersionConflict.
func translateErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: %s", ErrVersionConflict, pqErr.Message)
	}
	return err
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Migrate creates the tables used by the Postgres stores
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
