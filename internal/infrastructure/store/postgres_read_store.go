package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresReadStore implements ReadStoreInterface on the read_models table.
// Every collection shares the table; documents are JSONB.
type PostgresReadStore struct {
	db *sql.DB
}

// NewPostgresReadStore creates a new PostgreSQL-based read store
func NewPostgresReadStore(db *sql.DB) *PostgresReadStore {
	return &PostgresReadStore{db: db}
}

// Upsert relies on the conflict clause's WHERE to drop stale or duplicate
// versions in a single statement.
func (rs *PostgresReadStore) Upsert(ctx context.Context, collection string, doc Document) (bool, error) {
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	res, err := rs.db.ExecContext(ctx, `
		INSERT INTO read_models (collection, id, version, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, id) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
		WHERE read_models.version < EXCLUDED.version
	`, collection, doc.ID, doc.Version, []byte(doc.Data), updatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", collection, doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", collection, doc.ID, err)
	}
	return n > 0, nil
}

func (rs *PostgresReadStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var doc Document
	var data []byte
	err := rs.db.QueryRowContext(ctx,
		"SELECT id, version, data, updated_at FROM read_models WHERE collection = $1 AND id = $2",
		collection, id,
	).Scan(&doc.ID, &doc.Version, &data, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	doc.Data = data
	return &doc, nil
}

func (rs *PostgresReadStore) GetAll(ctx context.Context, collection string) ([]Document, error) {
	rows, err := rs.db.QueryContext(ctx,
		"SELECT id, version, data, updated_at FROM read_models WHERE collection = $1 ORDER BY id",
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var data []byte
		if err := rows.Scan(&doc.ID, &doc.Version, &data, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

func (rs *PostgresReadStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := rs.db.ExecContext(ctx,
		"DELETE FROM read_models WHERE collection = $1 AND id = $2",
		collection, id,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}
