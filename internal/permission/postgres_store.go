package permission

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// PostgresStore keeps grants in the permissions table. Outbox entries go to
// the outbox table of the same database inside the mutation's transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const permissionColumns = "holder_type, holder_id, action, resource_type, resource_id"

func (s *PostgresStore) Add(ctx context.Context, perms []Permission, outbox OutboxFunc) ([]Permission, error) {
	var added []Permission
	err := s.inTx(ctx, func(tx *sql.Tx) ([]Permission, error) {
		for _, p := range perms {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO permissions (`+permissionColumns+`)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT DO NOTHING`,
				p.Holder.Type, p.Holder.ID, p.Action, p.Resource.Type, p.Resource.ID,
			)
			if err != nil {
				return nil, fmt.Errorf("insert permission: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("insert permission: %w", err)
			}
			if n > 0 {
				added = append(added, p)
			}
		}
		return added, nil
	}, outbox)
	if err != nil {
		return nil, err
	}
	return added, nil
}

func (s *PostgresStore) Remove(ctx context.Context, perms []Permission, outbox OutboxFunc) ([]Permission, error) {
	var removed []Permission
	err := s.inTx(ctx, func(tx *sql.Tx) ([]Permission, error) {
		for _, p := range perms {
			rows, err := tx.QueryContext(ctx,
				`DELETE FROM permissions
				 WHERE holder_type = $1 AND holder_id = $2 AND action = $3 AND resource_type = $4 AND resource_id = $5
				 RETURNING `+permissionColumns,
				p.Holder.Type, p.Holder.ID, p.Action, p.Resource.Type, p.Resource.ID,
			)
			if err != nil {
				return nil, fmt.Errorf("delete permission: %w", err)
			}
			got, err := scanPermissions(rows)
			if err != nil {
				return nil, err
			}
			removed = append(removed, got...)
		}
		return removed, nil
	}, outbox)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *PostgresStore) RemoveByHolder(ctx context.Context, holder Holder, outbox OutboxFunc) ([]Permission, error) {
	return s.deleteReturning(ctx, outbox,
		`DELETE FROM permissions WHERE holder_type = $1 AND holder_id = $2 RETURNING `+permissionColumns,
		holder.Type, holder.ID,
	)
}

func (s *PostgresStore) RemoveByResource(ctx context.Context, resource Resource, outbox OutboxFunc) ([]Permission, error) {
	return s.deleteReturning(ctx, outbox,
		`DELETE FROM permissions WHERE resource_type = $1 AND resource_id = $2 RETURNING `+permissionColumns,
		resource.Type, resource.ID,
	)
}

func (s *PostgresStore) deleteReturning(ctx context.Context, outbox OutboxFunc, query string, args ...any) ([]Permission, error) {
	var removed []Permission
	err := s.inTx(ctx, func(tx *sql.Tx) ([]Permission, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("delete permissions: %w", err)
		}
		removed, err = scanPermissions(rows)
		return removed, err
	}, outbox)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// inTx runs change, then writes the outbox entries for what it changed, and
// commits both together.
func (s *PostgresStore) inTx(ctx context.Context, change func(tx *sql.Tx) ([]Permission, error), outbox OutboxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin permission change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changed, err := change(tx)
	if err != nil {
		return err
	}
	if outbox != nil && len(changed) > 0 {
		entries, err := outbox(changed)
		if err != nil {
			return err
		}
		if err := store.InsertOutboxTx(ctx, tx, entries...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit permission change: %w", err)
	}
	return nil
}

func (s *PostgresStore) Has(ctx context.Context, p Permission) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM permissions
			WHERE holder_type = $1 AND holder_id = $2 AND action = $3 AND resource_type = $4
			  AND (resource_id = $5 OR resource_id = '')
		)`,
		p.Holder.Type, p.Holder.ID, p.Action, p.Resource.Type, p.Resource.ID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) ListByHolder(ctx context.Context, holder Holder) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions
		 WHERE holder_type = $1 AND holder_id = $2
		 ORDER BY resource_type, resource_id, action`,
		holder.Type, holder.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return scanPermissions(rows)
}

func scanPermissions(rows *sql.Rows) ([]Permission, error) {
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Holder.Type, &p.Holder.ID, &p.Action, &p.Resource.Type, &p.Resource.ID); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return out, nil
}
