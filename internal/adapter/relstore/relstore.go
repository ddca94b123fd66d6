// Package relstore is the relational-store adapter: the sovereign system
// backing entity state and dependency lookups, speaking MySQL through
// sqlx.
package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/statusrelay/relay/internal/adapter"
	"github.com/statusrelay/relay/internal/mapper"
	"github.com/statusrelay/relay/internal/types"
)

// ErrEntityNotFound is returned (wrapped permanent) when an update targets
// a row that does not exist.
var ErrEntityNotFound = errors.New("relstore: entity not found")

// entityTables maps canonical entity types to their tables.
var entityTables = map[types.EntityType]string{
	types.EntityTask:       "tasks",
	types.EntityIssue:      "issues",
	types.EntityPR:         "pull_requests",
	types.EntityDeployment: "deployments",
}

// Options configures the store connection.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements adapter.Adapter and conflict dependency lookups
// against the relational store.
type Store struct {
	db *sqlx.DB
}

// Open connects and verifies the database.
func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("relstore: connect: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (tests).
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// System identifies the sovereign relational store.
func (s *Store) System() types.SystemName { return types.SystemDatabase }

// Apply writes the mapped status into the entity's table. A missing row
// is a permanent failure; the queue dead-letters instead of retrying.
func (s *Store) Apply(ctx context.Context, update *mapper.MappedUpdate) (*adapter.ApplyResult, error) {
	table, ok := entityTables[update.EntityType]
	if !ok {
		return nil, adapter.Permanent(fmt.Errorf("relstore: no table for entity type %q", update.EntityType))
	}

	meta, err := json.Marshal(update.Metadata)
	if err != nil {
		return nil, adapter.Permanent(fmt.Errorf("relstore: marshal metadata: %w", err))
	}

	query := fmt.Sprintf("UPDATE %s SET status = ?, updated_at = NOW(), metadata = ? WHERE id = ?", table)
	res, err := s.db.ExecContext(ctx, query, update.Status, meta, update.EntityID)
	if err != nil {
		return nil, fmt.Errorf("relstore: update %s %s: %w", table, update.EntityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("relstore: rows affected: %w", err)
	}
	if n == 0 {
		return nil, adapter.Permanent(fmt.Errorf("relstore: %s %s: %w", table, update.EntityID, ErrEntityNotFound))
	}

	return &adapter.ApplyResult{
		System:   types.SystemDatabase,
		EntityID: update.EntityID,
		Detail:   map[string]interface{}{"table": table, "rows": n},
	}, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) adapter.Health {
	if err := s.db.PingContext(ctx); err != nil {
		return adapter.Health{Healthy: false, Detail: err.Error()}
	}
	return adapter.Health{Healthy: true}
}

// Dependencies returns the IDs the given entity depends on, complete or
// not.
func (s *Store) Dependencies(ctx context.Context, entityID string) ([]string, error) {
	var deps []string
	err := s.db.SelectContext(ctx, &deps,
		"SELECT depends_on FROM entity_dependencies WHERE entity_id = ?", entityID)
	if err != nil {
		return nil, fmt.Errorf("relstore: dependencies of %s: %w", entityID, err)
	}
	return deps, nil
}

// BlockingDependencies returns incomplete dependencies of the update's
// entity: anything it depends on whose status is not completed or
// cancelled. Traversal is iterative with a visited set so dependency
// cycles terminate.
func (s *Store) BlockingDependencies(ctx context.Context, update *types.StatusUpdate) ([]string, error) {
	table, ok := entityTables[update.EntityType]
	if !ok {
		return nil, nil
	}

	visited := map[string]bool{update.EntityID: true}
	frontier := []string{update.EntityID}
	var blocking []string

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		deps, err := s.Dependencies(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if visited[dep] {
				continue
			}
			visited[dep] = true

			var status string
			err := s.db.GetContext(ctx, &status,
				fmt.Sprintf("SELECT status FROM %s WHERE id = ?", table), dep)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("relstore: status of %s: %w", dep, err)
			}
			if status != string(types.StatusCompleted) && status != string(types.StatusCancelled) {
				blocking = append(blocking, dep)
				frontier = append(frontier, dep)
			}
		}
	}
	return blocking, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("relstore: close: %w", err)
	}
	return nil
}
