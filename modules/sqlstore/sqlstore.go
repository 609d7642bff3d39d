// Package sqlstore provides a SQL-backed storage service. Entities are
// stored as JSON documents in a per-service table, so any database/sql
// driver works; queries are evaluated with the same semantics as the
// in-memory adapter.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/plume"
	"github.com/GoCodeAlone/plume/modules/store"
)

// ErrInvalidTable rejects table names that are not plain identifiers.
var ErrInvalidTable = errors.New("table name must be a plain identifier")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store persists entities in a single table with columns id, data,
// created_at, and updated_at. The table is created by the setup hook when
// the service is registered with an application, or explicitly with Init.
type Store struct {
	db     *sql.DB
	table  string
	ownsDB bool
}

// New wraps an existing database handle. The caller keeps ownership of db.
func New(db *sql.DB, table string) (*Store, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return &Store{db: db, table: table}, nil
}

// Open opens a database handle owned by the store; Close releases it.
func Open(driver, dsn, table string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	s, err := New(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// DB exposes the underlying handle, for sharing one database across several
// service tables.
func (s *Store) DB() *sql.DB { return s.db }

// Setup creates the backing table. It runs once when the owning application
// starts listening.
func (s *Store) Setup(app *plume.Application, path string) error {
	if err := s.Init(context.Background()); err != nil {
		return err
	}
	if app != nil {
		app.Logger().Debug("SQL store ready", "path", path, "table", s.table)
	}
	return nil
}

// Init creates the backing table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %q: %w", s.table, err)
	}
	return nil
}

// Close releases the database handle when the store owns it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Find lists entities matching the params query.
func (s *Store) Find(ctx context.Context, params plume.Params) (any, error) {
	query, err := store.ParseParams(params)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT data FROM %s ORDER BY id", s.table))
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", s.table, err)
	}
	defer rows.Close()

	var matched []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %q: %w", s.table, err)
		}
		entity, err := decodeEntity(raw)
		if err != nil {
			return nil, err
		}
		if query.Match(entity) {
			matched = append(matched, entity)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %q: %w", s.table, err)
	}
	if matched == nil {
		matched = []map[string]any{}
	}
	return query.Apply(matched), nil
}

// Get fetches one entity by id.
func (s *Store) Get(ctx context.Context, id string, _ plume.Params) (any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE id = ?", s.table), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting from %q: %w", s.table, err)
	}
	return decodeEntity(raw)
}

// Create inserts one entity, or each element of a slice inside one
// transaction.
func (s *Store) Create(ctx context.Context, data any, _ plume.Params) (any, error) {
	if items, ok := asEntitySlice(data); ok {
		var results []map[string]any
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, item := range items {
				created, err := s.insertTx(ctx, tx, item)
				if err != nil {
					return err
				}
				results = append(results, created)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return results, nil
	}

	entity, err := asEntity(data)
	if err != nil {
		return nil, err
	}
	var created map[string]any
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		created, err = s.insertTx(ctx, tx, entity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update replaces an entity wholesale, keeping its id.
func (s *Store) Update(ctx context.Context, id string, data any, _ plume.Params) (any, error) {
	if id == "" {
		return nil, plume.NewBadRequest("update requires an id; use patch for bulk changes")
	}
	entity, err := asEntity(data)
	if err != nil {
		return nil, err
	}
	replacement := copyEntity(entity)
	replacement["id"] = id
	raw, err := encodeEntity(replacement)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", s.table),
		raw, timestamp(), id)
	if err != nil {
		return nil, fmt.Errorf("updating %q: %w", s.table, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, notFound(id)
	}
	return replacement, nil
}

// Patch merges data into the entity addressed by id, or into every entity
// matching the params query when id is empty.
func (s *Store) Patch(ctx context.Context, id string, data any, params plume.Params) (any, error) {
	patch, err := asEntity(data)
	if err != nil {
		return nil, err
	}

	if id != "" {
		var patched map[string]any
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			entity, err := s.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			patched = mergeEntity(entity, patch)
			return s.writeTx(ctx, tx, id, patched)
		})
		if err != nil {
			return nil, err
		}
		return patched, nil
	}

	query, err := store.ParseParams(params)
	if err != nil {
		return nil, err
	}
	var results []map[string]any
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		matched, err := s.matchTx(ctx, tx, query)
		if err != nil {
			return err
		}
		for _, entity := range matched {
			merged := mergeEntity(entity, patch)
			eid, _ := merged["id"].(string)
			if err := s.writeTx(ctx, tx, eid, merged); err != nil {
				return err
			}
			results = append(results, merged)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Remove deletes the entity addressed by id, or every entity matching the
// params query when id is empty, returning what was deleted.
func (s *Store) Remove(ctx context.Context, id string, params plume.Params) (any, error) {
	if id != "" {
		var removed map[string]any
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			entity, err := s.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			removed = entity
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id)
			return err
		})
		if err != nil {
			return nil, err
		}
		return removed, nil
	}

	query, err := store.ParseParams(params)
	if err != nil {
		return nil, err
	}
	var results []map[string]any
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		matched, err := s.matchTx(ctx, tx, query)
		if err != nil {
			return err
		}
		for _, entity := range matched {
			eid, _ := entity["id"].(string)
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), eid); err != nil {
				return err
			}
			results = append(results, entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, entity map[string]any) (map[string]any, error) {
	stored := copyEntity(entity)
	id, _ := stored["id"].(string)
	if id == "" {
		id = newID()
	}
	stored["id"] = id
	raw, err := encodeEntity(stored)
	if err != nil {
		return nil, err
	}
	now := timestamp()
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)", s.table),
		id, raw, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, plume.NewConflict(fmt.Sprintf("entity %q already exists", id))
		}
		return nil, fmt.Errorf("inserting into %q: %w", s.table, err)
	}
	return stored, nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id string) (map[string]any, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE id = ?", s.table), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting from %q: %w", s.table, err)
	}
	return decodeEntity(raw)
}

func (s *Store) matchTx(ctx context.Context, tx *sql.Tx, query store.Query) ([]map[string]any, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT data FROM %s ORDER BY id", s.table))
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", s.table, err)
	}
	defer rows.Close()

	var matched []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning %q: %w", s.table, err)
		}
		entity, err := decodeEntity(raw)
		if err != nil {
			return nil, err
		}
		if query.Match(entity) {
			matched = append(matched, entity)
		}
	}
	return matched, rows.Err()
}

func (s *Store) writeTx(ctx context.Context, tx *sql.Tx, id string, entity map[string]any) error {
	raw, err := encodeEntity(entity)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", s.table),
		raw, timestamp(), id)
	if err != nil {
		return fmt.Errorf("updating %q: %w", s.table, err)
	}
	return nil
}

func notFound(id string) error {
	return plume.NewNotFound(fmt.Sprintf("no record found for id %q", id))
}

func asEntity(data any) (map[string]any, error) {
	entity, ok := data.(map[string]any)
	if !ok || entity == nil {
		return nil, plume.NewBadRequest(fmt.Sprintf("expected an object, got %T", data))
	}
	return entity, nil
}

func asEntitySlice(data any) ([]map[string]any, bool) {
	switch v := data.(type) {
	case []map[string]any:
		return v, true
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, raw := range v {
			entity, ok := raw.(map[string]any)
			if !ok {
				return nil, false
			}
			items = append(items, entity)
		}
		return items, true
	default:
		return nil, false
	}
}

func copyEntity(entity map[string]any) map[string]any {
	dup := make(map[string]any, len(entity))
	for k, v := range entity {
		dup[k] = v
	}
	return dup
}

func mergeEntity(entity, patch map[string]any) map[string]any {
	merged := copyEntity(entity)
	for k, v := range patch {
		if k == "id" {
			continue
		}
		merged[k] = v
	}
	return merged
}

func encodeEntity(entity map[string]any) (string, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return "", plume.NewBadRequest(fmt.Sprintf("entity not serializable: %v", err))
	}
	return string(raw), nil
}

func decodeEntity(raw string) (map[string]any, error) {
	var entity map[string]any
	if err := json.Unmarshal([]byte(raw), &entity); err != nil {
		return nil, fmt.Errorf("decoding stored entity: %w", err)
	}
	return entity, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// isUniqueViolation matches the primary key violation text across drivers;
// sqlite, postgres, and mysql word it differently.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
