package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS storefront_kv (
	namespace  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// PostgresStore keeps values in the storefront_kv table, one namespace per
// client profile so several CLI profiles can share a database.
type PostgresStore struct {
	db        *sql.DB
	namespace string
}

func NewPostgresStore(db *sql.DB, namespace string) *PostgresStore {
	return &PostgresStore{
		db:        db,
		namespace: namespace,
	}
}

// EnsureSchema creates the key/value table when it is missing
func (ps *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := ps.db.ExecContext(ctx, createKVTable); err != nil {
		return fmt.Errorf("store: create storefront_kv: %w", err)
	}
	return nil
}

// Load retrieves the values stored under keys
func (ps *PostgresStore) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT key, value FROM storefront_kv WHERE namespace = $1 AND key = ANY($2)`,
		ps.namespace, pq.Array(keys),
	)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	return values, nil
}

// Save upserts every value inside one transaction
func (ps *PostgresStore) Save(ctx context.Context, values map[string]string) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	for _, key := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO storefront_kv (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (namespace, key) DO UPDATE SET
				value = EXCLUDED.value,
				updated_at = EXCLUDED.updated_at
		`, ps.namespace, key, values[key], now)
		if err != nil {
			return fmt.Errorf("store: save %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Delete removes keys from the namespace
func (ps *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	_, err := ps.db.ExecContext(ctx,
		`DELETE FROM storefront_kv WHERE namespace = $1 AND key = ANY($2)`,
		ps.namespace, pq.Array(keys),
	)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
