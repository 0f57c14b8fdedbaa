// Package pgstore provides a store.Backend on PostgreSQL, for application
// shells that keep device sessions server-side.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chimerakang/consign-go/store"
)

// DefaultTable is the slot table name.
const DefaultTable = "consign_session_slots"

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Backend implements store.Backend with one row per (namespace, key).
type Backend struct {
	pool      *pgxpool.Pool
	namespace string
	table     string
}

// compile-time checks
var (
	_ store.Backend = (*Backend)(nil)
	_ store.Batcher = (*Backend)(nil)
)

// Option configures the Backend.
type Option func(*Backend)

// WithTable overrides the table name. It may be schema-qualified.
func WithTable(name string) Option {
	return func(b *Backend) { b.table = name }
}

// New returns a Backend storing slots under namespace, typically a device
// or installation ID.
func New(pool *pgxpool.Pool, namespace string, opts ...Option) (*Backend, error) {
	if namespace == "" {
		return nil, fmt.Errorf("consign/pgstore: namespace cannot be empty")
	}
	b := &Backend{pool: pool, namespace: namespace, table: DefaultTable}
	for _, o := range opts {
		o(b)
	}
	if _, err := quoteTable(b.table); err != nil {
		return nil, err
	}
	return b, nil
}

// EnsureSchema creates the slot table if it does not exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	table, _ := quoteTable(b.table)
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			namespace  TEXT        NOT NULL,
			key        TEXT        NOT NULL,
			value      TEXT        NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("consign/pgstore: create table: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	table, _ := quoteTable(b.table)
	var v string
	err := b.pool.QueryRow(ctx, `
		SELECT value FROM `+table+`
		WHERE namespace = $1 AND key = $2
	`, b.namespace, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consign/pgstore: get %s: %w", key, err)
	}
	return v, true, nil
}

func (b *Backend) Set(ctx context.Context, key, value string) error {
	table, _ := quoteTable(b.table)
	_, err := b.pool.Exec(ctx, `
		INSERT INTO `+table+` (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, b.namespace, key, value)
	if err != nil {
		return fmt.Errorf("consign/pgstore: set %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	table, _ := quoteTable(b.table)
	_, err := b.pool.Exec(ctx, `
		DELETE FROM `+table+`
		WHERE namespace = $1 AND key = $2
	`, b.namespace, key)
	if err != nil {
		return fmt.Errorf("consign/pgstore: delete %s: %w", key, err)
	}
	return nil
}

// Apply upserts set and deletes del in one transaction.
func (b *Backend) Apply(ctx context.Context, set map[string]string, del []string) error {
	table, _ := quoteTable(b.table)

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("consign/pgstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for key, value := range set {
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+table+` (namespace, key, value, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (namespace, key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`, b.namespace, key, value); err != nil {
			return fmt.Errorf("consign/pgstore: set %s: %w", key, err)
		}
	}
	if len(del) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM `+table+`
			WHERE namespace = $1 AND key = ANY($2)
		`, b.namespace, del); err != nil {
			return fmt.Errorf("consign/pgstore: delete: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("consign/pgstore: commit: %w", err)
	}
	return nil
}

// quoteTable validates and quotes a possibly schema-qualified table name.
func quoteTable(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("consign/pgstore: invalid table name %q", name)
	}
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return "", fmt.Errorf("consign/pgstore: invalid table name %q", name)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}
