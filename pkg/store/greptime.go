// Package store persists chord records into GreptimeDB through its
// PostgreSQL wire protocol endpoint.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultTable = "keyboard_monitor"
	DefaultTTL   = "3months"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	ttlPattern        = regexp.MustCompile(`^(forever|instant|([0-9]+ ?[A-Za-z]+ ?)+)$`)
)

// pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Options names the target table and its retention.
type Options struct {
	Table string
	TTL   string
}

// Greptime writes one row per chord into a time-indexed table.
type Greptime struct {
	pool  pool
	table string
	ttl   string
}

// New builds a store backed by the provided connection pool.
func New(p pool, opts Options) (*Greptime, error) {
	if p == nil {
		return nil, errors.New("greptime store requires pool")
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = DefaultTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", opts.Table)
	}
	ttl := strings.TrimSpace(opts.TTL)
	if ttl == "" {
		ttl = DefaultTTL
	}
	if !ttlPattern.MatchString(ttl) {
		return nil, fmt.Errorf("invalid ttl %q", opts.TTL)
	}
	return &Greptime{pool: p, table: table, ttl: ttl}, nil
}

// Open parses url and builds a pool. Connections are dialled lazily, and a
// connection dropped by the server is replaced on next use.
func Open(ctx context.Context, url string, opts Options) (*Greptime, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	// GreptimeDB implements a subset of the extended protocol; the simple
	// protocol avoids server-side prepared statements.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	p, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	g, err := New(p, opts)
	if err != nil {
		p.Close()
		return nil, err
	}
	return g, nil
}

// Table returns the validated table name.
func (g *Greptime) Table() string { return g.table }

// EnsureTable creates the hits table with its retention policy if absent.
func (g *Greptime) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    hits STRING NULL,
    ts TIMESTAMP(3) NOT NULL,
    TIME INDEX (ts)
) ENGINE=mito WITH (regions = 1, ttl = '%s')`, g.table, g.ttl)
	if _, err := g.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", g.table, classify(err))
	}
	return nil
}

// InsertHits stores one chord stamped with the server's current time.
func (g *Greptime) InsertHits(ctx context.Context, hits string) error {
	query := fmt.Sprintf("INSERT INTO %s (hits, ts) VALUES ($1, now())", g.table)
	if _, err := g.pool.Exec(ctx, query, hits); err != nil {
		return fmt.Errorf("insert hits: %w", classify(err))
	}
	return nil
}

// Ping checks that the server answers.
func (g *Greptime) Ping(ctx context.Context) error {
	if err := g.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", classify(err))
	}
	return nil
}

// Close releases every pooled connection.
func (g *Greptime) Close() {
	g.pool.Close()
}
