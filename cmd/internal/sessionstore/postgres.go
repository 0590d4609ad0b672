package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores blobs in a single table keyed by path. The version
// token is a per-row generation counter, so writes are compare-and-swap on it.
//
// PostgresBackend does NOT own the pool; the caller closes it.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresBackend.
type PostgresOption func(*PostgresBackend) error

// WithSchema sets the schema (default "pairgate").
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("sessionstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("sessionstore: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// WithTable sets the table name (default "session_blobs").
func WithTable(table string) PostgresOption {
	return func(b *PostgresBackend) error {
		table = strings.TrimSpace(table)
		if !isValidPGIdent(table) {
			return errors.New("sessionstore: invalid table identifier")
		}
		b.table = table
		return nil
	}
}

// NewPostgresBackend constructs a Postgres-backed store backend.
func NewPostgresBackend(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresBackend, error) {
	b := &PostgresBackend{
		pool:   pool,
		schema: "pairgate",
		table:  "session_blobs",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.pool == nil {
		return nil, errors.New("sessionstore: nil pool")
	}
	return b, nil
}

// Name implements Backend.
func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) ident() string {
	return pgIdent(b.schema, b.table)
}

// Read implements Backend.
func (b *PostgresBackend) Read(ctx context.Context, p string) (Object, error) {
	var (
		data []byte
		gen  int64
	)
	err := b.pool.QueryRow(ctx,
		`SELECT content, version FROM `+b.ident()+` WHERE path = $1`, p,
	).Scan(&data, &gen)
	if err != nil {
		return Object{}, classifyPG("read", p, err)
	}
	return Object{Data: data, Version: formatGeneration(gen)}, nil
}

// Write implements Backend.
func (b *PostgresBackend) Write(ctx context.Context, req WriteRequest) (string, error) {
	now := time.Now().UTC()

	if req.Version == "" {
		tag, err := b.pool.Exec(ctx,
			`INSERT INTO `+b.ident()+` (path, content, version, size, updated_at)
			 VALUES ($1, $2, 1, $3, $4)
			 ON CONFLICT (path) DO NOTHING`,
			req.Path, req.Data, len(req.Data), now,
		)
		if err != nil {
			return "", classifyPG("write", req.Path, err)
		}
		if tag.RowsAffected() == 0 {
			return "", fmt.Errorf("postgres write %s: %w", req.Path, ErrConflict)
		}
		return formatGeneration(1), nil
	}

	expected, err := parseGeneration(req.Version)
	if err != nil {
		return "", fmt.Errorf("postgres write %s: %w: %v", req.Path, ErrConflict, err)
	}
	var gen int64
	err = b.pool.QueryRow(ctx,
		`UPDATE `+b.ident()+`
		    SET content = $2, version = version + 1, size = $3, updated_at = $4
		  WHERE path = $1 AND version = $5
		  RETURNING version`,
		req.Path, req.Data, len(req.Data), now, expected,
	).Scan(&gen)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres write %s: %w", req.Path, ErrConflict)
	}
	if err != nil {
		return "", classifyPG("write", req.Path, err)
	}
	return formatGeneration(gen), nil
}

// Remove implements Backend.
func (b *PostgresBackend) Remove(ctx context.Context, req RemoveRequest) error {
	expected, err := parseGeneration(req.Version)
	if err != nil {
		return fmt.Errorf("postgres remove %s: %w: %v", req.Path, ErrConflict, err)
	}

	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return classifyPG("remove", req.Path, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+b.ident()+` WHERE path = $1 AND version = $2`,
		req.Path, expected,
	)
	if err != nil {
		return classifyPG("remove", req.Path, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+b.ident()+` WHERE path = $1)`, req.Path,
		).Scan(&exists); err != nil {
			return classifyPG("remove", req.Path, err)
		}
		if !exists {
			return fmt.Errorf("postgres remove %s: %w", req.Path, ErrNotFound)
		}
		return fmt.Errorf("postgres remove %s: %w", req.Path, ErrConflict)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPG("remove", req.Path, err)
	}
	return nil
}

// List implements Backend.
func (b *PostgresBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	dir := strings.Trim(prefix, "/")
	like := "%"
	if dir != "" {
		like = escapeLike(dir) + "/%"
	}

	rows, err := b.pool.Query(ctx,
		`SELECT path, size, version, updated_at FROM `+b.ident()+`
		  WHERE path LIKE $1 AND position('/' IN substr(path, $2)) = 0
		  ORDER BY path`,
		like, len(dir)+2,
	)
	if err != nil {
		return nil, classifyPG("list", prefix, err)
	}
	defer rows.Close()

	var out []ObjectInfo
	for rows.Next() {
		var (
			info    ObjectInfo
			gen     int64
			updated time.Time
		)
		if err := rows.Scan(&info.Path, &info.Size, &gen, &updated); err != nil {
			return nil, classifyPG("list", prefix, err)
		}
		info.Name = info.Path[strings.LastIndex(info.Path, "/")+1:]
		info.Version = formatGeneration(gen)
		u := updated.UTC()
		info.UpdatedAt = &u
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("list", prefix, err)
	}
	return out, nil
}

// EnsureContainer creates the schema and table when missing.
func (b *PostgresBackend) EnsureContainer(ctx context.Context) error {
	schema := pgx.Identifier{b.schema}.Sanitize()
	if _, err := b.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return classifyPG("ensure_container", b.schema, err)
	}
	if _, err := b.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+b.ident()+` (
			path       text PRIMARY KEY,
			content    bytea NOT NULL,
			version    bigint NOT NULL,
			size       integer NOT NULL,
			updated_at timestamptz NOT NULL
		)`,
	); err != nil {
		return classifyPG("ensure_container", b.table, err)
	}
	return nil
}

// Ping acquires a connection within the context deadline.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres ping: %w: %w", ErrUnavailable, err)
	}
	conn.Release()
	return nil
}

const pgUndefinedTable = "42P01"

func classifyPG(op, p string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres %s %s: %w", op, p, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("postgres %s %s: %w", op, p, ErrContainerMissing)
	}
	return fmt.Errorf("postgres %s %s: %w: %w", op, p, ErrUnavailable, err)
}

func formatGeneration(gen int64) string { return "g" + strconv.FormatInt(gen, 10) }

func parseGeneration(v string) (int64, error) {
	if !strings.HasPrefix(v, "g") {
		return 0, fmt.Errorf("malformed version %q", v)
	}
	return strconv.ParseInt(v[1:], 10, 64)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
