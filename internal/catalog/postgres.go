package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    id         TEXT PRIMARY KEY,
    device     TEXT NOT NULL,
    kind       TEXT NOT NULL,
    filename   TEXT NOT NULL,
    path       TEXT NOT NULL UNIQUE,
    format     TEXT NOT NULL DEFAULT '',
    size_bytes BIGINT NOT NULL DEFAULT 0,
    duration_s DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS artifacts_kind_created_idx ON artifacts (kind, created_at DESC);
`

// Postgres is the database-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL, verifies connectivity and ensures the
// artifacts table exists.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// Add indexes one artifact.
func (p *Postgres) Add(ctx context.Context, a Artifact) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO artifacts (id, device, kind, filename, path, format, size_bytes, duration_s, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (path) DO UPDATE
		SET size_bytes = EXCLUDED.size_bytes, duration_s = EXCLUDED.duration_s`,
		a.ID, a.Device, string(a.Kind), a.Filename, a.Path, a.Format, a.SizeBytes, a.Duration, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("catalog: add %s: %w", a.Filename, err)
	}
	return nil
}

// List returns a page of artifacts, newest first, plus the total count.
func (p *Postgres) List(ctx context.Context, kind Kind, limit, offset int) ([]Artifact, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM artifacts WHERE kind = $1`, string(kind)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("catalog: count: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, device, kind, filename, path, format, size_bytes, duration_s, created_at
		FROM artifacts WHERE kind = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, string(kind), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var k string
		if err := rows.Scan(&a.ID, &a.Device, &k, &a.Filename, &a.Path, &a.Format, &a.SizeBytes, &a.Duration, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("catalog: scan: %w", err)
		}
		a.Kind = Kind(k)
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Remove drops the artifact indexed under path.
func (p *Postgres) Remove(ctx context.Context, path string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM artifacts WHERE path = $1`, path); err != nil {
		return fmt.Errorf("catalog: remove %s: %w", path, err)
	}
	return nil
}
