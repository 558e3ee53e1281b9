package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres backs the document store with a single jsonb table. The
// create-if-absent primitive is INSERT ... ON CONFLICT DO NOTHING on the
// path primary key.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a Postgres connection with sane pool defaults and
// ensures the documents table exists.
func NewPostgres(connString string) (*Postgres, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ReadAt(ctx context.Context, path string, out any) (bool, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = $1`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, json.Unmarshal(data, out)
}

func (p *Postgres) WriteIfAbsent(ctx context.Context, path string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (path, data)
		VALUES ($1, $2)
		ON CONFLICT (path) DO NOTHING
	`, path, data)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) Write(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (path, data)
		VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT path FROM documents WHERE path LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Subscribe is not supported on Postgres; the decision logic never
// subscribes, only presentation layers do, and those deploy against redis or
// firestore.
func (p *Postgres) Subscribe(context.Context, string, func(data []byte)) (func(), error) {
	return nil, ErrSubscribeUnsupported
}
