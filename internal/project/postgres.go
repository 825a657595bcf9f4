package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    width       INTEGER NOT NULL,
    height      INTEGER NOT NULL,
    fps         DOUBLE PRECISION NOT NULL,
    duration    DOUBLE PRECISION NOT NULL,
    layers      JSONB NOT NULL DEFAULT '[]'::jsonb,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresRepository reads projects from the editor database.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a pool for dsn.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres project dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres project config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres project pool: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// EnsureSchema creates the projects table when it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*model.Project, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, name, width, height, fps, duration, layers, updated_at
FROM projects
WHERE id = $1
`, id)

	var (
		p      model.Project
		layers []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Width, &p.Height, &p.FPS, &p.Duration, &layers, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("project", id)
		}
		return nil, apperr.Wrap(err, "project.get", "failed to load project")
	}
	if err := json.Unmarshal(layers, &p.Layers); err != nil {
		return nil, apperr.Wrap(err, "project.get", "failed to decode project layers")
	}
	return &p, nil
}

// Save upserts p. The render path never writes; this serves seeding and the CLI.
func (r *PostgresRepository) Save(ctx context.Context, p *model.Project) error {
	layers, err := json.Marshal(p.Layers)
	if err != nil {
		return fmt.Errorf("marshal project layers: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO projects (id, name, width, height, fps, duration, layers, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    width = EXCLUDED.width,
    height = EXCLUDED.height,
    fps = EXCLUDED.fps,
    duration = EXCLUDED.duration,
    layers = EXCLUDED.layers,
    updated_at = now()
`, p.ID, p.Name, p.Width, p.Height, p.FPS, p.Duration, layers)
	return err
}
