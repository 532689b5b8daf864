package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"markerengine/internal/types"
)

// PostgresSource reads marker documents from a jsonb document table.
// The engine only ever reads; writes go through whatever operational
// tooling owns the table.
type PostgresSource struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresSource(dsn string) (*PostgresSource, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresSource{db: db}, nil
}

func (s *PostgresSource) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS marker_definitions (
    id         TEXT PRIMARY KEY,
    doc        JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	})
	return s.schemaErr
}

func (s *PostgresSource) Fetch(ctx context.Context) ([]types.MarkerDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("postgres source is not initialized")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM marker_definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MarkerDefinition
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var doc markerDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("marker %s: %w", id, err)
		}
		def := doc.definition()
		if def.ID == "" {
			def.ID = id
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *PostgresSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
