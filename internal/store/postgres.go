package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const connectTimeout = 10 * time.Second

// Store is the persistent title index backed by Postgres. Fuzzy matching uses
// the pg_trgm extension when the server has it; otherwise lookups degrade to
// plain ILIKE and the degradation is logged once at startup.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	trgm   bool
}

func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS titles (
		title_key         text PRIMARY KEY,
		upstream_id       text NOT NULL,
		source_kind       text NOT NULL,
		provider          text NOT NULL DEFAULT '',
		name              text NOT NULL,
		alt_titles        text[] NOT NULL DEFAULT '{}',
		description       text NOT NULL DEFAULT '',
		status            text NOT NULL DEFAULT 'unknown',
		content_rating    text NOT NULL DEFAULT 'safe',
		demographic       text NOT NULL DEFAULT '',
		original_language text NOT NULL DEFAULT '',
		content_type      text NOT NULL DEFAULT 'unknown',
		release_year      int  NOT NULL DEFAULT 0,
		last_chapter      text NOT NULL DEFAULT '',
		chapter_confidence text NOT NULL DEFAULT 'unknown',
		chapter_count     int  NOT NULL DEFAULT 0,
		cover_url         text NOT NULL DEFAULT '',
		popularity        int  NOT NULL DEFAULT 0,
		updated_at        timestamptz NOT NULL DEFAULT now(),
		indexed_at        timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		tag_id    text PRIMARY KEY,
		name      text NOT NULL,
		tag_group text NOT NULL DEFAULT 'genre'
	)`,
	`CREATE TABLE IF NOT EXISTS title_tags (
		title_key text NOT NULL REFERENCES titles(title_key) ON DELETE CASCADE,
		tag_id    text NOT NULL REFERENCES tags(tag_id) ON DELETE CASCADE,
		PRIMARY KEY (title_key, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_metadata (
		source_kind           text PRIMARY KEY,
		status                text NOT NULL DEFAULT 'idle',
		last_full_sync        timestamptz,
		last_incremental_sync timestamptz,
		total_indexed         int  NOT NULL DEFAULT 0,
		last_error            text NOT NULL DEFAULT '',
		last_provider         text NOT NULL DEFAULT '',
		last_query            text NOT NULL DEFAULT '',
		updated_at            timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_titles_source_kind ON titles (source_kind)`,
	`CREATE INDEX IF NOT EXISTS idx_titles_content_type ON titles (content_type)`,
	`CREATE INDEX IF NOT EXISTS idx_titles_popularity ON titles (popularity DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_titles_updated_at ON titles (updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_title_tags_tag ON title_tags (tag_id)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// pg_trgm needs superuser or a pre-provisioned extension. Missing it is
	// not fatal, fuzzy lookups fall back to ILIKE.
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`); err != nil {
		if !s.trgmPresent(ctx) {
			s.logger.Warn("pg_trgm unavailable, fuzzy search degrades to ILIKE", "error", err)
			s.trgm = false
			return nil
		}
	}
	s.trgm = s.trgmPresent(ctx)
	if s.trgm {
		if _, err := s.pool.Exec(ctx,
			`CREATE INDEX IF NOT EXISTS idx_titles_name_trgm ON titles USING gin (name gin_trgm_ops)`); err != nil {
			s.logger.Warn("trigram index creation failed", "error", err)
		}
	}
	return nil
}

func (s *Store) trgmPresent(ctx context.Context) bool {
	var installed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm')`).Scan(&installed)
	return err == nil && installed
}

// TrigramEnabled reports whether similarity-based fuzzy search is active.
func (s *Store) TrigramEnabled() bool {
	return s.trgm
}

func titleKey(provider, id string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + ":" + strings.TrimSpace(id)
}
