package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mangastream/catalogservice/internal/domain"
)

// ErrSyncInProgress is returned when a claim races a sync that already holds
// the syncing state for that source kind.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncMetadata reads the singleton row for one source kind. A missing row
// reports an idle, never-synced state.
func (s *Store) SyncMetadata(ctx context.Context, kind domain.SourceKind) (domain.SyncMetadata, error) {
	meta := domain.SyncMetadata{SourceKind: kind, Status: domain.SyncIdle}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status, last_full_sync, last_incremental_sync, total_indexed,
		       last_error, last_provider, last_query
		FROM sync_metadata WHERE source_kind = $1`, string(kind)).
		Scan(&status, &meta.LastFullSync, &meta.LastIncrementalSync, &meta.TotalIndexed,
			&meta.LastError, &meta.LastProvider, &meta.LastQuery)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta, nil
		}
		return meta, fmt.Errorf("read sync metadata: %w", err)
	}
	meta.Status = domain.SyncStatus(status)
	return meta, nil
}

// ClaimSync atomically flips the source kind's row into the syncing state.
// The conditional update is the mutual-exclusion point: exactly one caller
// wins when two trigger requests race.
func (s *Store) ClaimSync(ctx context.Context, kind domain.SourceKind) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_metadata (source_kind, status, updated_at)
		VALUES ($1, 'syncing', now())
		ON CONFLICT (source_kind) DO UPDATE
			SET status = 'syncing', last_error = '', updated_at = now()
			WHERE sync_metadata.status <> 'syncing'`, string(kind))
	if err != nil {
		return fmt.Errorf("claim sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSyncInProgress
	}
	return nil
}

// FinishSync releases the claim. Partial progress stays visible: the indexed
// total is recomputed from the table, so a run that failed halfway still
// reports what it managed to write.
func (s *Store) FinishSync(ctx context.Context, kind domain.SourceKind, full bool, runErr error) error {
	status := string(domain.SyncIdle)
	lastError := ""
	if runErr != nil {
		status = string(domain.SyncError)
		lastError = runErr.Error()
	}

	now := time.Now().UTC()
	var fullAt, incrementalAt *time.Time
	if runErr == nil {
		if full {
			fullAt = &now
		} else {
			incrementalAt = &now
		}
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE sync_metadata SET
			status = $2,
			last_error = $3,
			total_indexed = (SELECT COUNT(*) FROM titles WHERE source_kind = $1),
			last_full_sync = COALESCE($4, last_full_sync),
			last_incremental_sync = COALESCE($5, last_incremental_sync),
			last_provider = CASE WHEN $6 THEN '' ELSE last_provider END,
			last_query = CASE WHEN $6 THEN '' ELSE last_query END,
			updated_at = now()
		WHERE source_kind = $1`,
		string(kind), status, lastError, fullAt, incrementalAt, runErr == nil)
	if err != nil {
		return fmt.Errorf("finish sync: %w", err)
	}
	return nil
}

// SaveCheckpoint records where an aggregator run got to, so the next run can
// resume from that provider and seed query instead of starting over.
func (s *Store) SaveCheckpoint(ctx context.Context, kind domain.SourceKind, provider, query string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_metadata SET last_provider = $2, last_query = $3, updated_at = now()
		WHERE source_kind = $1`, string(kind), provider, query)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ResetStaleSync recovers rows left in the syncing state by a crashed process.
// Called once at startup before the sync engine accepts triggers.
func (s *Store) ResetStaleSync(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_metadata SET status = 'error', last_error = 'interrupted by restart', updated_at = now()
		WHERE status = 'syncing'`)
	if err != nil {
		return fmt.Errorf("reset stale sync: %w", err)
	}
	return nil
}
