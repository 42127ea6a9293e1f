package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/metrics"
	"mangastream/catalogservice/internal/providers/mangadex"
	"mangastream/catalogservice/internal/providers/mirrorhub"
	"mangastream/catalogservice/internal/store"
)

// ErrSyncInProgress mirrors the store sentinel so API callers only need this
// package to map the conflict case.
var ErrSyncInProgress = store.ErrSyncInProgress

const (
	defaultBatchSize       = 100
	defaultBatchInterval   = 500 * time.Millisecond
	incrementalPageCeiling = 50
	aggregatorPageCeiling  = 50
	incrementalLookback    = 24 * time.Hour
)

// Store is the persistence surface the sync engine drives.
type Store interface {
	UpsertTitles(ctx context.Context, titles []domain.Title) (int, error)
	SyncMetadata(ctx context.Context, kind domain.SourceKind) (domain.SyncMetadata, error)
	ClaimSync(ctx context.Context, kind domain.SourceKind) error
	FinishSync(ctx context.Context, kind domain.SourceKind, full bool, runErr error) error
	SaveCheckpoint(ctx context.Context, kind domain.SourceKind, provider, query string) error
}

// CanonicalSource is the canonical upstream as the sync engine sees it.
type CanonicalSource interface {
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, q mangadex.ListQuery) ([]domain.Title, int, error)
	Statistics(ctx context.Context, ids []string) (map[string]domain.ChapterCount, map[string]int, error)
}

// AggregatorSource is the per-provider aggregator hub.
type AggregatorSource interface {
	SearchPage(ctx context.Context, provider, query string, page int) (mirrorhub.Page, error)
}

// ProgressFunc is called after every committed batch.
type ProgressFunc func(kind domain.SourceKind, processed, total int)

// Task is the handle for one running sync: started, never awaited by the
// trigger request. Err is only meaningful once Done is closed.
type Task struct {
	Kind      domain.SourceKind
	Full      bool
	StartedAt time.Time

	done chan struct{}
	err  error
}

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Engine runs background synchronization of the persistent index. Batches are
// fetched sequentially per run to respect upstream quotas; mutual exclusion
// per source kind is enforced by the store's atomic claim.
type Engine struct {
	store     Store
	canonical CanonicalSource
	hub       AggregatorSource

	providers   []string
	seedQueries []string
	batchSize   int
	limiter     *rate.Limiter
	retry       RetryConfig
	progress    ProgressFunc
	logger      *slog.Logger

	mu    sync.Mutex
	tasks map[domain.SourceKind]*Task
}

type EngineOption func(*Engine)

func WithBatchSize(size int) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

func WithBatchInterval(interval time.Duration) EngineOption {
	return func(e *Engine) {
		if interval > 0 {
			e.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

func WithRetry(cfg RetryConfig) EngineOption {
	return func(e *Engine) { e.retry = cfg }
}

func WithProgress(fn ProgressFunc) EngineOption {
	return func(e *Engine) { e.progress = fn }
}

func WithProviders(providers []string) EngineOption {
	return func(e *Engine) { e.providers = providers }
}

func WithSeedQueries(queries []string) EngineOption {
	return func(e *Engine) {
		if len(queries) > 0 {
			e.seedQueries = queries
		}
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEngine(st Store, canonical CanonicalSource, hub AggregatorSource, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       st,
		canonical:   canonical,
		hub:         hub,
		seedQueries: []string{""},
		batchSize:   defaultBatchSize,
		limiter:     rate.NewLimiter(rate.Every(defaultBatchInterval), 1),
		retry:       DefaultRetryConfig(),
		logger:      slog.Default(),
		tasks:       make(map[domain.SourceKind]*Task),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger claims the source kind and starts the run in the background. The
// returned Task is already running; the conflict case surfaces as
// ErrSyncInProgress before anything starts.
func (e *Engine) Trigger(ctx context.Context, kind domain.SourceKind, full bool) (*Task, error) {
	switch kind {
	case domain.SourceKindCanonical, domain.SourceKindAggregator:
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}

	if err := e.store.ClaimSync(ctx, kind); err != nil {
		return nil, err
	}

	task := &Task{Kind: kind, Full: full, StartedAt: time.Now(), done: make(chan struct{})}
	e.mu.Lock()
	e.tasks[kind] = task
	e.mu.Unlock()

	// The run outlives the triggering request on purpose.
	go e.run(context.WithoutCancel(ctx), task)
	return task, nil
}

// Status reports the metadata row plus whether a task is live in-process.
func (e *Engine) Status(ctx context.Context, kind domain.SourceKind) (domain.SyncMetadata, error) {
	return e.store.SyncMetadata(ctx, kind)
}

func (e *Engine) run(ctx context.Context, task *Task) {
	defer close(task.done)

	start := time.Now()
	e.logger.Info("sync started", "kind", task.Kind, "full", task.Full)

	var runErr error
	if task.Kind == domain.SourceKindCanonical {
		runErr = e.runCanonical(ctx, task.Full)
	} else {
		runErr = e.runAggregator(ctx, task.Full)
	}

	if err := e.store.FinishSync(ctx, task.Kind, task.Full, runErr); err != nil {
		e.logger.Error("sync finalization failed", "kind", task.Kind, "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	task.err = runErr

	if runErr != nil {
		e.logger.Error("sync failed", "kind", task.Kind, "full", task.Full,
			"elapsed", time.Since(start), "error", runErr)
		return
	}

	syncType := "incremental"
	if task.Full {
		syncType = "full"
	}
	metrics.SyncLastSuccess.WithLabelValues(string(task.Kind), syncType).SetToCurrentTime()
	if meta, err := e.store.SyncMetadata(ctx, task.Kind); err == nil {
		metrics.SyncIndexedTitles.WithLabelValues(string(task.Kind)).Set(float64(meta.TotalIndexed))
	}
	e.logger.Info("sync finished", "kind", task.Kind, "full", task.Full, "elapsed", time.Since(start))
}

func (e *Engine) runCanonical(ctx context.Context, full bool) error {
	var since *time.Time
	total := 0

	if full {
		err := retryCall(ctx, e.retry, func() error {
			var probeErr error
			total, probeErr = e.canonical.Count(ctx)
			return probeErr
		})
		if err != nil {
			return fmt.Errorf("size probe: %w", err)
		}
	} else {
		meta, err := e.store.SyncMetadata(ctx, domain.SourceKindCanonical)
		if err != nil {
			return err
		}
		since = incrementalSince(meta, time.Now())
	}

	processed := 0
	for page := 0; ; page++ {
		if !full && page >= incrementalPageCeiling {
			e.logger.Warn("incremental sync hit page ceiling", "pages", page)
			break
		}

		var batch []domain.Title
		err := retryCall(ctx, e.retry, func() error {
			var fetchErr error
			batch, _, fetchErr = e.canonical.List(ctx, mangadex.ListQuery{
				Limit:        e.batchSize,
				Offset:       processed,
				UpdatedSince: since,
				SortBy:       domain.SortByLatest,
				SortOrder:    domain.SortOrderAsc,
			})
			return fetchErr
		})
		if err != nil {
			metrics.SyncBatchesTotal.WithLabelValues(string(domain.SourceKindCanonical), "error").Inc()
			return fmt.Errorf("fetch batch at offset %d: %w", processed, err)
		}
		if len(batch) == 0 {
			break
		}

		e.enrichStatistics(ctx, batch)
		if _, err := e.store.UpsertTitles(ctx, batch); err != nil {
			metrics.SyncBatchesTotal.WithLabelValues(string(domain.SourceKindCanonical), "error").Inc()
			return fmt.Errorf("upsert batch at offset %d: %w", processed, err)
		}
		processed += len(batch)
		metrics.SyncBatchesTotal.WithLabelValues(string(domain.SourceKindCanonical), "ok").Inc()
		if e.progress != nil {
			e.progress(domain.SourceKindCanonical, processed, total)
		}

		if full && processed >= total {
			break
		}
		if len(batch) < e.batchSize {
			break
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// enrichStatistics upgrades estimated chapter counts to exact ones and fills
// popularity from follow counts. A statistics failure degrades the batch, it
// never fails the run.
func (e *Engine) enrichStatistics(ctx context.Context, batch []domain.Title) {
	ids := make([]string, 0, len(batch))
	for _, title := range batch {
		ids = append(ids, title.ID)
	}
	chapters, follows, err := e.canonical.Statistics(ctx, ids)
	if err != nil {
		e.logger.Warn("statistics enrichment failed", "error", err)
		return
	}
	for i := range batch {
		if count, ok := chapters[batch[i].ID]; ok {
			batch[i].TotalChapters = count
		}
		if f, ok := follows[batch[i].ID]; ok {
			batch[i].Popularity = f
		}
	}
}

func (e *Engine) runAggregator(ctx context.Context, full bool) error {
	resumeProvider, resumeQuery := "", ""
	if !full {
		meta, err := e.store.SyncMetadata(ctx, domain.SourceKindAggregator)
		if err != nil {
			return err
		}
		resumeProvider, resumeQuery = meta.LastProvider, meta.LastQuery
	}

	processed := 0
	skippingProviders := resumeProvider != ""
	for _, provider := range e.providers {
		if skippingProviders {
			if provider != resumeProvider {
				continue
			}
			skippingProviders = false
		}

		// On the checkpointed provider, everything up to and including the
		// checkpointed query is already committed; resume after it.
		skippingQueries := provider == resumeProvider
		for _, query := range e.seedQueries {
			if skippingQueries {
				if query == resumeQuery {
					skippingQueries = false
				}
				continue
			}

			count, err := e.syncProviderQuery(ctx, provider, query)
			processed += count
			if err != nil {
				return fmt.Errorf("provider %s query %q: %w", provider, query, err)
			}
			if err := e.store.SaveCheckpoint(ctx, domain.SourceKindAggregator, provider, query); err != nil {
				return err
			}
			if e.progress != nil {
				e.progress(domain.SourceKindAggregator, processed, 0)
			}
		}
	}
	return nil
}

// syncProviderQuery walks one provider's pages for one seed query until an
// empty page or the page ceiling. Each page is committed before the next is
// fetched, so interruption keeps everything already written.
func (e *Engine) syncProviderQuery(ctx context.Context, provider, query string) (int, error) {
	written := 0
	for page := 1; page <= aggregatorPageCeiling; page++ {
		var result mirrorhub.Page
		err := retryCall(ctx, e.retry, func() error {
			var fetchErr error
			result, fetchErr = e.hub.SearchPage(ctx, provider, query, page)
			return fetchErr
		})
		if err != nil {
			metrics.SyncBatchesTotal.WithLabelValues(string(domain.SourceKindAggregator), "error").Inc()
			return written, err
		}
		if len(result.Results) == 0 {
			break
		}

		if _, err := e.store.UpsertTitles(ctx, result.Results); err != nil {
			metrics.SyncBatchesTotal.WithLabelValues(string(domain.SourceKindAggregator), "error").Inc()
			return written, err
		}
		written += len(result.Results)
		metrics.SyncBatchesTotal.WithLabelValues(string(domain.SourceKindAggregator), "ok").Inc()

		if err := e.limiter.Wait(ctx); err != nil {
			return written, err
		}
	}
	return written, nil
}

// incrementalSince picks the later of the two sync timestamps, defaulting to
// a 24h lookback when the index has never synced.
func incrementalSince(meta domain.SyncMetadata, now time.Time) *time.Time {
	var since time.Time
	if meta.LastFullSync != nil {
		since = *meta.LastFullSync
	}
	if meta.LastIncrementalSync != nil && meta.LastIncrementalSync.After(since) {
		since = *meta.LastIncrementalSync
	}
	if since.IsZero() {
		since = now.Add(-incrementalLookback)
	}
	return &since
}
