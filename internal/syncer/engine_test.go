package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/providers/mangadex"
	"mangastream/catalogservice/internal/providers/mirrorhub"
	"mangastream/catalogservice/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	syncing     map[domain.SourceKind]bool
	meta        map[domain.SourceKind]domain.SyncMetadata
	upserted    [][]domain.Title
	upsertFails int
	checkpoints [][2]string
	finishErr   error
	finishFull  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		syncing: make(map[domain.SourceKind]bool),
		meta:    make(map[domain.SourceKind]domain.SyncMetadata),
	}
}

func (f *fakeStore) UpsertTitles(_ context.Context, titles []domain.Title) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertFails > 0 && len(f.upserted) >= f.upsertFails {
		return 0, errors.New("disk full")
	}
	f.upserted = append(f.upserted, append([]domain.Title(nil), titles...))
	return len(titles), nil
}

func (f *fakeStore) SyncMetadata(_ context.Context, kind domain.SourceKind) (domain.SyncMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta := f.meta[kind]
	meta.SourceKind = kind
	return meta, nil
}

func (f *fakeStore) ClaimSync(_ context.Context, kind domain.SourceKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncing[kind] {
		return store.ErrSyncInProgress
	}
	f.syncing[kind] = true
	return nil
}

func (f *fakeStore) FinishSync(_ context.Context, kind domain.SourceKind, full bool, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncing[kind] = false
	f.finishErr = runErr
	f.finishFull = full
	return nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, _ domain.SourceKind, provider, query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, [2]string{provider, query})
	return nil
}

func (f *fakeStore) totalUpserted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, batch := range f.upserted {
		n += len(batch)
	}
	return n
}

type fakeCanonical struct {
	total    int
	failures int
	calls    int
	statsErr error
}

func (f *fakeCanonical) Count(context.Context) (int, error) {
	return f.total, nil
}

func (f *fakeCanonical) List(_ context.Context, q mangadex.ListQuery) ([]domain.Title, int, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, 0, errors.New("canonical upstream HTTP 503: unavailable")
	}
	remaining := f.total - q.Offset
	if remaining <= 0 {
		return nil, f.total, nil
	}
	size := min(q.Limit, remaining)
	batch := make([]domain.Title, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, domain.Title{
			ID:         fmt.Sprintf("canon-%d", q.Offset+i),
			SourceKind: domain.SourceKindCanonical,
			Name:       "Canon",
		})
	}
	return batch, f.total, nil
}

func (f *fakeCanonical) Statistics(_ context.Context, ids []string) (map[string]domain.ChapterCount, map[string]int, error) {
	if f.statsErr != nil {
		return nil, nil, f.statsErr
	}
	chapters := make(map[string]domain.ChapterCount, len(ids))
	follows := make(map[string]int, len(ids))
	for _, id := range ids {
		chapters[id] = domain.ExactChapters(12)
		follows[id] = 777
	}
	return chapters, follows, nil
}

type fakeHub struct {
	pagesPerQuery int
	requests      [][3]string
}

func (f *fakeHub) SearchPage(_ context.Context, provider, query string, page int) (mirrorhub.Page, error) {
	f.requests = append(f.requests, [3]string{provider, query, fmt.Sprint(page)})
	if page > f.pagesPerQuery {
		return mirrorhub.Page{}, nil
	}
	return mirrorhub.Page{Results: []domain.Title{{
		ID:         fmt.Sprintf("%s-%s-%d", provider, query, page),
		SourceKind: domain.SourceKindAggregator,
		Provider:   provider,
		Name:       "Hub",
	}}}, nil
}

func fastOpts(extra ...EngineOption) []EngineOption {
	opts := []EngineOption{
		WithBatchInterval(time.Millisecond),
		WithRetry(RetryConfig{MaxRetries: 3, BackoffStep: time.Millisecond, RateLimitWait: time.Millisecond}),
	}
	return append(opts, extra...)
}

func TestTriggerRejectsConcurrentSync(t *testing.T) {
	st := newFakeStore()
	st.syncing[domain.SourceKindCanonical] = true
	engine := NewEngine(st, &fakeCanonical{}, &fakeHub{}, fastOpts()...)

	if _, err := engine.Trigger(context.Background(), domain.SourceKindCanonical, true); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestFullCanonicalSync(t *testing.T) {
	st := newFakeStore()
	canonical := &fakeCanonical{total: 250}
	var progress []int
	engine := NewEngine(st, canonical, &fakeHub{}, fastOpts(
		WithBatchSize(100),
		WithProgress(func(_ domain.SourceKind, processed, total int) {
			progress = append(progress, processed)
			if total != 250 {
				t.Errorf("progress total should come from the size probe, got %d", total)
			}
		}),
	)...)

	task, err := engine.Trigger(context.Background(), domain.SourceKindCanonical, true)
	if err != nil {
		t.Fatalf("trigger error: %v", err)
	}
	<-task.Done()
	if task.Err() != nil {
		t.Fatalf("sync error: %v", task.Err())
	}

	if got := st.totalUpserted(); got != 250 {
		t.Fatalf("expected all 250 titles upserted, got %d", got)
	}
	if len(progress) != 3 {
		t.Fatalf("expected a progress report per batch, got %v", progress)
	}
	// Statistics enrichment replaced estimates with exact counts.
	first := st.upserted[0][0]
	if first.TotalChapters != domain.ExactChapters(12) || first.Popularity != 777 {
		t.Fatalf("statistics not applied: %+v", first)
	}
	if !st.finishFull || st.finishErr != nil {
		t.Fatalf("unexpected finish state: full=%v err=%v", st.finishFull, st.finishErr)
	}
}

func TestPartialBatchDurability(t *testing.T) {
	st := newFakeStore()
	st.upsertFails = 1 // first batch commits, second fails
	engine := NewEngine(st, &fakeCanonical{total: 250}, &fakeHub{}, fastOpts(WithBatchSize(100))...)

	task, err := engine.Trigger(context.Background(), domain.SourceKindCanonical, true)
	if err != nil {
		t.Fatalf("trigger error: %v", err)
	}
	<-task.Done()

	if task.Err() == nil {
		t.Fatal("expected the run to fail")
	}
	if got := st.totalUpserted(); got != 100 {
		t.Fatalf("first batch must stay committed, got %d titles", got)
	}
	if st.finishErr == nil {
		t.Fatal("failure must be recorded in the metadata row")
	}

	// The claim is released, a new sync can start.
	if _, err := engine.Trigger(context.Background(), domain.SourceKindCanonical, true); err != nil {
		t.Fatalf("claim not released after failure: %v", err)
	}
}

func TestCanonicalSyncRetriesTransientFailures(t *testing.T) {
	st := newFakeStore()
	canonical := &fakeCanonical{total: 50, failures: 2}
	engine := NewEngine(st, canonical, &fakeHub{}, fastOpts(WithBatchSize(100))...)

	task, err := engine.Trigger(context.Background(), domain.SourceKindCanonical, true)
	if err != nil {
		t.Fatalf("trigger error: %v", err)
	}
	<-task.Done()
	if task.Err() != nil {
		t.Fatalf("transient failures within budget must not fail the run: %v", task.Err())
	}
	if st.totalUpserted() != 50 {
		t.Fatalf("expected 50 titles, got %d", st.totalUpserted())
	}
}

func TestAggregatorSyncCheckpoints(t *testing.T) {
	st := newFakeStore()
	hub := &fakeHub{pagesPerQuery: 2}
	engine := NewEngine(st, &fakeCanonical{}, hub, fastOpts(
		WithProviders([]string{"flamescans", "toonily"}),
		WithSeedQueries([]string{"", "action"}),
	)...)

	task, err := engine.Trigger(context.Background(), domain.SourceKindAggregator, true)
	if err != nil {
		t.Fatalf("trigger error: %v", err)
	}
	<-task.Done()
	if task.Err() != nil {
		t.Fatalf("sync error: %v", task.Err())
	}

	want := [][2]string{
		{"flamescans", ""}, {"flamescans", "action"},
		{"toonily", ""}, {"toonily", "action"},
	}
	if len(st.checkpoints) != len(want) {
		t.Fatalf("expected a checkpoint per (provider, query), got %v", st.checkpoints)
	}
	for i, cp := range st.checkpoints {
		if cp != want[i] {
			t.Fatalf("checkpoint %d = %v, want %v", i, cp, want[i])
		}
	}
	// 2 providers x 2 queries x 2 non-empty pages.
	if st.totalUpserted() != 8 {
		t.Fatalf("expected 8 titles, got %d", st.totalUpserted())
	}
}

func TestAggregatorSyncResumesFromCheckpoint(t *testing.T) {
	st := newFakeStore()
	st.meta[domain.SourceKindAggregator] = domain.SyncMetadata{
		LastProvider: "flamescans",
		LastQuery:    "",
	}
	hub := &fakeHub{pagesPerQuery: 1}
	engine := NewEngine(st, &fakeCanonical{}, hub, fastOpts(
		WithProviders([]string{"flamescans", "toonily"}),
		WithSeedQueries([]string{"", "action"}),
	)...)

	task, err := engine.Trigger(context.Background(), domain.SourceKindAggregator, false)
	if err != nil {
		t.Fatalf("trigger error: %v", err)
	}
	<-task.Done()
	if task.Err() != nil {
		t.Fatalf("sync error: %v", task.Err())
	}

	// flamescans/"" was already checkpointed; the resumed run continues with
	// flamescans/action and everything after it.
	want := [][2]string{
		{"flamescans", "action"},
		{"toonily", ""}, {"toonily", "action"},
	}
	if len(st.checkpoints) != len(want) {
		t.Fatalf("unexpected checkpoints: %v", st.checkpoints)
	}
	for i, cp := range st.checkpoints {
		if cp != want[i] {
			t.Fatalf("checkpoint %d = %v, want %v", i, cp, want[i])
		}
	}
}

func TestIncrementalSince(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	full := now.Add(-48 * time.Hour)
	incremental := now.Add(-2 * time.Hour)

	got := incrementalSince(domain.SyncMetadata{LastFullSync: &full, LastIncrementalSync: &incremental}, now)
	if !got.Equal(incremental) {
		t.Fatalf("expected the later timestamp, got %v", got)
	}

	got = incrementalSince(domain.SyncMetadata{LastFullSync: &full}, now)
	if !got.Equal(full) {
		t.Fatalf("expected last full sync, got %v", got)
	}

	got = incrementalSince(domain.SyncMetadata{}, now)
	if !got.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("expected 24h lookback default, got %v", got)
	}
}
