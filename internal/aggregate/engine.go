package aggregate

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/metrics"
)

// maxConcurrentProviders limits how many providers page simultaneously. Each
// provider already fans out one batch of pages, so the worst-case in-flight
// request count is maxConcurrentProviders × batch size.
const maxConcurrentProviders = 10

const (
	defaultBatchSize   = 10
	defaultMaxPages    = 50
	defaultPageTimeout = 8 * time.Second
)

// PageFetcher fetches one result page from one aggregator provider.
type PageFetcher interface {
	Name() string
	Label() string
	FetchPage(ctx context.Context, query string, page int) ([]domain.Title, error)
}

// Request is one aggregation pass. An empty Query browses each provider's
// default listing. Subtype selects the provider priority list.
type Request struct {
	Query     string
	Subtype   string
	Filters   domain.ListFilters
	Limit     int
	Offset    int
	SortBy    domain.SortBy
	SortOrder domain.SortOrder
}

type Engine struct {
	sources         map[string]PageFetcher
	priority        map[string][]string
	defaultPriority []string
	batchSize       int
	maxPages        int
	pageTimeout     time.Duration
	logger          *slog.Logger

	healthMu sync.Mutex
	health   map[string]*sourceHealth
}

type sourceHealth struct {
	lastError     string
	lastSuccessAt time.Time
	lastFailureAt time.Time
	lastLatency   time.Duration
	totalRequests int64
	totalFailures int64
}

type EngineOption func(*Engine)

// WithPriority sets the ordered provider list for one subtype. Providers not
// registered with the engine are dropped at lookup time, not here, so config
// can mention providers that are disabled in this deployment.
func WithPriority(subtype string, providerNames []string) EngineOption {
	return func(e *Engine) {
		key := strings.ToLower(strings.TrimSpace(subtype))
		if key == "" || len(providerNames) == 0 {
			return
		}
		e.priority[key] = append([]string(nil), providerNames...)
	}
}

func WithBatchSize(size int) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

func WithMaxPages(pages int) EngineOption {
	return func(e *Engine) {
		if pages > 0 {
			e.maxPages = pages
		}
	}
}

func WithPageTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.pageTimeout = timeout
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

func NewEngine(sources []PageFetcher, opts ...EngineOption) *Engine {
	registry := make(map[string]PageFetcher, len(sources))
	order := make([]string, 0, len(sources))
	for _, source := range sources {
		if source == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(source.Name()))
		if name == "" {
			continue
		}
		if _, exists := registry[name]; exists {
			continue
		}
		registry[name] = source
		order = append(order, name)
	}

	engine := &Engine{
		sources:         registry,
		priority:        make(map[string][]string),
		defaultPriority: order,
		batchSize:       defaultBatchSize,
		maxPages:        defaultMaxPages,
		pageTimeout:     defaultPageTimeout,
		logger:          slog.Default(),
		health:          make(map[string]*sourceHealth),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Aggregate runs every selected provider concurrently, pages each until a
// whole batch comes back empty (or the page ceiling is hit), dedupes on the
// composite provider:id key, post-filters, sorts, and slices the requested
// window. Partial provider failure never fails the pass; a pass where every
// provider failed yields an empty result, which is valid output.
func (e *Engine) Aggregate(ctx context.Context, request Request) domain.AggregationResult {
	selected := e.selectSources(request.Subtype)
	perProvider := make(map[string]int, len(selected))
	if len(selected) == 0 {
		return domain.AggregationResult{Items: []domain.Title{}, PerProviderCounts: perProvider}
	}

	startedAt := time.Now()
	query := strings.TrimSpace(request.Query)

	var mu sync.Mutex
	byKey := make(map[string]domain.Title)
	keyOrder := make([]string, 0, 64)

	sem := semaphore.NewWeighted(maxConcurrentProviders)
	var wg sync.WaitGroup
	for _, source := range selected {
		wg.Add(1)
		go func(current PageFetcher) {
			defer wg.Done()

			name := strings.ToLower(strings.TrimSpace(current.Name()))
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				perProvider[name] = 0
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			items := e.collectProvider(ctx, current, query)

			mu.Lock()
			perProvider[name] = len(items)
			for _, item := range items {
				key := item.Key()
				if _, exists := byKey[key]; exists {
					continue
				}
				byKey[key] = item
				keyOrder = append(keyOrder, key)
			}
			mu.Unlock()
		}(source)
	}
	wg.Wait()

	// Same title under different providers is deliberately NOT collapsed:
	// coverage beats cleanliness, and provider IDs carry no global identity.
	items := make([]domain.Title, 0, len(keyOrder))
	for _, key := range keyOrder {
		items = append(items, byKey[key])
	}
	dedupTotal := len(items)

	items = postFilter(items, request.Filters)
	sortTitles(items, request.SortBy, request.SortOrder, query != "")

	total := len(items)
	start := min(request.Offset, total)
	if start < 0 {
		start = 0
	}
	end := min(start+pageLimit(request.Limit), total)
	page := append([]domain.Title(nil), items[start:end]...)
	if page == nil {
		page = []domain.Title{}
	}

	e.logger.Info("aggregation pass completed",
		slog.String("query", query),
		slog.String("subtype", request.Subtype),
		slog.Int("providers", len(selected)),
		slog.Int("dedupTotal", dedupTotal),
		slog.Int("filteredTotal", total),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
	)

	return domain.AggregationResult{
		Items:             page,
		PerProviderCounts: perProvider,
		TotalAfterDedup:   total,
	}
}

// collectProvider pages one provider in concurrent batches of batchSize until
// a batch yields zero non-empty pages or maxPages is reached. The upstream
// hasNextPage flag is ignored: scraped sources report it unreliably, so only
// an observed empty batch terminates paging.
func (e *Engine) collectProvider(ctx context.Context, source PageFetcher, query string) []domain.Title {
	name := strings.ToLower(strings.TrimSpace(source.Name()))

	var collected []domain.Title
	for first := 1; first <= e.maxPages; first += e.batchSize {
		last := min(first+e.batchSize-1, e.maxPages)

		pages := make([][]domain.Title, last-first+1)
		var wg sync.WaitGroup
		for page := first; page <= last; page++ {
			wg.Add(1)
			go func(page int) {
				defer wg.Done()
				pages[page-first] = e.fetchPage(ctx, source, name, query, page)
			}(page)
		}
		wg.Wait()

		batchHadItems := false
		for _, items := range pages {
			if len(items) == 0 {
				continue
			}
			batchHadItems = true
			collected = append(collected, items...)
		}
		if !batchHadItems {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return collected
}

// fetchPage resolves to an empty page on any failure. Live aggregation fails
// fast; retrying failed pages is the sync engine's job.
func (e *Engine) fetchPage(ctx context.Context, source PageFetcher, name, query string, page int) []domain.Title {
	pageCtx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()

	startedAt := time.Now()
	items, err := source.FetchPage(pageCtx, query, page)
	latency := time.Since(startedAt)
	e.recordResult(name, err, latency)

	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(name, "error").Inc()
		e.logger.Warn("provider page failed, treating as empty",
			slog.String("provider", name),
			slog.Int("page", page),
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ProviderRequestsTotal.WithLabelValues(name, "ok").Inc()
	metrics.ProviderRequestDuration.WithLabelValues(name).Observe(latency.Seconds())
	return items
}

func (e *Engine) selectSources(subtype string) []PageFetcher {
	names := e.defaultPriority
	if key := strings.ToLower(strings.TrimSpace(subtype)); key != "" {
		if configured, ok := e.priority[key]; ok {
			names = configured
		}
	}

	selected := make([]PageFetcher, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		source, ok := e.sources[name]
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		selected = append(selected, source)
	}
	return selected
}

func (e *Engine) recordResult(name string, err error, latency time.Duration) {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()

	state := e.health[name]
	if state == nil {
		state = &sourceHealth{}
		e.health[name] = state
	}
	state.totalRequests++
	state.lastLatency = latency
	now := time.Now()
	if err != nil {
		state.totalFailures++
		state.lastFailureAt = now
		state.lastError = err.Error()
		return
	}
	state.lastSuccessAt = now
	state.lastError = ""
}

// Diagnostics reports per-provider request history for the operational
// endpoint.
func (e *Engine) Diagnostics() []domain.ProviderDiagnostics {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()

	items := make([]domain.ProviderDiagnostics, 0, len(e.sources))
	for name, source := range e.sources {
		item := domain.ProviderDiagnostics{
			Name:  name,
			Label: source.Label(),
			Kind:  "aggregator",
		}
		if state := e.health[name]; state != nil {
			item.LastError = state.lastError
			if !state.lastSuccessAt.IsZero() {
				at := state.lastSuccessAt
				item.LastSuccessAt = &at
			}
			if !state.lastFailureAt.IsZero() {
				at := state.lastFailureAt
				item.LastFailureAt = &at
			}
			item.LastLatencyMS = state.lastLatency.Milliseconds()
			item.TotalRequests = state.totalRequests
			item.TotalFailures = state.totalFailures
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// postFilter applies the filters the upstream search endpoints cannot
// express. When no explicit content-rating filter is present, the safe +
// suggestive default applies.
func postFilter(items []domain.Title, filters domain.ListFilters) []domain.Title {
	statusSet := make(map[domain.Status]struct{}, len(filters.Statuses))
	for _, status := range filters.Statuses {
		statusSet[status] = struct{}{}
	}

	ratings := filters.ContentRatings
	if len(ratings) == 0 {
		ratings = domain.DefaultContentRatings()
	}
	ratingSet := make(map[domain.ContentRating]struct{}, len(ratings))
	for _, rating := range ratings {
		ratingSet[rating] = struct{}{}
	}

	filtered := make([]domain.Title, 0, len(items))
	for _, item := range items {
		if len(statusSet) > 0 {
			if _, ok := statusSet[item.Status]; !ok {
				continue
			}
		}
		if _, ok := ratingSet[item.ContentRating]; !ok {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered
}

func sortTitles(items []domain.Title, sortBy domain.SortBy, sortOrder domain.SortOrder, hasQuery bool) {
	less := func(left, right domain.Title) int {
		switch sortBy {
		case domain.SortByPopularity:
			if left.Popularity != right.Popularity {
				return compareInt(left.Popularity, right.Popularity)
			}
		case domain.SortByLatest:
			if !left.UpdatedAt.Equal(right.UpdatedAt) {
				return compareTime(left.UpdatedAt, right.UpdatedAt)
			}
		case domain.SortByTitle:
			if cmp := strings.Compare(strings.ToLower(left.Name), strings.ToLower(right.Name)); cmp != 0 {
				return cmp
			}
		case domain.SortByYear:
			if left.Year != right.Year {
				return compareInt(left.Year, right.Year)
			}
		default:
			// Relevance: popularity then recency with a query, recency alone
			// when browsing.
			if hasQuery && left.Popularity != right.Popularity {
				return compareInt(left.Popularity, right.Popularity)
			}
			if !left.UpdatedAt.Equal(right.UpdatedAt) {
				return compareTime(left.UpdatedAt, right.UpdatedAt)
			}
		}
		return strings.Compare(strings.ToLower(left.Name), strings.ToLower(right.Name))
	}

	sort.SliceStable(items, func(i, j int) bool {
		cmp := less(items[i], items[j])
		if sortOrder == domain.SortOrderAsc {
			return cmp < 0
		}
		return cmp > 0
	})
}

func compareInt(left, right int) int {
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}

func compareTime(left, right time.Time) int {
	switch {
	case left.Before(right):
		return -1
	case left.After(right):
		return 1
	default:
		return 0
	}
}
