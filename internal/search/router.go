package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"mangastream/catalogservice/internal/aggregate"
	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/metrics"
	"mangastream/catalogservice/internal/normalize"
	"mangastream/catalogservice/internal/providers/mangadex"
)

var (
	ErrInvalidOffset = errors.New("offset must be >= 0")
	ErrInvalidLimit  = errors.New("limit must be >= 0")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	defaultLiveCacheTTL = 10 * time.Minute
)

// Indexer is the persistent-index side of the waterfall.
type Indexer interface {
	List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error)
	SearchFuzzy(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error)
}

// Canonical is the live canonical upstream.
type Canonical interface {
	List(ctx context.Context, q mangadex.ListQuery) ([]domain.Title, int, error)
}

// Aggregator is the live multi-provider aggregation engine.
type Aggregator interface {
	Aggregate(ctx context.Context, req aggregate.Request) domain.AggregationResult
}

// Router resolves a list request through the fallback waterfall. Canonical
// section: index when populated, otherwise the live canonical client.
// Aggregator section: fuzzy index first, live aggregation when that yields
// nothing, and as a last resort the canonical provider restricted to the
// subtype's languages, so a query never hard-fails to empty while any source
// still has data.
type Router struct {
	index        Indexer
	canonical    Canonical
	aggregator   Aggregator
	availability Availability
	cache        *RedisCacheBackend
	cacheTTL     time.Duration
	noCache      bool
	logger       *slog.Logger
}

type RouterOption func(*Router)

func WithLiveCache(backend *RedisCacheBackend, ttl time.Duration) RouterOption {
	return func(r *Router) {
		r.cache = backend
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

func WithCacheDisabled(disabled bool) RouterOption {
	return func(r *Router) {
		r.noCache = disabled
	}
}

func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRouter(index Indexer, canonical Canonical, aggregator Aggregator, availability Availability, opts ...RouterOption) *Router {
	r := &Router{
		index:        index,
		canonical:    canonical,
		aggregator:   aggregator,
		availability: availability,
		cacheTTL:     defaultLiveCacheTTL,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve answers one list request. Read-only: nothing here mutates the
// index.
func (r *Router) Resolve(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.Offset < 0 {
		return domain.ListResponse{}, ErrInvalidOffset
	}
	if req.Limit < 0 {
		return domain.ListResponse{}, ErrInvalidLimit
	}
	if req.Limit == 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}
	req.SortBy = domain.NormalizeSortBy(string(req.SortBy))
	req.SortOrder = domain.NormalizeSortOrder(string(req.SortOrder), req.SortBy)
	if req.Section == "" {
		req.Section = inferSection(req)
	}

	if req.Section == domain.SectionCanonical {
		return r.resolveCanonical(ctx, req)
	}
	return r.resolveAggregator(ctx, req)
}

// inferSection handles requests that predate the explicit section parameter:
// a subtype points at the aggregator catalogs, Korean or Chinese language
// filters do too, anything else stays canonical.
func inferSection(req domain.ListRequest) domain.Section {
	if strings.TrimSpace(req.Subtype) != "" {
		return domain.SectionAggregator
	}
	for _, lang := range req.Filters.Languages {
		switch normalize.Language(lang) {
		case "ko", "zh":
			return domain.SectionAggregator
		}
	}
	return domain.SectionCanonical
}

func (r *Router) resolveCanonical(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if r.availability.IndexPopulated(ctx, domain.SourceKindCanonical) {
		resp, err := r.index.List(ctx, req)
		if err == nil {
			metrics.SearchFallbacksTotal.WithLabelValues(string(domain.ResultSourceIndex)).Inc()
			return resp, nil
		}
		r.logger.Warn("index query failed, falling back to live canonical", "error", err)
	}
	return r.liveCanonical(ctx, req, nil, domain.ResultSourceLiveCanonical)
}

func (r *Router) resolveAggregator(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if r.availability.IndexPopulated(ctx, domain.SourceKindAggregator) {
		resp, err := r.index.SearchFuzzy(ctx, req)
		if err != nil {
			r.logger.Warn("fuzzy index query failed, falling back to live aggregation", "error", err)
		} else if resp.Total > 0 {
			metrics.SearchFallbacksTotal.WithLabelValues(string(domain.ResultSourceIndex)).Inc()
			return resp, nil
		}
	}

	if resp, ok := r.cacheLookup(ctx, req); ok {
		return resp, nil
	}

	result := r.aggregator.Aggregate(ctx, aggregate.Request{
		Query:     req.Query,
		Subtype:   req.Subtype,
		Filters:   req.Filters,
		Limit:     req.Limit,
		Offset:    req.Offset,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
	})
	if result.TotalAfterDedup > 0 {
		resp := domain.ListResponse{
			Items:      result.Items,
			Total:      result.TotalAfterDedup,
			Limit:      req.Limit,
			Offset:     req.Offset,
			TotalPages: pages(result.TotalAfterDedup, req.Limit),
			Source:     domain.ResultSourceLiveAggregator,
		}
		metrics.SearchFallbacksTotal.WithLabelValues(string(domain.ResultSourceLiveAggregator)).Inc()
		r.cacheStore(ctx, req, resp)
		return resp, nil
	}

	// Last tier: the canonical provider, constrained to the languages the
	// requested subtype implies. Purity traded for never returning a hard
	// empty when data might exist.
	languages := normalize.SubtypeLanguages(req.Subtype)
	return r.liveCanonical(ctx, req, languages, domain.ResultSourceCanonicalFallback)
}

func (r *Router) liveCanonical(ctx context.Context, req domain.ListRequest, languages []string, source domain.ResultSource) (domain.ListResponse, error) {
	if len(languages) == 0 {
		languages = req.Filters.Languages
	}
	items, total, err := r.canonical.List(ctx, mangadex.ListQuery{
		Query:          req.Query,
		Limit:          req.Limit,
		Offset:         req.Offset,
		Statuses:       req.Filters.Statuses,
		ContentRatings: req.Filters.ContentRatings,
		Languages:      languages,
		IncludeTags:    req.Filters.IncludeTags,
		ExcludeTags:    req.Filters.ExcludeTags,
		SortBy:         req.SortBy,
		SortOrder:      req.SortOrder,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}
	metrics.SearchFallbacksTotal.WithLabelValues(string(source)).Inc()
	return domain.ListResponse{
		Items:      items,
		Total:      total,
		Limit:      req.Limit,
		Offset:     req.Offset,
		TotalPages: pages(total, req.Limit),
		Source:     source,
	}, nil
}

func (r *Router) cacheLookup(ctx context.Context, req domain.ListRequest) (domain.ListResponse, bool) {
	if r.cache == nil || r.noCache || req.NoCache {
		return domain.ListResponse{}, false
	}
	resp, found, err := r.cache.Get(ctx, buildListCacheKey(req))
	if err != nil {
		r.logger.Warn("live cache lookup failed", "error", err)
		return domain.ListResponse{}, false
	}
	if !found {
		metrics.CacheMissesTotal.Inc()
		return domain.ListResponse{}, false
	}
	metrics.CacheHitsTotal.Inc()
	resp.Source = domain.ResultSourceCache
	return resp, true
}

func (r *Router) cacheStore(ctx context.Context, req domain.ListRequest, resp domain.ListResponse) {
	if r.cache == nil || r.noCache || req.NoCache {
		return
	}
	if err := r.cache.Set(ctx, buildListCacheKey(req), resp, r.cacheTTL); err != nil {
		r.logger.Warn("live cache store failed", "error", err)
	}
}

func pages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
