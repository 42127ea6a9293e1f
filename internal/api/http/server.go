package apihttp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/search"
	"mangastream/catalogservice/internal/syncer"
)

const maxQueryLength = 500

// CatalogService resolves list/search requests through the routing waterfall.
type CatalogService interface {
	Resolve(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error)
}

// SyncService triggers and reports background index synchronization.
type SyncService interface {
	Trigger(ctx context.Context, kind domain.SourceKind, full bool) (*syncer.Task, error)
	Status(ctx context.Context, kind domain.SourceKind) (domain.SyncMetadata, error)
}

// ProviderDiagnostics exposes per-provider health collected by the
// aggregation engine.
type ProviderDiagnostics interface {
	Diagnostics() []domain.ProviderDiagnostics
}

type Server struct {
	catalog    CatalogService
	sync       SyncService
	diag       ProviderDiagnostics
	syncSecret string
	logger     *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSyncService(sync SyncService, secret string) ServerOption {
	return func(s *Server) {
		s.sync = sync
		s.syncSecret = secret
	}
}

func WithProviderDiagnostics(diag ProviderDiagnostics) ServerOption {
	return func(s *Server) {
		s.diag = diag
	}
}

func NewServer(catalog CatalogService, options ...ServerOption) *Server {
	server := &Server{
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/catalog/search", s.handleSearch)
	mux.HandleFunc("/catalog/sync/status", s.handleSyncStatus)
	mux.HandleFunc("/catalog/sync", s.handleSyncTrigger)
	mux.HandleFunc("/catalog/providers", s.handleProviders)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "catalog-service",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/catalog/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// An empty q browses; it is not an error.
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	limit, err := parsePositiveInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	offset, err := parseNonNegativeInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid offset")
		return
	}

	var section domain.Section
	if raw := strings.TrimSpace(r.URL.Query().Get("section")); raw != "" {
		parsed, ok := domain.NormalizeSection(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown section")
			return
		}
		section = parsed
	}

	sortBy := domain.NormalizeSortBy(r.URL.Query().Get("sortBy"))
	request := domain.ListRequest{
		Query:     query,
		Section:   section,
		Subtype:   strings.ToLower(strings.TrimSpace(r.URL.Query().Get("subtype"))),
		Filters:   parseListFilters(r),
		Limit:     limit,
		Offset:    offset,
		SortBy:    sortBy,
		SortOrder: domain.NormalizeSortOrder(r.URL.Query().Get("sortOrder"), sortBy),
		NoCache:   parseOptionalBool(r.URL.Query().Get("nocache")) || parseOptionalBool(r.URL.Query().Get("noCache")),
	}

	started := time.Now()
	response, err := s.catalog.Resolve(r.Context(), request)
	if err != nil {
		s.logger.Warn("catalog search failed",
			slog.String("query", truncate(query, 80)),
			slog.String("section", string(request.Section)),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, search.ErrInvalidOffset), errors.Is(err, search.ErrInvalidLimit):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", "catalog lookup failed")
		}
		return
	}

	s.logger.Info("catalog search completed",
		slog.String("query", truncate(query, 80)),
		slog.String("section", string(request.Section)),
		slog.String("source", string(response.Source)),
		slog.Int("total", response.Total),
		slog.Int64("elapsedMs", time.Since(started).Milliseconds()),
	)
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/catalog/sync" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sync == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "sync engine is not configured")
		return
	}
	if !s.authorizeSync(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid sync secret")
		return
	}

	var payload struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	if err := decodeJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	full := true
	switch strings.ToLower(strings.TrimSpace(payload.Type)) {
	case "", "full":
	case "incremental":
		full = false
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "type must be full or incremental")
		return
	}

	kind := domain.SourceKindCanonical
	switch strings.ToLower(strings.TrimSpace(payload.Kind)) {
	case "", "canonical":
	case "aggregator":
		kind = domain.SourceKindAggregator
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "kind must be canonical or aggregator")
		return
	}

	task, err := s.sync.Trigger(r.Context(), kind, full)
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, "sync_in_progress", "a sync for this source kind is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start sync")
		return
	}

	syncType := "incremental"
	if full {
		syncType = "full"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "started",
		"kind":      task.Kind,
		"type":      syncType,
		"startedAt": task.StartedAt.UTC(),
	})
}

func (s *Server) authorizeSync(r *http.Request) bool {
	if s.syncSecret == "" {
		return true
	}
	provided := strings.TrimSpace(r.Header.Get("X-Sync-Secret"))
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.syncSecret)) == 1
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/catalog/sync/status" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.sync == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "sync engine is not configured")
		return
	}

	kinds := []domain.SourceKind{domain.SourceKindCanonical, domain.SourceKindAggregator}
	if raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind"))); raw != "" {
		switch raw {
		case "canonical":
			kinds = kinds[:1]
		case "aggregator":
			kinds = kinds[1:]
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "kind must be canonical or aggregator")
			return
		}
	}

	items := make([]domain.SyncMetadata, 0, len(kinds))
	for _, kind := range kinds {
		meta, err := s.sync.Status(r.Context(), kind)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read sync status")
			return
		}
		items = append(items, meta)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/catalog/providers" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.diag == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.diag.Diagnostics(),
	})
}

func parseListFilters(r *http.Request) domain.ListFilters {
	q := r.URL.Query()
	var filters domain.ListFilters

	for _, value := range parseCSV(q.Get("status")) {
		filters.Statuses = append(filters.Statuses, domain.Status(value))
	}
	for _, value := range parseCSV(q.Get("contentRating")) {
		filters.ContentRatings = append(filters.ContentRatings, domain.ContentRating(value))
	}
	for _, value := range parseCSV(q.Get("demographic")) {
		filters.Demographics = append(filters.Demographics, domain.Demographic(value))
	}
	filters.Languages = parseCSV(q.Get("language"))
	filters.IncludeTags = parseCSV(q.Get("includeTags"))
	filters.ExcludeTags = parseCSV(q.Get("excludeTags"))

	if v := strings.TrimSpace(q.Get("yearFrom")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.YearFrom = n
		}
	}
	if v := strings.TrimSpace(q.Get("yearTo")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.YearTo = n
		}
	}
	if v := strings.TrimSpace(q.Get("minChapters")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.MinChapters = n
		}
	}
	if v := strings.TrimSpace(q.Get("maxChapters")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.MaxChapters = n
		}
	}
	return filters
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.ToLower(strings.TrimSpace(part))
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func parseNonNegativeInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
