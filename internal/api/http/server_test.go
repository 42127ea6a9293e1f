package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/store"
	"mangastream/catalogservice/internal/syncer"
)

type fakeCatalog struct {
	response domain.ListResponse
	err      error
	requests []domain.ListRequest
}

func (f *fakeCatalog) Resolve(_ context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	f.requests = append(f.requests, req)
	return f.response, f.err
}

type fakeSync struct {
	triggerErr error
	triggered  []struct {
		kind domain.SourceKind
		full bool
	}
	status map[domain.SourceKind]domain.SyncMetadata
}

func (f *fakeSync) Trigger(_ context.Context, kind domain.SourceKind, full bool) (*syncer.Task, error) {
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.triggered = append(f.triggered, struct {
		kind domain.SourceKind
		full bool
	}{kind, full})
	return &syncer.Task{Kind: kind, Full: full, StartedAt: time.Now()}, nil
}

func (f *fakeSync) Status(_ context.Context, kind domain.SourceKind) (domain.SyncMetadata, error) {
	meta := f.status[kind]
	meta.SourceKind = kind
	if meta.Status == "" {
		meta.Status = domain.SyncIdle
	}
	return meta, nil
}

type fakeDiag struct {
	items []domain.ProviderDiagnostics
}

func (f *fakeDiag) Diagnostics() []domain.ProviderDiagnostics { return f.items }

func TestSearchEndpoint(t *testing.T) {
	catalog := &fakeCatalog{response: domain.ListResponse{
		Items:  []domain.Title{{ID: "a", Name: "Alpha"}},
		Total:  1,
		Limit:  20,
		Source: domain.ResultSourceIndex,
	}}
	server := NewServer(catalog)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/catalog/search?q=alpha&section=aggregator&subtype=manhwa&status=ongoing,completed&minChapters=5&includeTags=genre-action&sortBy=popularity")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var payload domain.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Total != 1 || payload.Source != domain.ResultSourceIndex {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	req := catalog.requests[0]
	if req.Section != domain.SectionAggregator || req.Subtype != "manhwa" {
		t.Fatalf("section/subtype not parsed: %+v", req)
	}
	if len(req.Filters.Statuses) != 2 || req.Filters.MinChapters != 5 {
		t.Fatalf("filters not parsed: %+v", req.Filters)
	}
	if len(req.Filters.IncludeTags) != 1 || req.Filters.IncludeTags[0] != "genre-action" {
		t.Fatalf("tags not parsed: %+v", req.Filters)
	}
	if req.SortBy != domain.SortByPopularity || req.SortOrder != domain.SortOrderDesc {
		t.Fatalf("sort not normalized: %+v", req)
	}
}

func TestSearchEmptyQueryBrowses(t *testing.T) {
	catalog := &fakeCatalog{}
	server := NewServer(catalog)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/catalog/search")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("browsing without q must be allowed: %d", resp.StatusCode)
	}
	if len(catalog.requests) != 1 || catalog.requests[0].Query != "" {
		t.Fatalf("expected an empty-query request: %+v", catalog.requests)
	}
}

func TestSearchValidation(t *testing.T) {
	server := NewServer(&fakeCatalog{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	for _, path := range []string{
		"/catalog/search?limit=abc",
		"/catalog/search?limit=-1",
		"/catalog/search?offset=-2",
		"/catalog/search?section=unknown",
		"/catalog/search?q=" + strings.Repeat("a", 501),
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("request error: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}
}

func TestSyncTriggerAccepted(t *testing.T) {
	syncService := &fakeSync{}
	server := NewServer(&fakeCatalog{}, WithSyncService(syncService, "hunter2"))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/catalog/sync",
		strings.NewReader(`{"type":"incremental","kind":"aggregator"}`))
	req.Header.Set("X-Sync-Secret", "hunter2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if len(syncService.triggered) != 1 {
		t.Fatal("sync not triggered")
	}
	if syncService.triggered[0].kind != domain.SourceKindAggregator || syncService.triggered[0].full {
		t.Fatalf("trigger not parsed: %+v", syncService.triggered[0])
	}
}

func TestSyncTriggerRejectsBadSecret(t *testing.T) {
	server := NewServer(&fakeCatalog{}, WithSyncService(&fakeSync{}, "hunter2"))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/catalog/sync", strings.NewReader(`{}`))
	req.Header.Set("X-Sync-Secret", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSyncTriggerConflict(t *testing.T) {
	syncService := &fakeSync{triggerErr: store.ErrSyncInProgress}
	server := NewServer(&fakeCatalog{}, WithSyncService(syncService, ""))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/catalog/sync", "application/json", strings.NewReader(`{"type":"full"}`))
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a running sync, got %d", resp.StatusCode)
	}
}

func TestSyncTriggerValidation(t *testing.T) {
	server := NewServer(&fakeCatalog{}, WithSyncService(&fakeSync{}, ""))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	for _, body := range []string{
		`{"type":"weekly"}`,
		`{"kind":"mystery"}`,
		`{"unexpected":"field"}`,
	} {
		resp, err := http.Post(ts.URL+"/catalog/sync", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("request error: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestSyncStatus(t *testing.T) {
	syncService := &fakeSync{status: map[domain.SourceKind]domain.SyncMetadata{
		domain.SourceKindCanonical: {Status: domain.SyncSyncing, TotalIndexed: 42},
	}}
	server := NewServer(&fakeCatalog{}, WithSyncService(syncService, ""))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/catalog/sync/status")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Items []domain.SyncMetadata `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(payload.Items) != 2 {
		t.Fatalf("expected both kinds, got %d", len(payload.Items))
	}
	if payload.Items[0].Status != domain.SyncSyncing || payload.Items[0].TotalIndexed != 42 {
		t.Fatalf("unexpected canonical status: %+v", payload.Items[0])
	}

	single, err := http.Get(ts.URL + "/catalog/sync/status?kind=aggregator")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer single.Body.Close()
	payload.Items = nil
	if err := json.NewDecoder(single.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].SourceKind != domain.SourceKindAggregator {
		t.Fatalf("kind filter not applied: %+v", payload.Items)
	}
}

func TestProvidersEndpoint(t *testing.T) {
	diag := &fakeDiag{items: []domain.ProviderDiagnostics{{Name: "flamescans", Label: "FlameScans"}}}
	server := NewServer(&fakeCatalog{}, WithProviderDiagnostics(diag))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/catalog/providers")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Items []domain.ProviderDiagnostics `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Name != "flamescans" {
		t.Fatalf("unexpected providers payload: %+v", payload.Items)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(&fakeCatalog{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}
