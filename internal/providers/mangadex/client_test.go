package mangadex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"mangastream/catalogservice/internal/domain"
)

const listPayload = `{
	"data": [
		{
			"id": "abc-123",
			"attributes": {
				"title": {"en": "Berserk of Gluttony"},
				"altTitles": [{"ja": "暴食のベルセルク"}],
				"description": {"en": "A gate guard with a useless skill."},
				"status": "ongoing",
				"contentRating": "suggestive",
				"publicationDemographic": "shounen",
				"originalLanguage": "ja",
				"year": 2018,
				"lastChapter": "61",
				"updatedAt": "2024-03-01T10:00:00+00:00",
				"tags": [
					{"id": "t1", "attributes": {"name": {"en": "Action"}, "group": "genre"}},
					{"id": "t2", "attributes": {"name": {"en": "Survival"}, "group": "theme"}}
				]
			},
			"relationships": [
				{"type": "cover_art", "attributes": {"fileName": "cover.jpg"}}
			]
		}
	],
	"total": 412
}`

func TestListNormalizesTitles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manga" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("title"); got != "berserk" {
			t.Errorf("unexpected title param: %q", got)
		}
		if ratings := r.URL.Query()["contentRating[]"]; len(ratings) != 2 {
			t.Errorf("expected default rating filter, got %v", ratings)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listPayload))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, Client: server.Client()})
	titles, total, err := client.List(context.Background(), ListQuery{Query: "berserk", Limit: 20})
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if total != 412 {
		t.Fatalf("unexpected total: %d", total)
	}
	if len(titles) != 1 {
		t.Fatalf("unexpected titles count: %d", len(titles))
	}

	title := titles[0]
	if title.ID != "abc-123" || title.SourceKind != domain.SourceKindCanonical {
		t.Fatalf("unexpected identity: %#v", title)
	}
	if title.Status != domain.StatusOngoing || title.ContentRating != domain.RatingSuggestive {
		t.Fatalf("unexpected status/rating: %q %q", title.Status, title.ContentRating)
	}
	if title.Demographic != domain.DemographicShounen {
		t.Fatalf("unexpected demographic: %q", title.Demographic)
	}
	if title.ContentType != domain.ContentTypeManga {
		t.Fatalf("ja title should be manga, got %q", title.ContentType)
	}
	if len(title.Tags) != 2 || title.Tags[1].Group != domain.TagGroupTheme {
		t.Fatalf("unexpected tags: %#v", title.Tags)
	}
	if title.TotalChapters != domain.EstimatedChapters(61) {
		t.Fatalf("unexpected chapter estimate: %+v", title.TotalChapters)
	}
	if title.CoverURL == "" {
		t.Fatal("expected cover URL from cover_art relationship")
	}
}

func TestListUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, Client: server.Client()})
	if _, _, err := client.List(context.Background(), ListQuery{Query: "x"}); err == nil {
		t.Fatal("expected error on HTTP 502")
	}
}

func TestGetFetchesSingleTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manga/abc-123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if includes := r.URL.Query()["includes[]"]; len(includes) != 1 || includes[0] != "cover_art" {
			t.Errorf("expected cover_art include, got %v", includes)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": {
				"id": "abc-123",
				"attributes": {
					"title": {"en": "Berserk of Gluttony"},
					"status": "ongoing",
					"contentRating": "suggestive",
					"originalLanguage": "ja",
					"year": 2018,
					"updatedAt": "2024-03-01T10:00:00+00:00"
				},
				"relationships": [
					{"type": "cover_art", "attributes": {"fileName": "cover.jpg"}}
				]
			}
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, Client: server.Client()})
	title, err := client.Get(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if title.ID != "abc-123" || title.Name != "Berserk of Gluttony" {
		t.Fatalf("unexpected title: %#v", title)
	}
	if title.Status != domain.StatusOngoing || title.Year != 2018 {
		t.Fatalf("unexpected status/year: %q %d", title.Status, title.Year)
	}

	if _, err := client.Get(context.Background(), "   "); err == nil {
		t.Fatal("blank id must be rejected before any request")
	}
}

func TestStatisticsMapsChapterTotals(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/statistics/manga" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"statistics":{"abc":{"totalChapters":120,"follows":9001},"def":{"totalChapters":0,"follows":3}}}`))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, Client: server.Client()})
	chapters, follows, err := client.Statistics(context.Background(), []string{"abc", "def"})
	if err != nil {
		t.Fatalf("statistics error: %v", err)
	}
	if got := chapters["abc"]; got != domain.ExactChapters(120) {
		t.Fatalf("unexpected chapters for abc: %+v", got)
	}
	if _, ok := chapters["def"]; ok {
		t.Fatal("zero chapter total should not produce an exact count")
	}
	if follows["abc"] != 9001 {
		t.Fatalf("unexpected follows: %d", follows["abc"])
	}
}

func TestChaptersSeparatesExternallyHosted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": [
				{"id": "c1", "attributes": {"chapter": "1"}},
				{"id": "c2", "attributes": {"chapter": "2", "externalUrl": "https://elsewhere.example/2"}},
				{"id": "c3", "attributes": {"chapter": "3", "externallyHosted": true}}
			],
			"total": 3
		}`))
	}))
	defer server.Close()

	client := NewClient(Config{Endpoint: server.URL, Client: server.Client()})
	readable, external, err := client.Chapters(context.Background(), "abc")
	if err != nil {
		t.Fatalf("chapters error: %v", err)
	}
	if readable != 1 || external != 2 {
		t.Fatalf("expected 1 readable / 2 external, got %d/%d", readable, external)
	}
}

func TestPickLocalizedPrefersEnglish(t *testing.T) {
	values := map[string]string{"ja": "日本語", "en": "English"}
	if got := pickLocalized(values, "ja"); got != "English" {
		t.Fatalf("expected English, got %q", got)
	}
	if got := pickLocalized(map[string]string{"ja": "日本語"}, "ja"); got != "日本語" {
		t.Fatalf("expected original language fallback, got %q", got)
	}
}
