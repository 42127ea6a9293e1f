package store

import (
	"strings"
	"testing"

	"mangastream/catalogservice/internal/domain"
)

func TestBuildListQueryDefaults(t *testing.T) {
	where, args, order := buildListQuery(domain.ListRequest{Section: domain.SectionCanonical})

	if !strings.Contains(where, "source_kind = $1") {
		t.Fatalf("missing source kind condition: %s", where)
	}
	// No explicit ratings means the safe defaults are enforced in SQL.
	if !strings.Contains(where, "content_rating = ANY($2)") {
		t.Fatalf("missing default rating condition: %s", where)
	}
	ratings, ok := args[1].([]string)
	if !ok || len(ratings) != 2 || ratings[0] != "safe" || ratings[1] != "suggestive" {
		t.Fatalf("unexpected default ratings: %#v", args[1])
	}
	if !strings.HasPrefix(order, "ORDER BY updated_at DESC") {
		t.Fatalf("relevance without a query should rank by recency: %s", order)
	}
}

func TestBuildListQuerySubstring(t *testing.T) {
	where, args, _ := buildListQuery(domain.ListRequest{
		Section: domain.SectionAggregator,
		Query:   "100% love_story",
	})

	if !strings.Contains(where, "name ILIKE") || !strings.Contains(where, "description ILIKE") ||
		!strings.Contains(where, "unnest(alt_titles)") {
		t.Fatalf("substring match must cover name, description and alt titles: %s", where)
	}
	var pattern string
	for _, arg := range args {
		if s, ok := arg.(string); ok && strings.HasPrefix(s, "%") {
			pattern = s
			break
		}
	}
	if pattern != `%100\% love\_story%` {
		t.Fatalf("LIKE metacharacters must be escaped: %q", pattern)
	}
}

func TestBuildListQueryConjunctiveFilters(t *testing.T) {
	where, args, _ := buildListQuery(domain.ListRequest{
		Section: domain.SectionCanonical,
		Filters: domain.ListFilters{
			Statuses:       []domain.Status{domain.StatusOngoing},
			ContentRatings: []domain.ContentRating{domain.RatingErotica},
			Demographics:   []domain.Demographic{domain.DemographicSeinen},
			Languages:      []string{" JA "},
			YearFrom:       2010,
			YearTo:         2020,
			MinChapters:    10,
			MaxChapters:    200,
			IncludeTags:    []string{"tag-a", "tag-b", "tag-a", ""},
			ExcludeTags:    []string{"tag-x"},
		},
	})

	for _, want := range []string{
		"status = ANY(", "content_rating = ANY(", "demographic = ANY(",
		"original_language = ANY(", "release_year >=", "release_year <=",
		"chapter_confidence <> 'unknown' AND chapter_count >=",
		"chapter_count <=", "HAVING COUNT(DISTINCT tag_id)", "NOT EXISTS",
	} {
		if !strings.Contains(where, want) {
			t.Fatalf("missing condition %q in: %s", want, where)
		}
	}
	if strings.Count(where, " AND ") < 9 {
		t.Fatalf("filters must combine conjunctively: %s", where)
	}

	// Language filter lowercased, include tags deduped to two.
	foundLang := false
	foundTags := false
	for _, arg := range args {
		if langs, ok := arg.([]string); ok {
			if len(langs) == 1 && langs[0] == "ja" {
				foundLang = true
			}
			if len(langs) == 2 && langs[0] == "tag-a" && langs[1] == "tag-b" {
				foundTags = true
			}
		}
	}
	if !foundLang {
		t.Fatalf("language filter not normalized: %#v", args)
	}
	if !foundTags {
		t.Fatalf("include tags not deduplicated: %#v", args)
	}
}

func TestBuildListQueryExplicitRatingsReplaceDefaults(t *testing.T) {
	_, args, _ := buildListQuery(domain.ListRequest{
		Section: domain.SectionCanonical,
		Filters: domain.ListFilters{
			ContentRatings: []domain.ContentRating{domain.RatingPornographic},
		},
	})
	found := false
	for _, arg := range args {
		if ratings, ok := arg.([]string); ok && len(ratings) == 1 && ratings[0] == "pornographic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("explicit rating filter must replace the defaults: %#v", args)
	}
}

func TestOrderClause(t *testing.T) {
	cases := []struct {
		sortBy   domain.SortBy
		order    domain.SortOrder
		hasQuery bool
		want     string
	}{
		{domain.SortByLatest, domain.SortOrderDesc, false, "ORDER BY updated_at DESC"},
		{domain.SortByTitle, domain.SortOrderAsc, false, "ORDER BY lower(name) ASC"},
		{domain.SortByYear, domain.SortOrderDesc, false, "ORDER BY release_year DESC"},
		{domain.SortByPopularity, domain.SortOrderDesc, false, "ORDER BY popularity DESC"},
		{domain.SortByRelevance, domain.SortOrderDesc, true, "ORDER BY popularity DESC, updated_at DESC"},
		{domain.SortByRelevance, domain.SortOrderDesc, false, "ORDER BY updated_at DESC"},
	}
	for _, tc := range cases {
		if got := orderClause(tc.sortBy, tc.order, tc.hasQuery); !strings.HasPrefix(got, tc.want) {
			t.Errorf("orderClause(%s, %s, %v) = %q, want prefix %q", tc.sortBy, tc.order, tc.hasQuery, got, tc.want)
		}
	}
}

func TestBuildListQueryRelevanceOrdering(t *testing.T) {
	_, _, order := buildListQuery(domain.ListRequest{
		Section: domain.SectionCanonical,
		Query:   "revenge",
		SortBy:  domain.SortByRelevance,
	})
	if !strings.Contains(order, "popularity DESC") || !strings.Contains(order, "updated_at DESC") {
		t.Fatalf("relevance with a query must rank popularity then recency: %q", order)
	}

	_, _, browse := buildListQuery(domain.ListRequest{
		Section: domain.SectionCanonical,
		SortBy:  domain.SortByRelevance,
	})
	if !strings.HasPrefix(browse, "ORDER BY updated_at DESC") {
		t.Fatalf("relevance without a query must rank by recency: %q", browse)
	}
}

func TestQueryBuilderPlaceholders(t *testing.T) {
	b := &queryBuilder{}
	b.push("a = $%d", 1)
	b.push("b = $%d AND c = $%d", "x", "y")

	where := b.where()
	if where != " WHERE a = $1 AND b = $2 AND c = $3" {
		t.Fatalf("unexpected where clause: %q", where)
	}
	if len(b.args) != 3 {
		t.Fatalf("unexpected args: %#v", b.args)
	}
}

func TestTitleKey(t *testing.T) {
	if got := titleKey(" FlameScans ", " some-id "); got != "flamescans:some-id" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := titleKey("", "uuid-1"); got != ":uuid-1" {
		t.Fatalf("canonical titles keep an empty provider segment: %q", got)
	}
}

func TestTotalPages(t *testing.T) {
	if got := totalPages(0, 20); got != 0 {
		t.Fatalf("empty result: %d", got)
	}
	if got := totalPages(41, 20); got != 3 {
		t.Fatalf("rounding up: %d", got)
	}
	if got := totalPages(40, 20); got != 2 {
		t.Fatalf("exact fit: %d", got)
	}
}
