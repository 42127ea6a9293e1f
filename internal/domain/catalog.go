package domain

import (
	"strings"
	"time"
)

// SourceKind identifies which class of upstream a title (or a sync run)
// belongs to. Aggregator-sourced titles additionally carry a provider name;
// their IDs are only unique within that provider.
type SourceKind string

const (
	SourceKindCanonical  SourceKind = "canonical"
	SourceKindAggregator SourceKind = "aggregator"
)

type Section string

const (
	SectionCanonical  Section = "canonical"
	SectionAggregator Section = "aggregator"
)

type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusHiatus    Status = "hiatus"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

type ContentRating string

const (
	RatingSafe         ContentRating = "safe"
	RatingSuggestive   ContentRating = "suggestive"
	RatingErotica      ContentRating = "erotica"
	RatingPornographic ContentRating = "pornographic"
)

// DefaultContentRatings is the filter applied when a request carries no
// explicit content-rating filter. Erotica and pornographic are opt-in only.
func DefaultContentRatings() []ContentRating {
	return []ContentRating{RatingSafe, RatingSuggestive}
}

type Demographic string

const (
	DemographicShounen Demographic = "shounen"
	DemographicShoujo  Demographic = "shoujo"
	DemographicSeinen  Demographic = "seinen"
	DemographicJosei   Demographic = "josei"
	DemographicNone    Demographic = ""
)

type ContentType string

const (
	ContentTypeManga   ContentType = "manga"
	ContentTypeManhwa  ContentType = "manhwa"
	ContentTypeManhua  ContentType = "manhua"
	ContentTypeComic   ContentType = "comic"
	ContentTypeUnknown ContentType = "unknown"
)

type TagGroup string

const (
	TagGroupGenre   TagGroup = "genre"
	TagGroupTheme   TagGroup = "theme"
	TagGroupFormat  TagGroup = "format"
	TagGroupContent TagGroup = "content"
)

type Tag struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Group TagGroup `json:"group"`
}

type ChapterConfidence string

const (
	ChaptersExact     ChapterConfidence = "exact"
	ChaptersEstimated ChapterConfidence = "estimated"
	ChaptersUnknown   ChapterConfidence = "unknown"
)

// ChapterCount carries a total chapter figure together with how trustworthy it
// is: exact comes from a statistics endpoint, estimated from parsing the
// free-text last-chapter field, unknown means neither was available.
type ChapterCount struct {
	Confidence ChapterConfidence `json:"confidence"`
	N          int               `json:"n,omitempty"`
}

func ExactChapters(n int) ChapterCount     { return ChapterCount{Confidence: ChaptersExact, N: n} }
func EstimatedChapters(n int) ChapterCount { return ChapterCount{Confidence: ChaptersEstimated, N: n} }
func UnknownChapters() ChapterCount        { return ChapterCount{Confidence: ChaptersUnknown} }

// Title is one discovered work in the canonical schema shared by every
// upstream. The ID is opaque and only unique within (SourceKind, Provider);
// the composite (Provider, ID) is the true key for aggregator titles.
type Title struct {
	ID               string        `json:"id"`
	SourceKind       SourceKind    `json:"sourceKind"`
	Provider         string        `json:"provider,omitempty"`
	Name             string        `json:"title"`
	AltTitles        []string      `json:"altTitles,omitempty"`
	Description      string        `json:"description,omitempty"`
	Status           Status        `json:"status"`
	ContentRating    ContentRating `json:"contentRating"`
	Demographic      Demographic   `json:"demographic,omitempty"`
	OriginalLanguage string        `json:"originalLanguage,omitempty"`
	ContentType      ContentType   `json:"contentType"`
	Tags             []Tag         `json:"tags,omitempty"`
	Year             int           `json:"year,omitempty"`
	LastChapter      string        `json:"lastChapter,omitempty"`
	TotalChapters    ChapterCount  `json:"totalChapters"`
	CoverURL         string        `json:"coverUrl,omitempty"`
	Popularity       int           `json:"popularity,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt,omitzero"`
}

// Key is the composite dedupe key. Titles from different providers never
// collapse even when their opaque IDs collide.
func (t Title) Key() string {
	return strings.ToLower(strings.TrimSpace(t.Provider)) + ":" + strings.TrimSpace(t.ID)
}

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// SyncMetadata is the singleton per-source-kind row mutated only by the sync
// engine. LastProvider/LastQuery form the resume checkpoint for aggregator
// sync runs.
type SyncMetadata struct {
	SourceKind          SourceKind `json:"sourceKind"`
	Status              SyncStatus `json:"status"`
	LastFullSync        *time.Time `json:"lastFullSync,omitempty"`
	LastIncrementalSync *time.Time `json:"lastIncrementalSync,omitempty"`
	TotalIndexed        int        `json:"totalIndexed"`
	LastError           string     `json:"lastError,omitempty"`
	LastProvider        string     `json:"lastProvider,omitempty"`
	LastQuery           string     `json:"lastQuery,omitempty"`
}

// AggregationResult is the ephemeral output of one multi-provider aggregation
// pass. It is never persisted; the invocation that produced it owns it.
type AggregationResult struct {
	Items             []Title        `json:"items"`
	PerProviderCounts map[string]int `json:"perProviderCounts"`
	TotalAfterDedup   int            `json:"totalAfterDedup"`
}

type SortBy string

const (
	SortByRelevance  SortBy = "relevance"
	SortByPopularity SortBy = "popularity"
	SortByLatest     SortBy = "latest"
	SortByTitle      SortBy = "title"
	SortByYear       SortBy = "year"
)

type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

type ListFilters struct {
	Statuses       []Status        `json:"statuses,omitempty"`
	ContentRatings []ContentRating `json:"contentRatings,omitempty"`
	Demographics   []Demographic   `json:"demographics,omitempty"`
	Languages      []string        `json:"languages,omitempty"`
	YearFrom       int             `json:"yearFrom,omitempty"`
	YearTo         int             `json:"yearTo,omitempty"`
	MinChapters    int             `json:"minChapters,omitempty"`
	MaxChapters    int             `json:"maxChapters,omitempty"`
	IncludeTags    []string        `json:"includeTags,omitempty"`
	ExcludeTags    []string        `json:"excludeTags,omitempty"`
}

type ListRequest struct {
	Query     string      `json:"query"`
	Section   Section     `json:"section"`
	Subtype   string      `json:"subtype,omitempty"`
	Filters   ListFilters `json:"filters"`
	Limit     int         `json:"limit"`
	Offset    int         `json:"offset"`
	SortBy    SortBy      `json:"sortBy"`
	SortOrder SortOrder   `json:"sortOrder"`
	NoCache   bool        `json:"-"`
}

// ResultSource names the tier of the fallback waterfall that produced a
// response.
type ResultSource string

const (
	ResultSourceIndex             ResultSource = "index"
	ResultSourceLiveCanonical     ResultSource = "live-canonical"
	ResultSourceLiveAggregator    ResultSource = "live-aggregator"
	ResultSourceCanonicalFallback ResultSource = "canonical-fallback"
	ResultSourceCache             ResultSource = "cache"
)

type ListResponse struct {
	Items      []Title      `json:"items"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	TotalPages int          `json:"totalPages"`
	Source     ResultSource `json:"source"`
}

type ProviderStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

type ProviderDiagnostics struct {
	Name          string     `json:"name"`
	Label         string     `json:"label"`
	Kind          string     `json:"kind"`
	LastError     string     `json:"lastError,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS int64      `json:"lastLatencyMs,omitempty"`
	TotalRequests int64      `json:"totalRequests,omitempty"`
	TotalFailures int64      `json:"totalFailures,omitempty"`
}

func NormalizeSortBy(raw string) SortBy {
	switch SortBy(strings.ToLower(strings.TrimSpace(raw))) {
	case SortByPopularity:
		return SortByPopularity
	case SortByLatest:
		return SortByLatest
	case SortByTitle:
		return SortByTitle
	case SortByYear:
		return SortByYear
	default:
		return SortByRelevance
	}
}

// NormalizeSortOrder resolves the effective direction. Every sort defaults to
// descending except the alphabetical title sort.
func NormalizeSortOrder(raw string, sortBy SortBy) SortOrder {
	switch SortOrder(strings.ToLower(strings.TrimSpace(raw))) {
	case SortOrderAsc:
		return SortOrderAsc
	case SortOrderDesc:
		return SortOrderDesc
	}
	if sortBy == SortByTitle {
		return SortOrderAsc
	}
	return SortOrderDesc
}

func NormalizeSection(raw string) (Section, bool) {
	switch Section(strings.ToLower(strings.TrimSpace(raw))) {
	case SectionCanonical:
		return SectionCanonical, true
	case SectionAggregator:
		return SectionAggregator, true
	default:
		return "", false
	}
}
