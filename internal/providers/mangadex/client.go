package mangadex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mangastream/catalogservice/internal/domain"
	"mangastream/catalogservice/internal/normalize"
)

const (
	defaultEndpoint  = "https://api.mangadex.org"
	defaultUserAgent = "mangastream-catalog/1.0"

	// The upstream caps page size at 100; larger requests are rejected.
	MaxPageSize = 100
)

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

// Client is the canonical catalog adapter: one authoritative record per title,
// plus a batchable statistics endpoint for chapter totals.
type Client struct {
	client    *http.Client
	endpoint  string
	userAgent string
}

// ListQuery mirrors the subset of upstream list parameters the core issues.
type ListQuery struct {
	Query          string
	Limit          int
	Offset         int
	Statuses       []domain.Status
	ContentRatings []domain.ContentRating
	Languages      []string
	IncludeTags    []string
	ExcludeTags    []string
	UpdatedSince   *time.Time
	SortBy         domain.SortBy
	SortOrder      domain.SortOrder
}

func NewClient(cfg Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		client:    client,
		endpoint:  endpoint,
		userAgent: userAgent,
	}
}

func (c *Client) Name() string { return "mangadex" }

type listEnvelope struct {
	Data  []titlePayload `json:"data"`
	Total int            `json:"total"`
}

type detailEnvelope struct {
	Data titlePayload `json:"data"`
}

type titlePayload struct {
	ID         string `json:"id"`
	Attributes struct {
		Title                  map[string]string   `json:"title"`
		AltTitles              []map[string]string `json:"altTitles"`
		Description            map[string]string   `json:"description"`
		Status                 string              `json:"status"`
		ContentRating          string              `json:"contentRating"`
		PublicationDemographic string              `json:"publicationDemographic"`
		OriginalLanguage       string              `json:"originalLanguage"`
		Year                   int                 `json:"year"`
		LastChapter            string              `json:"lastChapter"`
		UpdatedAt              string              `json:"updatedAt"`
		Tags                   []tagPayload        `json:"tags"`
	} `json:"attributes"`
	Relationships []struct {
		Type       string `json:"type"`
		Attributes struct {
			FileName string `json:"fileName"`
		} `json:"attributes"`
	} `json:"relationships"`
}

type tagPayload struct {
	ID         string `json:"id"`
	Attributes struct {
		Name  map[string]string `json:"name"`
		Group string            `json:"group"`
	} `json:"attributes"`
}

type statisticsEnvelope struct {
	Statistics map[string]struct {
		TotalChapters int `json:"totalChapters"`
		Follows       int `json:"follows"`
	} `json:"statistics"`
}

type chaptersEnvelope struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Chapter          string `json:"chapter"`
			ExternalURL      string `json:"externalUrl"`
			TranslatedLang   string `json:"translatedLanguage"`
			ReadableAt       string `json:"readableAt"`
			ExternallyHosted bool   `json:"externallyHosted"`
		} `json:"attributes"`
	} `json:"data"`
	Total int `json:"total"`
}

// List issues a structured list/search call. It returns the page of normalized
// titles and the upstream-reported total.
func (c *Client) List(ctx context.Context, q ListQuery) ([]domain.Title, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	values := url.Values{}
	values.Set("limit", strconv.Itoa(limit))
	values.Set("offset", strconv.Itoa(max(q.Offset, 0)))
	if query := strings.TrimSpace(q.Query); query != "" {
		values.Set("title", query)
	}
	for _, status := range q.Statuses {
		values.Add("status[]", string(status))
	}
	ratings := q.ContentRatings
	if len(ratings) == 0 {
		ratings = domain.DefaultContentRatings()
	}
	for _, rating := range ratings {
		values.Add("contentRating[]", string(rating))
	}
	for _, lang := range q.Languages {
		if normalized := normalize.Language(lang); normalized != "" {
			values.Add("originalLanguage[]", normalized)
		}
	}
	for _, tag := range q.IncludeTags {
		values.Add("includedTags[]", tag)
	}
	for _, tag := range q.ExcludeTags {
		values.Add("excludedTags[]", tag)
	}
	if q.UpdatedSince != nil {
		values.Set("updatedAtSince", q.UpdatedSince.UTC().Format("2006-01-02T15:04:05"))
	}
	if key := orderKey(q.SortBy); key != "" {
		direction := "desc"
		if q.SortOrder == domain.SortOrderAsc {
			direction = "asc"
		}
		values.Set("order["+key+"]", direction)
	}
	values.Add("includes[]", "cover_art")

	var envelope listEnvelope
	if err := c.getJSON(ctx, "/manga?"+values.Encode(), &envelope); err != nil {
		return nil, 0, err
	}

	titles := make([]domain.Title, 0, len(envelope.Data))
	for _, payload := range envelope.Data {
		title, ok := toTitle(payload)
		if !ok {
			continue
		}
		titles = append(titles, title)
	}
	return titles, envelope.Total, nil
}

// Count is the size-only probe used before a full sync: a zero-limit list call
// whose only interesting field is the total.
func (c *Client) Count(ctx context.Context) (int, error) {
	values := url.Values{}
	values.Set("limit", "1")
	for _, rating := range domain.DefaultContentRatings() {
		values.Add("contentRating[]", string(rating))
	}
	var envelope listEnvelope
	if err := c.getJSON(ctx, "/manga?"+values.Encode(), &envelope); err != nil {
		return 0, err
	}
	return envelope.Total, nil
}

func (c *Client) Get(ctx context.Context, id string) (domain.Title, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Title{}, fmt.Errorf("title id is required")
	}
	var envelope detailEnvelope
	if err := c.getJSON(ctx, "/manga/"+url.PathEscape(id)+"?includes[]=cover_art", &envelope); err != nil {
		return domain.Title{}, err
	}
	title, ok := toTitle(envelope.Data)
	if !ok {
		return domain.Title{}, fmt.Errorf("title %s: empty upstream record", id)
	}
	return title, nil
}

// Statistics fetches chapter totals and follow counts for a batch of title
// IDs in a single call. Missing IDs are simply absent from the result map.
func (c *Client) Statistics(ctx context.Context, ids []string) (map[string]domain.ChapterCount, map[string]int, error) {
	if len(ids) == 0 {
		return map[string]domain.ChapterCount{}, map[string]int{}, nil
	}
	values := url.Values{}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			values.Add("manga[]", id)
		}
	}
	var envelope statisticsEnvelope
	if err := c.getJSON(ctx, "/statistics/manga?"+values.Encode(), &envelope); err != nil {
		return nil, nil, err
	}
	chapters := make(map[string]domain.ChapterCount, len(envelope.Statistics))
	follows := make(map[string]int, len(envelope.Statistics))
	for id, stats := range envelope.Statistics {
		if stats.TotalChapters > 0 {
			chapters[id] = domain.ExactChapters(stats.TotalChapters)
		}
		follows[id] = stats.Follows
	}
	return chapters, follows, nil
}

// Chapters counts a title's chapters. Externally hosted chapters are excluded
// from the readable count and tallied separately.
func (c *Client) Chapters(ctx context.Context, id string) (readable, external int, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, 0, fmt.Errorf("title id is required")
	}
	offset := 0
	for {
		values := url.Values{}
		values.Set("limit", strconv.Itoa(MaxPageSize))
		values.Set("offset", strconv.Itoa(offset))
		var envelope chaptersEnvelope
		if err := c.getJSON(ctx, "/manga/"+url.PathEscape(id)+"/feed?"+values.Encode(), &envelope); err != nil {
			return 0, 0, err
		}
		for _, chapter := range envelope.Data {
			if chapter.Attributes.ExternallyHosted || strings.TrimSpace(chapter.Attributes.ExternalURL) != "" {
				external++
				continue
			}
			readable++
		}
		offset += len(envelope.Data)
		if len(envelope.Data) == 0 || offset >= envelope.Total {
			return readable, external, nil
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("canonical upstream HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("canonical upstream payload: %w", err)
	}
	return nil
}

func toTitle(payload titlePayload) (domain.Title, bool) {
	attrs := payload.Attributes
	name := normalize.Title(pickLocalized(attrs.Title, attrs.OriginalLanguage))
	if payload.ID == "" || name == "" {
		return domain.Title{}, false
	}

	alts := make([]string, 0, len(attrs.AltTitles))
	for _, localized := range attrs.AltTitles {
		for _, value := range localized {
			alts = append(alts, value)
		}
	}

	tags := make([]domain.Tag, 0, len(attrs.Tags))
	for _, tag := range attrs.Tags {
		tagName := normalize.Title(pickLocalized(tag.Attributes.Name, ""))
		if tag.ID == "" || tagName == "" {
			continue
		}
		tags = append(tags, domain.Tag{
			ID:    tag.ID,
			Name:  tagName,
			Group: normalize.TagGroup(tag.Attributes.Group),
		})
	}

	cover := ""
	for _, rel := range payload.Relationships {
		if rel.Type == "cover_art" && rel.Attributes.FileName != "" {
			cover = "https://uploads.mangadex.org/covers/" + payload.ID + "/" + rel.Attributes.FileName
			break
		}
	}

	updatedAt, _ := time.Parse(time.RFC3339, attrs.UpdatedAt)
	lang := normalize.Language(attrs.OriginalLanguage)

	return domain.Title{
		ID:               payload.ID,
		SourceKind:       domain.SourceKindCanonical,
		Name:             name,
		AltTitles:        normalize.AltTitles(name, alts),
		Description:      strings.TrimSpace(pickLocalized(attrs.Description, "")),
		Status:           normalize.Status(attrs.Status),
		ContentRating:    normalize.ContentRating(attrs.ContentRating),
		Demographic:      normalize.Demographic(attrs.PublicationDemographic),
		OriginalLanguage: lang,
		ContentType:      normalize.ContentType(lang, ""),
		Tags:             tags,
		Year:             attrs.Year,
		LastChapter:      strings.TrimSpace(attrs.LastChapter),
		TotalChapters:    normalize.EstimateChapters(attrs.LastChapter),
		CoverURL:         cover,
		UpdatedAt:        updatedAt,
	}, true
}

// pickLocalized prefers English, then the original language, then anything.
func pickLocalized(values map[string]string, originalLanguage string) string {
	if len(values) == 0 {
		return ""
	}
	if value := values["en"]; value != "" {
		return value
	}
	if originalLanguage != "" {
		if value := values[originalLanguage]; value != "" {
			return value
		}
	}
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func orderKey(sortBy domain.SortBy) string {
	switch sortBy {
	case domain.SortByPopularity:
		return "followedCount"
	case domain.SortByLatest:
		return "updatedAt"
	case domain.SortByTitle:
		return "title"
	case domain.SortByYear:
		return "year"
	default:
		return "relevance"
	}
}
