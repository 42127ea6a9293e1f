package mirrorhub

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
	defaultEndpoint  = "https://api.mirrorhub.to/manga"
	defaultUserAgent = "mangastream-catalog/1.0"
)

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

// Client talks to the aggregator hub, which fans search out to independent
// scraped sources at {endpoint}/{provider}/{query}?page=N. Coverage is
// inconsistent per provider and IDs are only stable within one provider.
type Client struct {
	client    *http.Client
	endpoint  string
	userAgent string
}

// Page is one page of provider results. HasNextPage is parsed but callers are
// expected to distrust it: several scraped sources report it wrong, so paging
// terminates on empty batches instead.
type Page struct {
	Results     []domain.Title
	HasNextPage bool
}

type searchEnvelope struct {
	CurrentPage json.Number  `json:"currentPage"`
	HasNextPage bool         `json:"hasNextPage"`
	Results     []rawListing `json:"results"`
}

type rawListing struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	AltTitles   []string `json:"altTitles"`
	Image       string   `json:"image"`
	Status      string   `json:"status"`
	LastChapter string   `json:"latestChapter"`
	NSFW        bool     `json:"nsfw"`
	Genres      []string `json:"genres"`
	// Number for some sources, "YYYY-MM-DD" string for others.
	ReleaseDate json.RawMessage `json:"releaseDate"`
}

type infoEnvelope struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	AltTitles   []string        `json:"altTitles"`
	Description string          `json:"description"`
	Image       string          `json:"image"`
	Status      string          `json:"status"`
	Genres      []string        `json:"genres"`
	ReleaseDate json.RawMessage `json:"releaseDate"`
	Chapters    []struct {
		ID         string `json:"id"`
		Title      string `json:"title"`
		ChapterNum string `json:"chapterNumber"`
	} `json:"chapters"`
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

// SearchPage fetches one result page for one provider. An empty query browses
// the provider's default listing, which the hub exposes under the same path.
func (c *Client) SearchPage(ctx context.Context, provider, query string, page int) (Page, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return Page{}, fmt.Errorf("provider is required")
	}
	if page < 1 {
		page = 1
	}
	term := strings.TrimSpace(query)
	if term == "" {
		// The hub treats a lone colon as "list everything"; scraped sources
		// without a browse endpoint return their landing listing for it.
		term = ":"
	}

	uri := c.endpoint + "/" + url.PathEscape(provider) + "/" + url.PathEscape(term) + "?page=" + strconv.Itoa(page)
	var envelope searchEnvelope
	if err := c.getJSON(ctx, uri, &envelope); err != nil {
		return Page{}, err
	}

	results := make([]domain.Title, 0, len(envelope.Results))
	for _, listing := range envelope.Results {
		title, ok := toTitle(provider, listing)
		if !ok {
			continue
		}
		results = append(results, title)
	}
	return Page{Results: results, HasNextPage: envelope.HasNextPage}, nil
}

// Info fetches a provider's detail record for drill-down. Chapter counts from
// the detail list are exact for that provider's copy of the title.
func (c *Client) Info(ctx context.Context, provider, id string) (domain.Title, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	id = strings.TrimSpace(id)
	if provider == "" || id == "" {
		return domain.Title{}, fmt.Errorf("provider and id are required")
	}

	uri := c.endpoint + "/" + url.PathEscape(provider) + "/info?id=" + url.QueryEscape(id)
	var envelope infoEnvelope
	if err := c.getJSON(ctx, uri, &envelope); err != nil {
		return domain.Title{}, err
	}

	name := normalize.Title(envelope.Title)
	if name == "" {
		return domain.Title{}, fmt.Errorf("provider %s title %s: empty upstream record", provider, id)
	}

	title := domain.Title{
		ID:            envelope.ID,
		SourceKind:    domain.SourceKindAggregator,
		Provider:      provider,
		Name:          name,
		AltTitles:     normalize.AltTitles(name, envelope.AltTitles),
		Description:   strings.TrimSpace(envelope.Description),
		Status:        normalize.Status(envelope.Status),
		ContentRating: domain.RatingSafe,
		ContentType:   normalize.ContentType("", providerContentHint(provider)),
		Tags:          genreTags(envelope.Genres),
		Year:          parseYear(envelope.ReleaseDate),
		CoverURL:      strings.TrimSpace(envelope.Image),
	}
	if title.ID == "" {
		title.ID = id
	}
	if n := len(envelope.Chapters); n > 0 {
		title.TotalChapters = domain.ExactChapters(n)
		title.LastChapter = strings.TrimSpace(envelope.Chapters[n-1].ChapterNum)
	} else {
		title.TotalChapters = domain.UnknownChapters()
	}
	return title, nil
}

func (c *Client) getJSON(ctx context.Context, uri string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
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
		return fmt.Errorf("aggregator upstream HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("aggregator upstream payload: %w", err)
	}
	return nil
}

func toTitle(provider string, listing rawListing) (domain.Title, bool) {
	name := normalize.Title(listing.Title)
	id := strings.TrimSpace(listing.ID)
	if id == "" || name == "" {
		return domain.Title{}, false
	}

	rating := domain.RatingSafe
	if listing.NSFW {
		rating = domain.RatingPornographic
	}

	return domain.Title{
		ID:            id,
		SourceKind:    domain.SourceKindAggregator,
		Provider:      provider,
		Name:          name,
		AltTitles:     normalize.AltTitles(name, listing.AltTitles),
		Status:        normalize.Status(listing.Status),
		ContentRating: rating,
		ContentType:   normalize.ContentType("", providerContentHint(provider)),
		Tags:          genreTags(listing.Genres),
		Year:          parseYear(listing.ReleaseDate),
		LastChapter:   strings.TrimSpace(listing.LastChapter),
		TotalChapters: normalize.EstimateChapters(listing.LastChapter),
		CoverURL:      strings.TrimSpace(listing.Image),
	}, true
}

// providerContentHint maps known scraped sources to the content type they
// predominantly carry. Unlisted providers stay unknown.
func providerContentHint(provider string) string {
	switch provider {
	case "flamescans", "toonily":
		return "manhwa"
	case "mangapill", "mgeko":
		return "manga"
	case "mangahere":
		return "manhua"
	default:
		return ""
	}
}

func genreTags(genres []string) []domain.Tag {
	if len(genres) == 0 {
		return nil
	}
	tags := make([]domain.Tag, 0, len(genres))
	seen := make(map[string]struct{}, len(genres))
	for _, genre := range genres {
		name := normalize.Title(genre)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, domain.Tag{
			// Scraped sources have no tag IDs; a slug keeps tags internable.
			ID:    "genre-" + strings.ReplaceAll(key, " ", "-"),
			Name:  name,
			Group: domain.TagGroupGenre,
		})
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

func parseYear(raw json.RawMessage) int {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" || value == "null" {
		return 0
	}
	// Some sources send a full date, others a bare year.
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.Year()
	}
	year, err := strconv.Atoi(value)
	if err != nil || year < 1900 || year > 2100 {
		return 0
	}
	return year
}
