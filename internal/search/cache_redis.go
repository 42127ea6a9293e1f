package search

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mangastream/catalogservice/internal/domain"
)

const redisCachePrefix = "catalog:cache:"

// RedisCacheBackend stores live-aggregation responses in Redis with JSON
// serialization. Only the live tier is cached: index responses are already
// cheap and would go stale against their own backing table.
type RedisCacheBackend struct {
	client *redis.Client
}

func NewRedisCacheBackend(client *redis.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.ListResponse, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.ListResponse{}, false, nil
		}
		return domain.ListResponse{}, false, err
	}
	var resp domain.ListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.ListResponse{}, false, err
	}
	return resp, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, response domain.ListResponse, ttl time.Duration) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, ttl).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// buildListCacheKey derives a stable key from every request field that
// changes the response.
func buildListCacheKey(req domain.ListRequest) string {
	return strings.Join([]string{
		"q=" + strings.ToLower(strings.TrimSpace(req.Query)),
		"s=" + string(req.Section),
		"st=" + strings.ToLower(strings.TrimSpace(req.Subtype)),
		"l=" + strconv.Itoa(req.Limit),
		"o=" + strconv.Itoa(req.Offset),
		"sb=" + string(req.SortBy),
		"so=" + string(req.SortOrder),
		"f=" + filtersKey(req.Filters),
	}, "|")
}

func filtersKey(filters domain.ListFilters) string {
	return strings.Join([]string{
		"st=" + joinLower(filters.Statuses),
		"cr=" + joinLower(filters.ContentRatings),
		"dg=" + joinLower(filters.Demographics),
		"lg=" + joinLower(filters.Languages),
		"yf=" + strconv.Itoa(filters.YearFrom),
		"yt=" + strconv.Itoa(filters.YearTo),
		"cn=" + strconv.Itoa(filters.MinChapters),
		"cx=" + strconv.Itoa(filters.MaxChapters),
		"ti=" + joinLower(filters.IncludeTags),
		"te=" + joinLower(filters.ExcludeTags),
	}, ";")
}

func joinLower[T ~string](values []T) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		value := strings.ToLower(strings.TrimSpace(string(v)))
		if value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, ",")
}
