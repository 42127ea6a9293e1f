package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mangastream/catalogservice/internal/domain"
)

const upsertChunkSize = 50

// queryBuilder accumulates conjunctive WHERE conditions with positional args.
type queryBuilder struct {
	conds []string
	args  []any
}

// push appends a condition; each $%d verb in cond is filled with consecutive
// positional placeholder indices matching args.
func (b *queryBuilder) push(cond string, args ...any) {
	indices := make([]any, 0, len(args))
	for range args {
		indices = append(indices, len(b.args)+len(indices)+1)
	}
	b.args = append(b.args, args...)
	b.conds = append(b.conds, fmt.Sprintf(cond, indices...))
}

func (b *queryBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// buildListQuery translates a structured request into WHERE conditions and an
// ORDER BY clause. Every filter is conjunctive. An empty content-rating filter
// gets the safe defaults, so explicit content never leaks into unfiltered
// listings.
func buildListQuery(req domain.ListRequest) (string, []any, string) {
	b := &queryBuilder{}

	if req.Section == domain.SectionCanonical {
		b.push("source_kind = $%d", string(domain.SourceKindCanonical))
	} else {
		b.push("source_kind = $%d", string(domain.SourceKindAggregator))
	}

	if subtype := strings.ToLower(strings.TrimSpace(req.Subtype)); subtype != "" && subtype != "all" {
		b.push("content_type = $%d", subtype)
	}

	if query := strings.TrimSpace(req.Query); query != "" {
		pattern := "%" + escapeLike(query) + "%"
		b.push("(name ILIKE $%d OR description ILIKE $%d OR EXISTS (SELECT 1 FROM unnest(alt_titles) alt WHERE alt ILIKE $%d))",
			pattern, pattern, pattern)
	}

	if len(req.Filters.Statuses) > 0 {
		b.push("status = ANY($%d)", stringify(req.Filters.Statuses))
	}

	ratings := req.Filters.ContentRatings
	if len(ratings) == 0 {
		ratings = domain.DefaultContentRatings()
	}
	b.push("content_rating = ANY($%d)", stringify(ratings))

	if len(req.Filters.Demographics) > 0 {
		b.push("demographic = ANY($%d)", stringify(req.Filters.Demographics))
	}
	if len(req.Filters.Languages) > 0 {
		langs := make([]string, 0, len(req.Filters.Languages))
		for _, lang := range req.Filters.Languages {
			langs = append(langs, strings.ToLower(strings.TrimSpace(lang)))
		}
		b.push("original_language = ANY($%d)", langs)
	}

	if req.Filters.YearFrom > 0 {
		b.push("release_year >= $%d", req.Filters.YearFrom)
	}
	if req.Filters.YearTo > 0 {
		b.push("release_year > 0 AND release_year <= $%d", req.Filters.YearTo)
	}

	// Chapter-range filters only apply to rows whose count is trusted at all;
	// unknown counts never match a range.
	if req.Filters.MinChapters > 0 {
		b.push("chapter_confidence <> 'unknown' AND chapter_count >= $%d", req.Filters.MinChapters)
	}
	if req.Filters.MaxChapters > 0 {
		b.push("chapter_confidence <> 'unknown' AND chapter_count <= $%d", req.Filters.MaxChapters)
	}

	if include := cleanTagIDs(req.Filters.IncludeTags); len(include) > 0 {
		// Conjunctive tag match: the title must carry every included tag.
		b.push(`title_key IN (
			SELECT title_key FROM title_tags WHERE tag_id = ANY($%d)
			GROUP BY title_key HAVING COUNT(DISTINCT tag_id) = $%d)`,
			include, len(include))
	}
	if exclude := cleanTagIDs(req.Filters.ExcludeTags); len(exclude) > 0 {
		b.push(`NOT EXISTS (
			SELECT 1 FROM title_tags tt
			WHERE tt.title_key = titles.title_key AND tt.tag_id = ANY($%d))`, exclude)
	}

	return b.where(), b.args, orderClause(req.SortBy, req.SortOrder, strings.TrimSpace(req.Query) != "")
}

func orderClause(sortBy domain.SortBy, sortOrder domain.SortOrder, hasQuery bool) string {
	direction := "DESC"
	if sortOrder == domain.SortOrderAsc {
		direction = "ASC"
	}
	switch sortBy {
	case domain.SortByLatest:
		return "ORDER BY updated_at " + direction + ", lower(name) ASC"
	case domain.SortByTitle:
		return "ORDER BY lower(name) " + direction + ", title_key ASC"
	case domain.SortByYear:
		return "ORDER BY release_year " + direction + ", lower(name) ASC"
	case domain.SortByPopularity:
		return "ORDER BY popularity " + direction + ", lower(name) ASC"
	default:
		// Relevance: popularity then recency with a query, recency alone
		// when browsing.
		if hasQuery {
			return "ORDER BY popularity " + direction + ", updated_at DESC, lower(name) ASC"
		}
		return "ORDER BY updated_at " + direction + ", lower(name) ASC"
	}
}

func escapeLike(raw string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(raw)
}

func stringify[T ~string](values []T) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

func cleanTagIDs(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

const titleColumns = `title_key, upstream_id, source_kind, provider, name, alt_titles,
	description, status, content_rating, demographic, original_language, content_type,
	release_year, last_chapter, chapter_confidence, chapter_count, cover_url, popularity, updated_at`

// List runs a structured index query: conjunctive filters, total count, one
// page of rows with their tags attached.
func (s *Store) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	where, args, order := buildListQuery(req)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM titles"+where, args...).Scan(&total); err != nil {
		return domain.ListResponse{}, fmt.Errorf("count titles: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	sql := fmt.Sprintf("SELECT %s FROM titles%s %s LIMIT $%d OFFSET $%d",
		titleColumns, where, order, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, sql, append(args, limit, offset)...)
	if err != nil {
		return domain.ListResponse{}, fmt.Errorf("query titles: %w", err)
	}
	items, err := scanTitles(rows)
	if err != nil {
		return domain.ListResponse{}, err
	}
	if err := s.attachTags(ctx, items); err != nil {
		return domain.ListResponse{}, err
	}

	return domain.ListResponse{
		Items:      items,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		TotalPages: totalPages(total, limit),
		Source:     domain.ResultSourceIndex,
	}, nil
}

// CountBySourceKind reports how many titles of one source kind are indexed.
// The search router uses it to decide whether the index is usable at all.
func (s *Store) CountBySourceKind(ctx context.Context, kind domain.SourceKind) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM titles WHERE source_kind = $1`, string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by source kind: %w", err)
	}
	return count, nil
}

// UpsertTitles writes a batch of normalized titles and their tags. Batches are
// committed in chunks so a failing sync still leaves earlier chunks durable.
func (s *Store) UpsertTitles(ctx context.Context, titles []domain.Title) (int, error) {
	written := 0
	for start := 0; start < len(titles); start += upsertChunkSize {
		end := min(start+upsertChunkSize, len(titles))
		if err := s.upsertChunk(ctx, titles[start:end]); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (s *Store) upsertChunk(ctx context.Context, titles []domain.Title) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, title := range titles {
		key := titleKey(title.Provider, title.ID)
		updatedAt := title.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		batch.Queue(`INSERT INTO titles (title_key, upstream_id, source_kind, provider, name,
			alt_titles, description, status, content_rating, demographic, original_language,
			content_type, release_year, last_chapter, chapter_confidence, chapter_count,
			cover_url, popularity, updated_at, indexed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now())
			ON CONFLICT (title_key) DO UPDATE SET
				name = EXCLUDED.name,
				alt_titles = EXCLUDED.alt_titles,
				description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE titles.description END,
				status = EXCLUDED.status,
				content_rating = EXCLUDED.content_rating,
				demographic = EXCLUDED.demographic,
				original_language = EXCLUDED.original_language,
				content_type = EXCLUDED.content_type,
				release_year = EXCLUDED.release_year,
				last_chapter = EXCLUDED.last_chapter,
				chapter_confidence = EXCLUDED.chapter_confidence,
				chapter_count = EXCLUDED.chapter_count,
				cover_url = CASE WHEN EXCLUDED.cover_url <> '' THEN EXCLUDED.cover_url ELSE titles.cover_url END,
				popularity = EXCLUDED.popularity,
				updated_at = EXCLUDED.updated_at,
				indexed_at = now()`,
			key, title.ID, string(title.SourceKind), strings.ToLower(title.Provider), title.Name,
			title.AltTitles, title.Description, string(title.Status), string(title.ContentRating),
			string(title.Demographic), title.OriginalLanguage, string(title.ContentType),
			title.Year, title.LastChapter, string(title.TotalChapters.Confidence),
			title.TotalChapters.N, title.CoverURL, title.Popularity, updatedAt)

		for _, tag := range title.Tags {
			batch.Queue(`INSERT INTO tags (tag_id, name, tag_group) VALUES ($1, $2, $3)
				ON CONFLICT (tag_id) DO UPDATE SET name = EXCLUDED.name, tag_group = EXCLUDED.tag_group`,
				tag.ID, tag.Name, string(tag.Group))
		}
		batch.Queue(`DELETE FROM title_tags WHERE title_key = $1`, key)
		for _, tag := range title.Tags {
			batch.Queue(`INSERT INTO title_tags (title_key, tag_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, key, tag.ID)
		}
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return tx.Commit(ctx)
}

func scanTitles(rows pgx.Rows) ([]domain.Title, error) {
	defer rows.Close()
	var items []domain.Title
	for rows.Next() {
		var (
			t          domain.Title
			key        string
			kind       string
			status     string
			rating     string
			demo       string
			ctype      string
			confidence string
			count      int
		)
		if err := rows.Scan(&key, &t.ID, &kind, &t.Provider, &t.Name, &t.AltTitles,
			&t.Description, &status, &rating, &demo, &t.OriginalLanguage, &ctype,
			&t.Year, &t.LastChapter, &confidence, &count, &t.CoverURL, &t.Popularity,
			&t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		t.SourceKind = domain.SourceKind(kind)
		t.Status = domain.Status(status)
		t.ContentRating = domain.ContentRating(rating)
		t.Demographic = domain.Demographic(demo)
		t.ContentType = domain.ContentType(ctype)
		t.TotalChapters = domain.ChapterCount{Confidence: domain.ChapterConfidence(confidence), N: count}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *Store) attachTags(ctx context.Context, items []domain.Title) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	index := make(map[string]int, len(items))
	for i, item := range items {
		key := titleKey(item.Provider, item.ID)
		keys = append(keys, key)
		index[key] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tt.title_key, t.tag_id, t.name, t.tag_group
		FROM title_tags tt JOIN tags t ON t.tag_id = tt.tag_id
		WHERE tt.title_key = ANY($1)
		ORDER BY t.name`, keys)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tag domain.Tag
		var group string
		if err := rows.Scan(&key, &tag.ID, &tag.Name, &group); err != nil {
			return fmt.Errorf("scan tag: %w", err)
		}
		tag.Group = domain.TagGroup(group)
		if i, ok := index[key]; ok {
			items[i].Tags = append(items[i].Tags, tag)
		}
	}
	return rows.Err()
}

func totalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
