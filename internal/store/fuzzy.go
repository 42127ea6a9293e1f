package store

import (
	"context"
	"fmt"
	"strings"

	"mangastream/catalogservice/internal/domain"
)

// similarityFloor is the trigram score below which a candidate is considered
// noise rather than a near-match.
const similarityFloor = 0.25

// SearchFuzzy ranks indexed titles against a free-text query. With pg_trgm it
// scores the primary name and every alt title by trigram similarity and keeps
// plain substring hits as a floor; without the extension it degrades to a pure
// ILIKE scan ranked by popularity.
func (s *Store) SearchFuzzy(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return s.List(ctx, req)
	}
	if !s.trgm {
		s.logger.Warn("fuzzy search degraded to substring match", "query", query)
		return s.List(ctx, req)
	}

	// Build the conjunctive filters without the substring condition, then add
	// one match conjunct that accepts either a substring hit or a trigram
	// near-match. Filters stay strictly conjunctive that way.
	filtersOnly := req
	filtersOnly.Query = ""
	where, args, _ := buildListQuery(filtersOnly)

	queryArg := len(args) + 1
	patternArg := len(args) + 2
	matched := fmt.Sprintf(`(
		similarity(name, $%d) >= %v
		OR EXISTS (SELECT 1 FROM unnest(alt_titles) alt WHERE similarity(alt, $%d) >= %v)
		OR name ILIKE $%d
		OR EXISTS (SELECT 1 FROM unnest(alt_titles) alt WHERE alt ILIKE $%d)
	)`, queryArg, similarityFloor, queryArg, similarityFloor, patternArg, patternArg)

	if where == "" {
		where = " WHERE " + matched
	} else {
		where += " AND " + matched
	}
	args = append(args, query, "%"+escapeLike(query)+"%")

	score := fmt.Sprintf(`GREATEST(
		similarity(name, $%d),
		COALESCE((SELECT MAX(similarity(alt, $%d)) FROM unnest(alt_titles) alt), 0)
	)`, queryArg, queryArg)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM titles"+where, args...).Scan(&total); err != nil {
		return domain.ListResponse{}, fmt.Errorf("count fuzzy matches: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	sql := fmt.Sprintf("SELECT %s FROM titles%s ORDER BY %s DESC, popularity DESC, lower(name) ASC LIMIT $%d OFFSET $%d",
		titleColumns, where, score, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, sql, append(args, limit, offset)...)
	if err != nil {
		return domain.ListResponse{}, fmt.Errorf("fuzzy query: %w", err)
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
