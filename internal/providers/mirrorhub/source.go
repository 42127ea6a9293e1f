package mirrorhub

import (
	"context"

	"mangastream/catalogservice/internal/domain"
)

// Source binds the shared hub client to one named provider so the aggregation
// engine can drive each provider through its pages independently.
type Source struct {
	client *Client
	name   string
	label  string
}

func NewSource(client *Client, name, label string) *Source {
	if label == "" {
		label = name
	}
	return &Source{client: client, name: name, label: label}
}

func (s *Source) Name() string  { return s.name }
func (s *Source) Label() string { return s.label }

func (s *Source) FetchPage(ctx context.Context, query string, page int) ([]domain.Title, error) {
	result, err := s.client.SearchPage(ctx, s.name, query, page)
	if err != nil {
		return nil, err
	}
	return result.Results, nil
}
