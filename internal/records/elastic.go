package records

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
)

// ElasticStore serves records from Elasticsearch indices named after objects.
type ElasticStore struct {
	client      *elasticsearch.Client
	indexPrefix string
	maxHits     int
}

// NewElasticStore creates a client against the given addresses.
func NewElasticStore(addresses []string, username, password, indexPrefix string) (*ElasticStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &ElasticStore{client: client, indexPrefix: indexPrefix, maxHits: 10000}, nil
}

// Find issues a bool/filter search and returns each hit's _source.
func (s *ElasticStore) Find(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error) {
	body, err := json.Marshal(elasticQuery(filter, opts, s.maxHits))
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.indexPrefix+object),
		s.client.Search.WithBody(strings.NewReader(string(body))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", object, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search %s returned %s: %s", object, res.Status(), strings.TrimSpace(string(msg)))
	}
	return decodeHits(res.Body)
}

func elasticQuery(filter Filter, opts FindOptions, maxHits int) map[string]any {
	clauses := make([]map[string]any, 0, len(filter))
	for _, c := range filter {
		switch c.Op {
		case OpIn:
			clauses = append(clauses, map[string]any{"terms": map[string]any{c.Field: c.Value}})
		default:
			clauses = append(clauses, map[string]any{"term": map[string]any{c.Field: c.Value}})
		}
	}

	size := maxHits
	if opts.Limit > 0 && opts.Limit < size {
		size = opts.Limit
	}
	query := map[string]any{
		"size":  size,
		"query": map[string]any{"bool": map[string]any{"filter": clauses}},
	}
	if len(opts.Fields) > 0 {
		query["_source"] = opts.Fields
	}
	return query
}

func decodeHits(r io.Reader) ([]Record, error) {
	var payload struct {
		Hits struct {
			Hits []struct {
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	out := make([]Record, 0, len(payload.Hits.Hits))
	for _, h := range payload.Hits.Hits {
		out = append(out, Record(h.Source))
	}
	return out, nil
}
