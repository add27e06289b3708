package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hannabros/researchflow/internal/activities"
	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

type SearchConfig struct {
	// URL receives a POST of {"query": ..., "search_type": ...} and answers
	// with a JSON document, which is stored as the step result unchanged.
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HTTPSearch implements activities.SearchClient against a JSON search
// endpoint.
type HTTPSearch struct {
	cfg  SearchConfig
	http *http.Client
}

var _ activities.SearchClient = (*HTTPSearch)(nil)

type searchRequest struct {
	Query      string         `json:"query"`
	SearchType api.SearchType `json:"search_type"`
}

func NewHTTPSearch(cfg SearchConfig) *HTTPSearch {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPSearch{cfg: cfg, http: newHTTPClient(cfg.Timeout)}
}

func (s *HTTPSearch) Search(ctx context.Context, query string, searchType api.SearchType) (xjson.RawMessage, error) {
	if s.cfg.URL == "" {
		return nil, errors.New("search url is not configured")
	}
	payload, err := xjson.Marshal(searchRequest{Query: query, SearchType: searchType})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var out xjson.RawMessage
	if err := postJSON(ctx, s.http, s.cfg.URL, s.cfg.APIKey, payload, &out); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if !xjson.Valid(out) {
		return nil, fmt.Errorf("search %q: response is not JSON", query)
	}
	return out, nil
}
