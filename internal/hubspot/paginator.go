package hubspot

import (
	"context"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/metrics"
)

// =============================================================================
// CURSOR PAGINATION
// =============================================================================

const (
	// DefaultResultsField is the envelope field holding page records.
	DefaultResultsField = "results"

	// DefaultMaxPages bounds a single pagination walk.
	DefaultMaxPages = 10000
)

// PaginatorConfig configures pagination behavior.
type PaginatorConfig struct {
	// MaxPages bounds one walk (default: DefaultMaxPages). Exceeding it, or
	// seeing the same cursor twice, fails with *PaginationOverrunError.
	MaxPages int

	// Logger (default: logrus standard logger).
	Logger *logrus.Logger

	// Metrics receives per-page observations when set.
	Metrics *metrics.Metrics
}

// Paginator walks cursor-linked list endpoints, accumulating results until
// the envelope stops naming a next cursor. Cursors are opaque and forwarded
// verbatim; pages are strictly sequential because each cursor depends on
// the previous response.
type Paginator struct {
	client   *Client
	maxPages int
	log      *logrus.Logger
	metrics  *metrics.Metrics
}

// NewPaginator creates a paginator over the given client.
func NewPaginator(client *Client, config *PaginatorConfig) *Paginator {
	if config == nil {
		config = &PaginatorConfig{}
	}
	if config.MaxPages == 0 {
		config.MaxPages = DefaultMaxPages
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Paginator{
		client:   client,
		maxPages: config.MaxPages,
		log:      config.Logger,
		metrics:  config.Metrics,
	}
}

// FetchAll pages a GET endpoint. The continuation cursor from
// paging.next.after is merged into the query parameters as after,
// overwriting any prior value.
func (p *Paginator) FetchAll(ctx context.Context, path string, params url.Values, resultsField string) ([]Record, error) {
	query := url.Values{}
	for k, vs := range params {
		query[k] = append([]string(nil), vs...)
	}

	var out []Record
	seen := make(map[string]struct{})
	for page := 1; ; page++ {
		if page > p.maxPages {
			return nil, &PaginationOverrunError{Path: path, Pages: page - 1}
		}

		data, err := p.client.Get(ctx, path, query)
		if err != nil {
			return nil, err
		}

		envelope, _ := data.(map[string]any)
		records := pageRecords(envelope, resultsField)
		out = append(out, records...)
		p.metrics.ObservePage(path)
		p.log.WithFields(logrus.Fields{"path": path, "page": page, "records": len(records)}).Debug("fetched page")

		cursor := nextCursor(envelope)
		if cursor == "" {
			return out, nil
		}
		if _, dup := seen[cursor]; dup {
			return nil, &PaginationOverrunError{Path: path, Pages: page, Cursor: cursor}
		}
		seen[cursor] = struct{}{}
		query.Set("after", cursor)
	}
}

// FetchAllSearch pages a POST search endpoint. The continuation cursor
// rides in the JSON body's after field rather than the query string.
func (p *Paginator) FetchAllSearch(ctx context.Context, path string, body map[string]any, resultsField string) ([]Record, error) {
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}

	var out []Record
	seen := make(map[string]struct{})
	for page := 1; ; page++ {
		if page > p.maxPages {
			return nil, &PaginationOverrunError{Path: path, Pages: page - 1}
		}

		data, err := p.client.Post(ctx, path, payload)
		if err != nil {
			return nil, err
		}

		envelope, _ := data.(map[string]any)
		records := pageRecords(envelope, resultsField)
		out = append(out, records...)
		p.metrics.ObservePage(path)
		p.log.WithFields(logrus.Fields{"path": path, "page": page, "records": len(records)}).Debug("fetched search page")

		cursor := nextCursor(envelope)
		if cursor == "" {
			return out, nil
		}
		if _, dup := seen[cursor]; dup {
			return nil, &PaginationOverrunError{Path: path, Pages: page, Cursor: cursor}
		}
		seen[cursor] = struct{}{}
		payload["after"] = cursor
	}
}

// pageRecords pulls the record slice out of a page envelope. Entries that
// are not JSON objects are dropped.
func pageRecords(envelope map[string]any, field string) []Record {
	if field == "" {
		field = DefaultResultsField
	}
	items, _ := envelope[field].([]any)
	records := make([]Record, 0, len(items))
	for _, item := range items {
		if rec, ok := item.(map[string]any); ok {
			records = append(records, rec)
		}
	}
	return records
}

// nextCursor digs paging.next.after out of a page envelope.
func nextCursor(envelope map[string]any) string {
	paging, _ := envelope["paging"].(map[string]any)
	next, _ := paging["next"].(map[string]any)
	switch after := next["after"].(type) {
	case string:
		return after
	case float64:
		return strconv.FormatFloat(after, 'f', -1, 64)
	}
	return ""
}
