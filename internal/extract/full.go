package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/hubspot"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/metrics"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/sink"
)

// FullExtractor snapshots one entity: page through the complete result set
// and overwrite the prior snapshot in the sink.
type FullExtractor struct {
	client  *hubspot.Client
	pager   *hubspot.Paginator
	sink    sink.Sink
	log     *logrus.Logger
	metrics *metrics.Metrics
	dryRun  bool
}

// NewFullExtractor wires a full extractor from shared run dependencies.
func NewFullExtractor(cfg Config) *FullExtractor {
	return &FullExtractor{
		client:  cfg.Client,
		pager:   cfg.Paginator,
		sink:    cfg.Sink,
		log:     cfg.logger(),
		metrics: cfg.Metrics,
		dryRun:  cfg.DryRun,
	}
}

// Run fetches the entity's complete data set and lands it in overwrite
// mode. Composite entities tolerate per-parent failures; everything else
// is all-or-nothing.
func (f *FullExtractor) Run(ctx context.Context, e Entity) (*Result, error) {
	start := time.Now()

	records, skipped, err := f.fetch(ctx, e)
	if err != nil {
		return nil, err
	}

	res := &Result{Entity: e.Name, Mode: ModeFull, Skipped: skipped}
	if f.dryRun {
		f.log.WithFields(logrus.Fields{
			"entity": e.Name,
			"rows":   len(records),
		}).Info("dry run: skipping sink write")
		res.Rows = int64(len(records))
		res.Duration = time.Since(start)
		return res, nil
	}

	wres, err := f.sink.Write(ctx, &sink.WriteRequest{
		Entity:  e.Name,
		Mode:    sink.ModeOverwrite,
		Format:  sink.Format(e.Format),
		Records: records,
	})
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", e.Name, err)
	}
	res.Rows = wres.RowsWritten
	res.Objects = wres.Objects
	res.Duration = time.Since(start)
	f.metrics.ObserveExtraction(e.Name, string(ModeFull), res.Duration)
	return res, nil
}

func (f *FullExtractor) fetch(ctx context.Context, e Entity) ([]hubspot.Record, int, error) {
	switch e.Kind {
	case KindSimpleList, KindObjectList, KindSearch:
		records, err := f.list(ctx, e)
		return records, 0, err
	case KindCustom:
		records, err := f.listWithFallback(ctx, e)
		return records, 0, err
	case KindComposite:
		return f.composite(ctx, e)
	default:
		return nil, 0, fmt.Errorf("entity %s: unknown source kind %q", e.Name, e.Kind)
	}
}

func (f *FullExtractor) list(ctx context.Context, e Entity) ([]hubspot.Record, error) {
	if (e.Kind == KindObjectList || e.Kind == KindSearch) && e.Object == "" {
		return nil, fmt.Errorf("entity %s has no object type configured; set it in a registry file", e.Name)
	}
	return f.pager.FetchAll(ctx, e.ListPath(), listQuery(e), e.ResultsField)
}

func listQuery(e Entity) url.Values {
	query := url.Values{}
	if e.PageSize > 0 {
		query.Set("limit", strconv.Itoa(e.PageSize))
	}
	for k, v := range e.Query {
		query.Set(k, v)
	}
	return query
}

// listWithFallback tries the primary endpoint and, for non-auth failures,
// the legacy fallback. The fallback may answer with a bare JSON array
// instead of a paging envelope.
func (f *FullExtractor) listWithFallback(ctx context.Context, e Entity) ([]hubspot.Record, error) {
	records, err := f.list(ctx, e)
	if err == nil {
		return records, nil
	}
	var authErr *hubspot.AuthError
	if errors.As(err, &authErr) || e.FallbackPath == "" || ctx.Err() != nil {
		return nil, err
	}

	f.log.WithFields(logrus.Fields{
		"entity": e.Name,
		"path":   e.ListPath(),
		"error":  err.Error(),
	}).Warn("primary endpoint failed, trying fallback")

	query := url.Values{}
	for k, v := range e.FallbackQuery {
		query.Set(k, v)
	}
	payload, ferr := f.client.Get(ctx, e.FallbackPath, query)
	if ferr != nil {
		return nil, fmt.Errorf("fallback %s (primary: %v): %w", e.FallbackPath, err, ferr)
	}
	return bareRecords(payload)
}

func bareRecords(payload any) ([]hubspot.Record, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []any:
		records := make([]hubspot.Record, 0, len(v))
		for _, item := range v {
			if rec, ok := item.(map[string]any); ok {
				records = append(records, rec)
			}
		}
		return records, nil
	case map[string]any:
		return []hubspot.Record{v}, nil
	default:
		return nil, fmt.Errorf("unexpected fallback payload type %T", payload)
	}
}

// composite pages the parent list, then fetches one dependent object per
// parent id. Dependent failures are skipped; auth failures and
// cancellation abort.
func (f *FullExtractor) composite(ctx context.Context, e Entity) ([]hubspot.Record, int, error) {
	parents, err := f.list(ctx, e)
	if err != nil {
		return nil, 0, err
	}

	var out []hubspot.Record
	skipped := 0
	for _, parent := range parents {
		id := stringField(parent, e.Child.IDField)
		if id == "" {
			continue
		}
		payload, cerr := f.client.Get(ctx, strings.ReplaceAll(e.Child.Path, "{id}", id), nil)
		if cerr != nil {
			var authErr *hubspot.AuthError
			if errors.As(cerr, &authErr) || ctx.Err() != nil {
				return nil, skipped, cerr
			}
			skipped++
			f.log.WithField("entity", e.Name).
				WithError(&PartialDependentFetchError{Entity: e.Name, Parent: id, Err: cerr}).
				Warn("dependent fetch failed, skipping")
			continue
		}
		child, ok := payload.(map[string]any)
		if !ok {
			skipped++
			f.log.WithFields(logrus.Fields{
				"entity": e.Name,
				"parent": id,
			}).Warn("dependent response is not an object, skipping")
			continue
		}
		child[e.Child.TagField] = id
		out = append(out, child)
	}
	return out, skipped, nil
}

// stringField renders a record field as a string id.
func stringField(rec hubspot.Record, field string) string {
	switch v := rec[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
