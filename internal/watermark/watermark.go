// Package watermark persists per-entity extraction checkpoints. The store
// keeps the full history of upserts; readers resolve the single current
// entry per entity as the one with the greatest updated_at.
//
// Watermark values are canonicalized to epoch milliseconds rendered as
// decimal strings, so "max seen" and search lower bounds compare
// numerically regardless of the format the upstream returned.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Epoch is the default watermark for entities that were never extracted.
const Epoch = "0"

// ErrVersionConflict is returned by CheckAndSet when the entity's current
// version no longer matches the caller's expectation. It means another
// writer advanced the watermark mid-run.
var ErrVersionConflict = errors.New("watermark version conflict")

// Entry is one row of checkpoint history.
type Entry struct {
	Entity    string
	Type      string
	Value     string
	Version   int64
	UpdatedAt time.Time
}

// Store persists watermark history. Set must be durable and visible to the
// next Get before it returns. Writers to different entities never block
// each other; concurrent writers to the same entity are serialized through
// the version check.
type Store interface {
	// Get returns the current watermark value for entity, or def when the
	// entity has no history.
	Get(ctx context.Context, entity, def string) (string, error)

	// Current returns the full current entry, or nil when the entity has
	// no history.
	Current(ctx context.Context, entity string) (*Entry, error)

	// Set appends a new history row stamped with the current time.
	Set(ctx context.Context, entity, watermarkType, value string) error

	// CheckAndSet appends a new history row only if the entity's current
	// version equals expectedVersion (0 for no history). It returns the
	// new version, or ErrVersionConflict.
	CheckAndSet(ctx context.Context, entity, watermarkType, value string, expectedVersion int64) (int64, error)

	// List returns the current entry of every entity, ordered by entity.
	List(ctx context.Context) ([]Entry, error)

	Close() error
}

// EpochMillis parses a watermark or change-field value into epoch
// milliseconds. Accepted forms: a decimal integer (already epoch ms) or an
// RFC 3339 timestamp with optional fractional seconds, which is how
// hs_lastmodifieddate comes back from the API.
func EpochMillis(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, fmt.Errorf("empty watermark value")
	}
	if isDecimal(v) {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse watermark %q: %w", v, err)
		}
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("watermark value %q is neither epoch millis nor RFC 3339", v)
}

// Format renders epoch milliseconds in the canonical stored form.
func Format(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

func isDecimal(v string) bool {
	if v == "" {
		return false
	}
	start := 0
	if v[0] == '-' {
		if len(v) == 1 {
			return false
		}
		start = 1
	}
	for i := start; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}
