// Package sink lands extracted records in a bronze object layout:
//
//	{prefix}/{entity}/dt={load_date}/run={run_id}/part-000000.jsonl.gz
//
// Raw API payloads are preserved as-is; the sink only adds ingestion
// metadata fields. Downstream layers own typing and dedup.
package sink

import "context"

// Record is one raw API object.
type Record = map[string]any

// Mode selects how a write relates to data already in the entity prefix.
type Mode string

const (
	// ModeAppend adds a new run directory and leaves prior runs in place.
	ModeAppend Mode = "append"
	// ModeOverwrite removes every object under the entity prefix before
	// writing, so the entity holds exactly one snapshot.
	ModeOverwrite Mode = "overwrite"
)

// Format selects the part-file encoding.
type Format string

const (
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// Metadata fields stamped onto every landed record. The underscore prefix
// keeps them clear of HubSpot property names.
const (
	MetaIngestedAt = "_ingested_at"
	MetaEntity     = "_entity"
)

// WriteRequest is one batch of records destined for a single entity.
type WriteRequest struct {
	// Entity names the bronze table, e.g. "contacts".
	Entity string
	// Mode defaults to ModeAppend.
	Mode Mode
	// LoadDate partitions the run (YYYY-MM-DD). Defaults to today UTC.
	LoadDate string
	// RunID isolates this run's part files. Defaults to a fresh UUID.
	RunID string
	// Format overrides the sink's default encoding when set.
	Format Format
	// Records are written in order across sequentially numbered parts.
	Records []Record
}

// WriteResult reports what landed.
type WriteResult struct {
	RowsWritten int64
	Objects     []string
}

// Sink lands record batches. Implementations must treat an empty batch as
// a no-op success.
type Sink interface {
	Write(ctx context.Context, req *WriteRequest) (*WriteResult, error)
}
