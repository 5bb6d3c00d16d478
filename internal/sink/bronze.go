package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/metrics"
)

const (
	// DefaultPrefix roots all entity paths inside the bucket.
	DefaultPrefix = "bronze/hubspot"
	// DefaultMaxPartRows bounds part-file size so a single huge batch
	// cannot produce one unmanageable object.
	DefaultMaxPartRows = 50000
)

// BronzeConfig configures the bronze-layer sink.
type BronzeConfig struct {
	// Store is the object backend. Required.
	Store ObjectStore
	// Bucket receives every object. Required; created when missing.
	Bucket string
	// Prefix roots the entity layout. Defaults to DefaultPrefix.
	Prefix string
	// Format is the default part encoding. Defaults to FormatJSONL.
	Format Format
	// MaxPartRows caps records per part file.
	MaxPartRows int
	// Logger defaults to the standard logger.
	Logger *logrus.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Bronze lands record batches in the bronze object layout.
type Bronze struct {
	store       ObjectStore
	bucket      string
	prefix      string
	format      Format
	maxPartRows int
	log         *logrus.Logger
	metrics     *metrics.Metrics
}

// NewBronze validates cfg and provisions the bucket when it does not
// exist yet.
func NewBronze(ctx context.Context, cfg BronzeConfig) (*Bronze, error) {
	if cfg.Store == nil {
		return nil, wrapError(CodeWriteFailed, false, fmt.Errorf("object store is required"))
	}
	if cfg.Bucket == "" {
		return nil, wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket is required"))
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSONL
	}
	if cfg.MaxPartRows <= 0 {
		cfg.MaxPartRows = DefaultMaxPartRows
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	exists, err := cfg.Store.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cfg.Store.EnsureBucket(ctx, cfg.Bucket); err != nil {
			return nil, wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket %s not found: %w", cfg.Bucket, err))
		}
	}

	return &Bronze{
		store:       cfg.Store,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		format:      cfg.Format,
		maxPartRows: cfg.MaxPartRows,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Write lands req.Records under the entity prefix. Overwrite mode first
// removes every existing object for the entity, so a failed overwrite can
// leave the entity empty until the next successful run.
func (b *Bronze) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	if req == nil {
		return nil, wrapError(CodeWriteFailed, false, fmt.Errorf("request is required"))
	}
	if req.Entity == "" {
		return nil, wrapError(CodeWriteFailed, false, fmt.Errorf("entity is required"))
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeAppend
	}
	if mode != ModeAppend && mode != ModeOverwrite {
		return nil, wrapError(CodeWriteFailed, false, fmt.Errorf("unknown write mode %q", req.Mode))
	}
	if len(req.Records) == 0 {
		b.log.WithField("entity", req.Entity).Info("no records to write")
		return &WriteResult{}, nil
	}

	loadDate := req.LoadDate
	if loadDate == "" {
		loadDate = time.Now().UTC().Format("2006-01-02")
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	format := req.Format
	if format == "" {
		format = b.format
	}

	if mode == ModeOverwrite {
		cleared, err := b.clearEntity(ctx, req.Entity)
		if err != nil {
			return nil, err
		}
		if cleared > 0 {
			b.log.WithFields(logrus.Fields{
				"entity":  req.Entity,
				"objects": cleared,
			}).Info("cleared prior snapshot")
		}
	}

	ingestedAt := time.Now().UTC().Format(time.RFC3339)
	tagged := make([]Record, len(req.Records))
	for i, rec := range req.Records {
		out := make(Record, len(rec)+2)
		for k, v := range rec {
			out[k] = v
		}
		out[MetaIngestedAt] = ingestedAt
		out[MetaEntity] = req.Entity
		tagged[i] = out
	}

	var objects []string
	for seq := 0; seq*b.maxPartRows < len(tagged); seq++ {
		start := seq * b.maxPartRows
		end := start + b.maxPartRows
		if end > len(tagged) {
			end = len(tagged)
		}
		chunk := tagged[start:end]

		var data []byte
		var err error
		switch format {
		case FormatParquet:
			data, err = encodeParquet(chunk)
		case FormatJSONL:
			data, err = encodeJSONLGz(chunk)
		default:
			return nil, wrapError(CodeEncodeFailed, false, fmt.Errorf("unknown format %q", format))
		}
		if err != nil {
			return nil, wrapError(CodeEncodeFailed, false, err)
		}

		key := joinPath(
			b.prefix,
			req.Entity,
			fmt.Sprintf("dt=%s", loadDate),
			fmt.Sprintf("run=%s", runID),
			fmt.Sprintf("part-%06d%s", seq, partExtension(format)),
		)
		if err := b.store.PutObject(ctx, b.bucket, key, data); err != nil {
			return nil, err
		}
		objects = append(objects, key)
	}

	b.log.WithFields(logrus.Fields{
		"entity":    req.Entity,
		"mode":      string(mode),
		"rows":      len(tagged),
		"parts":     len(objects),
		"load_date": loadDate,
		"run_id":    runID,
	}).Info("landed bronze batch")
	b.metrics.ObserveRows(req.Entity, string(mode), len(tagged))

	return &WriteResult{
		RowsWritten: int64(len(tagged)),
		Objects:     objects,
	}, nil
}

// clearEntity removes every object under the entity prefix and returns how
// many were deleted.
func (b *Bronze) clearEntity(ctx context.Context, entity string) (int, error) {
	prefix := joinPath(b.prefix, entity) + "/"
	keys, err := b.store.ListPrefix(ctx, b.bucket, prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := b.store.DeleteObject(ctx, b.bucket, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func partExtension(format Format) string {
	if format == FormatParquet {
		return ".parquet"
	}
	return ".jsonl.gz"
}
