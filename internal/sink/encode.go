package sink

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"sort"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// =====================================================
// JSONL.GZ
// =====================================================

func encodeJSONLGz(records []Record) ([]byte, error) {
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	enc := json.NewEncoder(gz)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}
	// Close explicitly to capture flush errors.
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =====================================================
// PARQUET
// =====================================================

// parquetColumn pairs a record key with its inferred physical type.
type parquetColumn struct {
	name     string
	physical string
}

func encodeParquet(records []Record) ([]byte, error) {
	columns := inferParquetColumns(records)
	schemaDef, err := buildParquetSchema(columns)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(schemaDef, pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	// The JSON writer consumes one JSON document per row.
	for _, rec := range records {
		row, err := json.Marshal(projectParquetRow(rec, columns))
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("encode parquet row: %w", err)
		}
		if err := pw.Write(string(row)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

// inferParquetColumns derives a flat schema from the union of record keys,
// typing each column from its first non-nil value. Keys whose values are
// never scalar land as JSON-rendered strings.
func inferParquetColumns(records []Record) []parquetColumn {
	types := map[string]string{}
	var names []string
	for _, rec := range records {
		for key, val := range rec {
			if _, seen := types[key]; !seen {
				types[key] = ""
				names = append(names, key)
			}
			if types[key] == "" && val != nil {
				types[key] = parquetPhysicalType(val)
			}
		}
	}
	sort.Strings(names)

	columns := make([]parquetColumn, 0, len(names))
	for _, name := range names {
		physical := types[name]
		if physical == "" {
			physical = "BYTE_ARRAY"
		}
		columns = append(columns, parquetColumn{name: name, physical: physical})
	}
	return columns
}

func parquetPhysicalType(val any) string {
	switch val.(type) {
	case bool:
		return "BOOLEAN"
	case float64, float32, int, int32, int64:
		return "DOUBLE"
	default:
		return "BYTE_ARRAY"
	}
}

func buildParquetSchema(columns []parquetColumn) (string, error) {
	fields := make([]map[string]string, 0, len(columns))
	for _, col := range columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", col.name, col.physical),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("build parquet schema: %w", err)
	}
	return string(b), nil
}

// projectParquetRow coerces one record onto the column set. Values that do
// not match their column's type are JSON-rendered for BYTE_ARRAY columns
// and dropped to null otherwise.
func projectParquetRow(rec Record, columns []parquetColumn) map[string]any {
	row := make(map[string]any, len(columns))
	for _, col := range columns {
		val, ok := rec[col.name]
		if !ok || val == nil {
			row[col.name] = nil
			continue
		}
		switch col.physical {
		case "BOOLEAN":
			if b, ok := val.(bool); ok {
				row[col.name] = b
			} else {
				row[col.name] = nil
			}
		case "DOUBLE":
			switch n := val.(type) {
			case float64:
				row[col.name] = n
			case float32:
				row[col.name] = float64(n)
			case int:
				row[col.name] = float64(n)
			case int32:
				row[col.name] = float64(n)
			case int64:
				row[col.name] = float64(n)
			default:
				row[col.name] = nil
			}
		default:
			if s, ok := val.(string); ok {
				row[col.name] = s
			} else if b, err := json.Marshal(val); err == nil {
				row[col.name] = string(b)
			} else {
				row[col.name] = nil
			}
		}
	}
	return row
}
