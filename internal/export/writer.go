// Package export writes dataset ways, points and search matches to Parquet
package export

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// Feature is one output row
type Feature struct {
	OSMID     int64
	Kind      string
	Changeset int64 // 0 when unknown
	User      string
	Tags      map[string]string
	WKB       []byte

	// Extra holds script-defined columns by name
	Extra map[string]string
}

// fixed columns before the extra ones
const fixedColumns = 6

// TagsToJSON encodes tags as a JSON object
func TagsToJSON(tags map[string]string) string {
	if len(tags) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// FeatureWriter writes features in batches of record batches
type FeatureWriter struct {
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	extra     []string
	batchSize int
	count     int
	total     int
}

// NewFeatureWriter creates path and writes features to it. extra names the
// nullable string columns appended after the fixed ones.
func NewFeatureWriter(path string, batchSize int, extra []string) (*FeatureWriter, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}

	fields := []arrow.Field{
		{Name: "osm_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "kind", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "changeset", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "user", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: true},
	}
	for _, name := range extra {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &FeatureWriter{
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, schema),
		extra:     extra,
		batchSize: batchSize,
	}, nil
}

// Write buffers a feature, flushing a record batch when full
func (w *FeatureWriter) Write(f Feature) error {
	w.builder.Field(0).(*array.Int64Builder).Append(f.OSMID)
	w.builder.Field(1).(*array.StringBuilder).Append(f.Kind)

	if f.Changeset != 0 {
		w.builder.Field(2).(*array.Int64Builder).Append(f.Changeset)
	} else {
		w.builder.Field(2).AppendNull()
	}
	if f.User != "" {
		w.builder.Field(3).(*array.StringBuilder).Append(f.User)
	} else {
		w.builder.Field(3).AppendNull()
	}

	w.builder.Field(4).(*array.StringBuilder).Append(TagsToJSON(f.Tags))

	if f.WKB != nil {
		w.builder.Field(5).(*array.BinaryBuilder).Append(f.WKB)
	} else {
		w.builder.Field(5).AppendNull()
	}

	for i, name := range w.extra {
		b := w.builder.Field(fixedColumns + i).(*array.StringBuilder)
		if v, ok := f.Extra[name]; ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	}

	w.count++
	w.total++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Count returns how many features were written
func (w *FeatureWriter) Count() int { return w.total }

func (w *FeatureWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes pending rows and closes the file
func (w *FeatureWriter) Close() error {
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		w.writer.Close()
		return err
	}
	// The pqarrow writer closes the underlying file
	return w.writer.Close()
}
