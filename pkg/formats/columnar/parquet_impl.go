package columnar

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/Cerresi/bees-case/pkg/errors"
)

// Encode writes rows as a single Parquet file, flushing a record batch every
// config.BatchSize rows.
func (c *Codec[T]) Encode(rows []T, config *WriterConfig) ([]byte, error) {
	if config == nil {
		config = DefaultWriterConfig()
	}
	codec, err := ParseCompression(config.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid parquet compression")
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultWriterConfig().BatchSize
	}

	pool := memory.NewGoAllocator()
	opts := []parquet.WriterProperty{
		parquet.WithCompression(codec),
		parquet.WithDictionaryDefault(config.DictionarySize > 0),
	}
	if config.PageSize > 0 {
		opts = append(opts, parquet.WithDataPageSize(int64(config.PageSize)))
	}
	if config.RowGroupLength > 0 {
		opts = append(opts, parquet.WithMaxRowGroupLength(int64(config.RowGroupLength)))
	}

	var buf bytes.Buffer
	fw, err := pqarrow.NewFileWriter(c.schema, &buf, parquet.NewWriterProperties(opts...),
		pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(pool)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	builder := array.NewRecordBuilder(pool, c.schema)
	defer builder.Release()

	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		record := builder.NewRecord()
		defer record.Release()
		if err := fw.WriteBuffered(record); err != nil {
			return fmt.Errorf("failed to write record batch: %w", err)
		}
		pending = 0
		return nil
	}

	for i := range rows {
		c.append(builder, &rows[i])
		pending++
		if pending >= batchSize {
			if err := flush(); err != nil {
				_ = fw.Close()
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every row of a Parquet file produced by Encode.
func (c *Codec[T]) Decode(ctx context.Context, data []byte, config *ReaderConfig) ([]T, error) {
	if config == nil {
		config = DefaultReaderConfig()
	}

	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet reader: %w", err)
	}
	defer fr.Close()

	pool := memory.NewGoAllocator()
	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{BatchSize: config.BatchSize}, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow reader: %w", err)
	}

	rr, err := arrowReader.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create record reader: %w", err)
	}
	defer rr.Release()

	rows := make([]T, 0, fr.NumRows())
	for rr.Next() {
		batch, err := c.scan(rr.Record())
		if err != nil {
			return nil, fmt.Errorf("failed to decode record batch: %w", err)
		}
		rows = append(rows, batch...)
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read Parquet data: %w", err)
	}
	return rows, nil
}
