package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

// parquetBar is the file schema. Prices are float64 on disk; the lossless
// decimal form lives in the warehouse proper, Parquet files are a staging
// format for bulk loads.
type parquetBar struct {
	Symbol    string    `parquet:"symbol"`
	Timestamp time.Time `parquet:"ts,timestamp"`
	Open      *float64  `parquet:"open,optional"`
	High      *float64  `parquet:"high,optional"`
	Low       *float64  `parquet:"low,optional"`
	Close     *float64  `parquet:"close,optional"`
	Volume    *float64  `parquet:"volume,optional"`
	Source    string    `parquet:"source"`
}

// ParquetSink writes each appended table as one Parquet file under
// root/destination/. Files are named symbol_source_timestamp.parquet so
// repeated ingests stage new files instead of corrupting old ones; the
// warehouse loader deduplicates on its primary key.
type ParquetSink struct {
	root   string
	logger *slog.Logger
	closed bool
	now    func() time.Time
}

// NewParquetSink creates a sink writing under the given root directory.
// A nil logger falls back to slog.Default.
func NewParquetSink(root string, logger *slog.Logger) (*ParquetSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("warehouse: creating parquet root %s: %w", root, err)
	}
	return &ParquetSink{
		root:   root,
		logger: logger.With("component", "parquet_sink"),
		now:    time.Now,
	}, nil
}

func floatArg(v decimal.NullDecimal) *float64 {
	if !v.Valid {
		return nil
	}
	f, _ := v.Decimal.Float64()
	return &f
}

// Append writes the table as a Parquet file under the destination directory.
func (s *ParquetSink) Append(ctx context.Context, table *models.BarTable, destination string) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if table.Empty() {
		return nil
	}

	dir := filepath.Join(s.root, destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("warehouse: creating destination %s: %w", dir, err)
	}

	rows := make([]parquetBar, 0, table.Len())
	for i := range table.Bars {
		b := &table.Bars[i]
		rows = append(rows, parquetBar{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UTC(),
			Open:      floatArg(b.Open),
			High:      floatArg(b.High),
			Low:       floatArg(b.Low),
			Close:     floatArg(b.Close),
			Volume:    floatArg(b.Volume),
			Source:    string(b.Source),
		})
	}

	name := fmt.Sprintf("%s_%s_%d.parquet", table.Symbol, table.Source, s.now().UnixNano())
	path := filepath.Join(dir, name)
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("warehouse: writing %s: %w", path, err)
	}

	s.logger.Debug("staged parquet file", "path", path, "rows", len(rows))
	return nil
}

// Close marks the sink closed.
func (s *ParquetSink) Close() error {
	s.closed = true
	return nil
}

var _ Sink = (*ParquetSink)(nil)
