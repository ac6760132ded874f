package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DuckDBSink persists bars in a DuckDB database file, one table per
// destination. The primary key (symbol, ts, source) gives Append its upsert
// semantics.
type DuckDBSink struct {
	db     *sql.DB
	logger *slog.Logger
	tables map[string]bool
}

// NewDuckDBSink opens (or creates) the database at path. Use ":memory:" for
// an ephemeral database. A nil logger falls back to slog.Default.
func NewDuckDBSink(path string, logger *slog.Logger) (*DuckDBSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("warehouse: opening duckdb at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse: connecting to duckdb at %s: %w", path, err)
	}
	return &DuckDBSink{
		db:     db,
		logger: logger.With("component", "duckdb_sink"),
		tables: make(map[string]bool),
	}, nil
}

func (s *DuckDBSink) ensureTable(ctx context.Context, destination string) error {
	if s.tables[destination] {
		return nil
	}
	if !identifierPattern.MatchString(destination) {
		return fmt.Errorf("warehouse: invalid destination name %q", destination)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		symbol VARCHAR NOT NULL,
		ts TIMESTAMP NOT NULL,
		open DECIMAL(18,6),
		high DECIMAL(18,6),
		low DECIMAL(18,6),
		close DECIMAL(18,6),
		volume DECIMAL(24,4),
		source VARCHAR NOT NULL,
		PRIMARY KEY (symbol, ts, source)
	)`, destination)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("warehouse: creating table %s: %w", destination, err)
	}
	s.tables[destination] = true
	return nil
}

func nullDecimalArg(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

// Append upserts the table's bars into the destination table inside one
// transaction, so a failed batch leaves the warehouse untouched.
func (s *DuckDBSink) Append(ctx context.Context, table *models.BarTable, destination string) error {
	if s.db == nil {
		return ErrClosed
	}
	if table.Empty() {
		return nil
	}
	if err := s.ensureTable(ctx, destination); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("warehouse: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (symbol, ts, open, high, low, close, volume, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, ts, source) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume`, destination))
	if err != nil {
		return fmt.Errorf("warehouse: preparing upsert: %w", err)
	}
	defer stmt.Close()

	for i := range table.Bars {
		b := &table.Bars[i]
		_, err := stmt.ExecContext(ctx,
			b.Symbol,
			b.Timestamp.UTC(),
			nullDecimalArg(b.Open),
			nullDecimalArg(b.High),
			nullDecimalArg(b.Low),
			nullDecimalArg(b.Close),
			nullDecimalArg(b.Volume),
			string(b.Source))
		if err != nil {
			return fmt.Errorf("warehouse: upserting bar %s@%s: %w", b.Symbol, b.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("warehouse: committing batch: %w", err)
	}
	s.logger.Debug("appended batch",
		"destination", destination, "symbol", table.Symbol, "rows", table.Len())
	return nil
}

// Close closes the database handle.
func (s *DuckDBSink) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ Sink = (*DuckDBSink)(nil)
