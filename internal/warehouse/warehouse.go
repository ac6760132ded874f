// Package warehouse loads cleaned bar tables into an analytical store.
// Sinks are append-only with idempotent-upsert semantics on
// (symbol, timestamp, source), so re-running an ingest for an overlapping
// date range never duplicates rows.
package warehouse

import (
	"context"
	"errors"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

// ErrClosed reports a write against a closed sink.
var ErrClosed = errors.New("warehouse: sink is closed")

// Sink persists bar tables. Destination names the logical target inside the
// sink: a table name for databases, a subdirectory for file sinks.
type Sink interface {
	// Append upserts every bar of the table into the destination.
	Append(ctx context.Context, table *models.BarTable, destination string) error
	// Close releases the sink's resources. Further writes return ErrClosed.
	Close() error
}
