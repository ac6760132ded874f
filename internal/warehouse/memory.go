package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sjtrading/marketdata-ingest/internal/models"
)

// MemorySink keeps bars in process memory, keyed by destination. It backs
// tests and dry runs. Unlike the fetcher cache, it is safe for concurrent
// use: several ingest workers may share one sink.
type MemorySink struct {
	mu     sync.RWMutex
	tables map[string]map[string]models.Bar
	closed bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{tables: make(map[string]map[string]models.Bar)}
}

func upsertKey(b *models.Bar) string {
	return fmt.Sprintf("%s|%d|%s", b.Symbol, b.Timestamp.UnixNano(), b.Source)
}

// Append upserts the table's bars into the destination. A bar with the same
// symbol, timestamp, and source replaces the stored one.
func (s *MemorySink) Append(ctx context.Context, table *models.BarTable, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	rows, ok := s.tables[destination]
	if !ok {
		rows = make(map[string]models.Bar, table.Len())
		s.tables[destination] = rows
	}
	for i := range table.Bars {
		rows[upsertKey(&table.Bars[i])] = table.Bars[i]
	}
	return nil
}

// Rows returns the stored bars for a destination in timestamp order.
func (s *MemorySink) Rows(destination string) []models.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.tables[destination]
	out := make([]models.Bar, 0, len(rows))
	for _, b := range rows {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Len returns the stored row count for a destination.
func (s *MemorySink) Len(destination string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[destination])
}

// Close marks the sink closed.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Sink = (*MemorySink)(nil)
