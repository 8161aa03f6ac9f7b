package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateRecord is returned when a hash is appended twice. Records are
// immutable once written.
var ErrDuplicateRecord = errors.New("transaction already recorded")

// ListParams filters and paginates a ledger listing.
type ListParams struct {
	From   string // optional sender filter, case-insensitive
	Limit  int
	Offset int
}

// Ledger is the append-only transaction history.
type Ledger interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, params ListParams) ([]Record, error)
}

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
	hashes  map[string]struct{}
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{hashes: make(map[string]struct{})}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := strings.ToLower(rec.Hash)
	if _, ok := l.hashes[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.Hash)
	}
	l.hashes[key] = struct{}{}
	l.records = append(l.records, rec)
	return nil
}

// List implements Ledger. Records are returned newest first.
func (l *MemoryLedger) List(ctx context.Context, params ListParams) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.records))
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if params.From != "" && !strings.EqualFold(r.From, params.From) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return paginate(out, params), nil
}

// Len returns the number of records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func paginate(records []Record, params ListParams) []Record {
	if params.Offset > 0 {
		if params.Offset >= len(records) {
			return []Record{}
		}
		records = records[params.Offset:]
	}
	if params.Limit > 0 && params.Limit < len(records) {
		records = records[:params.Limit]
	}
	return records
}
