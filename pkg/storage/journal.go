package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
)

// Journal is an append-only, human-readable record of committed receipts.
// It is an audit trail, not a recovery source.
type Journal interface {
	Append(r *exchange.Receipt) error
	Close() error
}

// NopJournal discards receipts.
type NopJournal struct{}

func NewNopJournal() *NopJournal                       { return &NopJournal{} }
func (j *NopJournal) Append(_ *exchange.Receipt) error { return nil }
func (j *NopJournal) Close() error                     { return nil }

type journalLine struct {
	Seq    uint64        `json:"seq"`
	Op     string        `json:"op"`
	Caller string        `json:"caller"`
	Nonce  uint64        `json:"nonce,omitempty"`
	Events []eventRecord `json:"events"`
}

// FileJournal writes one JSON line per receipt.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileJournal opens path for appending, creating it if needed.
func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(r *exchange.Receipt) error {
	line := journalLine{
		Seq:    r.Seq,
		Op:     string(r.Op.Kind),
		Caller: r.Op.Caller.Hex(),
		Nonce:  r.Op.Nonce,
		Events: make([]eventRecord, len(r.Events)),
	}
	for i, ev := range r.Events {
		line.Events[i] = toEventRecord(ev)
	}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode journal line: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := fmt.Fprintln(j.f, string(b)); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *FileJournal) Close() error { return j.f.Close() }

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
