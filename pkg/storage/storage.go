package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/costguard/ledger/pkg/namespace"
)

var (
	// ErrNotFound is returned when a partition has no latest record of a kind.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateRecord is returned by Commit when the id is already taken
	// for one of the kinds being written. Nothing is written in that case.
	ErrDuplicateRecord = errors.New("duplicate record id")
	// ErrCorrupt is returned when a partition's own index cannot be read
	// back. The partition is unusable; other partitions are unaffected.
	ErrCorrupt = errors.New("partition index corrupt")
)

// Kind names one of the record families kept per partition.
type Kind string

const (
	KindScan     Kind = "scan"
	KindDecision Kind = "decision"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k == KindScan || k == KindDecision
}

// Write is one record written by a Commit.
type Write struct {
	Kind Kind
	Data []byte
}

// Entry is a stored record as raw bytes. ModTime is when the storage medium
// accepted it. Err is set for history entries that exist but could not be
// read; listing callers skip those instead of failing.
type Entry struct {
	ID      string
	Data    []byte
	ModTime time.Time
	Err     error
}

// Backend is a key-value arena of partitions. Each partition holds an
// append-only history per Kind plus a latest pointer per Kind.
type Backend interface {
	// Commit appends every write under id and advances each kind's latest
	// pointer to id when id sorts after the current pointer. Readers observe
	// either none or all of a commit.
	Commit(ctx context.Context, key namespace.PartitionKey, id string, writes ...Write) error
	// Latest returns the record the kind's latest pointer references.
	Latest(ctx context.Context, key namespace.PartitionKey, kind Kind) (Entry, error)
	// History returns every record of kind in the partition, oldest id first.
	History(ctx context.Context, key namespace.PartitionKey, kind Kind) ([]Entry, error)
	// Partitions lists known partitions ordered by key.
	Partitions(ctx context.Context) ([]namespace.PartitionKey, error)
	Close() error
}

// CheckCommit rejects commits no backend should accept.
func CheckCommit(id string, writes []Write) error {
	if id == "" {
		return errors.New("empty record id")
	}
	if len(writes) == 0 {
		return errors.New("commit without writes")
	}
	seen := make(map[Kind]bool, len(writes))
	for _, w := range writes {
		if !w.Kind.Valid() {
			return fmt.Errorf("unknown record kind %q", w.Kind)
		}
		if seen[w.Kind] {
			return fmt.Errorf("kind %q written twice in one commit", w.Kind)
		}
		seen[w.Kind] = true
	}
	return nil
}
