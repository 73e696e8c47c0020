package catalog

import (
	"math"
	"sort"
)

// SequenceMax is the sentinel sequence assigned to files whose name has no
// parseable numeric prefix. It sorts after every well-formed file so that a
// single stray file does not block the rest of the catalog.
const SequenceMax = int64(math.MaxInt64)

// Migration is one parsed migration script. It is transient: every run
// re-derives it from the catalog, nothing here is persisted directly.
type Migration struct {
	// Sequence is the numeric filename prefix, SequenceMax when absent.
	Sequence int64

	// Name is the filename without its .sql extension. It is the unique
	// key into the execution history.
	Name string

	// ForwardSQL and RollbackSQL are opaque payloads. RollbackSQL may be
	// empty when the script declares no rollback section.
	ForwardSQL  string
	RollbackSQL string

	// Checksum covers the entire raw file, both sections, so any edit
	// invalidates it.
	Checksum string

	// Raw is the original filename.
	Raw string
}

func (m *Migration) String() string {
	return m.Name
}

// Malformed reports whether the migration carries the sentinel sequence.
func (m *Migration) Malformed() bool {
	return m.Sequence == SequenceMax
}

// Migrations collects parsed migrations and keeps them in (Sequence, Name)
// order. Duplicate sequences are rejected at append time; files with the
// sentinel sequence are exempt since they never claim a real slot.
type Migrations struct {
	index      []*Migration
	bySequence map[int64]*Migration
}

func NewMigrations() *Migrations {
	return &Migrations{
		index:      make([]*Migration, 0),
		bySequence: make(map[int64]*Migration),
	}
}

func (i *Migrations) Append(m *Migration) error {
	if m == nil {
		return nil
	}

	if m.Sequence != SequenceMax {
		if dup, ok := i.bySequence[m.Sequence]; ok {
			return ErrDuplicateSequence{Sequence: m.Sequence, Names: [2]string{dup.Raw, m.Raw}}
		}
		i.bySequence[m.Sequence] = m
	}

	i.index = append(i.index, m)
	return nil
}

// Sorted returns the collected migrations in execution order.
func (i *Migrations) Sorted() []*Migration {
	out := make([]*Migration, len(i.index))
	copy(out, i.index)
	sort.Slice(out, func(a, b int) bool {
		if out[a].Sequence != out[b].Sequence {
			return out[a].Sequence < out[b].Sequence
		}
		return out[a].Name < out[b].Name
	})
	return out
}

func (i *Migrations) Len() int {
	return len(i.index)
}
