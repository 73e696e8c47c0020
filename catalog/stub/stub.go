// Package stub implements an in-memory catalog driver for testing.
package stub

import (
	"fmt"

	"github.com/stagehand-sql/stagehand/catalog"
)

func init() {
	catalog.Register("stub", &Stub{})
}

// Stub holds migrations in memory. Add builds checksums from the script
// content the same way the file driver does, so change detection behaves
// identically to a real catalog.
type Stub struct {
	Migrations []*catalog.Migration
}

func (s *Stub) Open(url string) (catalog.Driver, error) {
	return &Stub{}, nil
}

func (s *Stub) Close() error {
	return nil
}

// Add appends a migration built from the given sections. The stored
// checksum covers both sections, mirroring an on-disk file with markers.
func (s *Stub) Add(sequence int64, name, forwardSQL, rollbackSQL string) *catalog.Migration {
	raw := fmt.Sprintf("%s\n%s\n%s\n%s\n", catalog.ForwardMarker, forwardSQL, catalog.RollbackMarker, rollbackSQL)
	m := &catalog.Migration{
		Sequence:    sequence,
		Name:        name,
		ForwardSQL:  forwardSQL,
		RollbackSQL: rollbackSQL,
		Checksum:    catalog.Checksum([]byte(raw)),
		Raw:         name + ".sql",
	}
	s.Migrations = append(s.Migrations, m)
	return m
}

// Remove drops the named migration, simulating a deleted file.
func (s *Stub) Remove(name string) {
	out := s.Migrations[:0]
	for _, m := range s.Migrations {
		if m.Name != name {
			out = append(out, m)
		}
	}
	s.Migrations = out
}

func (s *Stub) List() ([]*catalog.Migration, error) {
	ms := catalog.NewMigrations()
	for _, m := range s.Migrations {
		if err := ms.Append(m); err != nil {
			return nil, err
		}
	}
	return ms.Sorted(), nil
}
