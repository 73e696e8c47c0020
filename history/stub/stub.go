// Package stub implements an in-memory history driver for testing.
package stub

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-sql/stagehand/history"
)

func init() {
	history.Register("stub", &Stub{})
}

// Stub keeps history and the lock row in memory. The executed SQL payloads
// are logged in order so tests can assert exactly what ran.
type Stub struct {
	mu      sync.Mutex
	records map[string]history.Record

	locked     bool
	lockOwner  string
	lockExpiry time.Time

	// ExecutedSQL logs every payload passed to Run, in order.
	ExecutedSQL []string

	// FailOn makes Run fail for any payload containing the substring.
	FailOn string

	// Now overrides the clock used for lock expiry checks.
	Now func() time.Time
}

func (s *Stub) Open(ctx context.Context, url string) (history.Driver, error) {
	return &Stub{}, nil
}

func (s *Stub) Close(ctx context.Context) error {
	return nil
}

func (s *Stub) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Stub) AcquireLock(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked && s.lockExpiry.After(s.now()) {
		return history.ErrLocked
	}
	s.locked = true
	s.lockOwner = owner
	s.lockExpiry = s.now().Add(ttl)
	return nil
}

func (s *Stub) ReleaseLock(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return history.ErrNotLocked
	}
	s.locked = false
	s.lockOwner = ""
	return nil
}

// IsLocked reports the current lock state, for tests.
func (s *Stub) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked && s.lockExpiry.After(s.now())
}

func (s *Stub) Records(ctx context.Context) ([]history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]history.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

// Record returns the stored record for name, for tests.
func (s *Stub) Record(name string) (history.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	return r, ok
}

func (s *Stub) MaxBatch(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, r := range s.records {
		if r.Batch > max {
			max = r.Batch
		}
	}
	return max, nil
}

func (s *Stub) Upsert(ctx context.Context, r history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		s.records = make(map[string]history.Record)
	}
	s.records[r.Name] = r
	return nil
}

func (s *Stub) MarkRolledBack(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[name]
	if !ok {
		return nil
	}
	r.Status = history.StatusRolledBack
	s.records[name] = r
	return nil
}

func (s *Stub) Run(ctx context.Context, migration io.Reader) error {
	raw, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	payload := string(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailOn != "" && strings.Contains(payload, s.FailOn) {
		return history.Error{OrigErr: errors.New("stubbed execution failure"), Query: raw}
	}
	s.ExecutedSQL = append(s.ExecutedSQL, payload)
	return nil
}
