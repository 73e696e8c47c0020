// Package history provides the Driver interface for execution-history
// stores. All history drivers must implement this interface and register
// themselves. The drivers are kept "dumb": batch allocation, classification
// and rollback planning live in the engine, drivers only persist records,
// guard the lock row and execute opaque SQL payloads.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	nurl "net/url"
	"sort"
	"sync"
	"time"
)

var (
	// ErrLocked is returned by AcquireLock when another owner holds a
	// live claim on the lock row. Callers must not retry implicitly.
	ErrLocked = errors.New("unable to acquire migration lock")

	// ErrNotLocked is returned by ReleaseLock when no claim was held.
	ErrNotLocked = errors.New("migration lock not held")
)

// LockID is the fixed primary key of the singleton lock row.
const LockID = 1

var driversMu sync.RWMutex
var drivers = make(map[string]Driver)

type Driver interface {
	// Open returns a new driver instance configured with parameters
	// coming from the URL string. The engine will call this function
	// only once per instance.
	Open(ctx context.Context, url string) (Driver, error)

	// Close closes the underlying database handle managed by the driver.
	Close(ctx context.Context) error

	// AcquireLock atomically claims the singleton lock row for owner.
	// The claim must be a single conditional update that succeeds only
	// while the row is unclaimed or the previous claim has expired;
	// read-then-write implementations race between processes. Returns
	// ErrLocked when no row was updated.
	AcquireLock(ctx context.Context, owner string, ttl time.Duration) error

	// ReleaseLock unconditionally clears the lock row. It is called on
	// every exit path, including after a failed batch.
	ReleaseLock(ctx context.Context, owner string) error

	// Records returns every migration record, one per distinct name.
	Records(ctx context.Context) ([]Record, error)

	// MaxBatch returns the highest batch number present, 0 when the
	// history is empty.
	MaxBatch(ctx context.Context) (int, error)

	// Upsert inserts or replaces the record keyed by Record.Name.
	Upsert(ctx context.Context, r Record) error

	// MarkRolledBack sets the named record's status to StatusRolledBack.
	MarkRolledBack(ctx context.Context, name string) error

	// Run executes an opaque SQL payload against the target database.
	// The payload is never inspected, it runs as-is.
	Run(ctx context.Context, migration io.Reader) error
}

// Open returns a new driver instance for the URL scheme.
func Open(ctx context.Context, url string) (Driver, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "" {
		return nil, fmt.Errorf("history driver: invalid URL scheme")
	}

	driversMu.RLock()
	d, ok := drivers[u.Scheme]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("history driver: unknown driver %v (forgotten import?)", u.Scheme)
	}

	return d.Open(ctx, url)
}

// Register globally registers a driver.
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// List returns the names of all registered drivers, sorted.
func List() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
