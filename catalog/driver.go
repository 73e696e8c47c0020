// Package catalog provides the Driver interface for migration script
// catalogs. All catalog drivers must implement this interface and register
// themselves. The drivers are kept "dumb": parsing, ordering and change
// detection live in this package and in the engine, drivers only know how
// to find and read raw script files.
package catalog

import (
	"fmt"
	nurl "net/url"
	"sort"
	"sync"
)

var driversMu sync.RWMutex
var drivers = make(map[string]Driver)

// Driver is an interface every catalog driver must implement.
type Driver interface {
	// Open returns a new driver instance configured with parameters
	// coming from the URL string. The engine will call this function
	// only once per instance.
	Open(url string) (Driver, error)

	// Close closes the underlying catalog managed by the driver.
	// The engine will call this function only once per instance.
	Close() error

	// List returns every migration in the catalog, parsed and ordered
	// by (Sequence, Name) ascending, with excluded artifacts already
	// filtered out. The engine may call this function multiple times.
	List() ([]*Migration, error)
}

// Open returns a new driver instance for the URL scheme.
func Open(url string) (Driver, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "" {
		return nil, fmt.Errorf("catalog driver: invalid URL scheme")
	}

	driversMu.RLock()
	d, ok := drivers[u.Scheme]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("catalog driver: unknown driver %v (forgotten import?)", u.Scheme)
	}

	return d.Open(url)
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
