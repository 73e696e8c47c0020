package stagehand

import (
	"context"
	"sort"
	"time"
)

// StatusEntry describes one catalog file and how it relates to history.
type StatusEntry struct {
	Name           string
	Classification Classification

	// Batch and ExecutedAt are zero values when no record exists.
	Batch      int
	ExecutedAt time.Time
}

// StatusResult is a read-only report of the catalog against history.
type StatusResult struct {
	Entries []StatusEntry

	// Applied counts files that are up to date, Pending counts files the
	// next Run would execute.
	Applied int
	Pending int

	// Orphaned lists history names with no catalog file, typically
	// scripts deleted after they ran.
	Orphaned []string
}

// Status reports each catalog file's classification without taking the
// lock; it mutates nothing and a concurrent run only makes the report
// momentarily stale.
func (e *Engine) Status(ctx context.Context) (*StatusResult, error) {
	files, err := e.catalogDrv.List()
	if err != nil {
		return nil, err
	}

	records, err := e.recordsByName(ctx)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{}
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.Name] = true
		rec := records[f.Name]
		entry := StatusEntry{
			Name:           f.Name,
			Classification: Classify(f, rec),
		}
		if rec != nil {
			entry.Batch = rec.Batch
			entry.ExecutedAt = rec.ExecutedAt
		}
		if entry.Classification.NeedsRun() {
			result.Pending++
		} else {
			result.Applied++
		}
		result.Entries = append(result.Entries, entry)
	}

	for name := range records {
		if !seen[name] {
			result.Orphaned = append(result.Orphaned, name)
		}
	}
	sort.Strings(result.Orphaned)

	return result, nil
}
