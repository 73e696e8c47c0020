package catalog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Section markers inside a migration file. Everything after ForwardMarker
// (or before any marker at all) is forward SQL, everything after
// RollbackMarker is rollback SQL.
const (
	ForwardMarker  = "-- FORWARD MIGRATION"
	RollbackMarker = "-- ROLLBACK"
)

// Regex matches the following pattern:
//
//	123_name.sql
var Regex = regexp.MustCompile(`^([0-9]+)_(.+)\.sql$`)

// Parse returns a Migration for a filename matching Regex. Filenames
// without a numeric prefix return ErrMalformed; callers decide whether
// that is fatal.
func Parse(raw string) (*Migration, error) {
	m := Regex.FindStringSubmatch(raw)
	if len(m) == 3 {
		seq, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, ErrMalformed{Raw: raw}
		}
		return &Migration{
			Sequence: seq,
			Name:     strings.TrimSuffix(raw, path.Ext(raw)),
			Raw:      raw,
		}, nil
	}
	return nil, ErrMalformed{Raw: raw}
}

// SequenceOf extracts the numeric prefix from a migration name (a filename
// with its extension already stripped), returning SequenceMax when the name
// has none. Rollback ordering uses this to recover the sequence of a
// persisted record, which stores only the name.
func SequenceOf(name string) int64 {
	i := strings.Index(name, "_")
	if i < 1 {
		return SequenceMax
	}
	seq, err := strconv.ParseInt(name[:i], 10, 64)
	if err != nil {
		return SequenceMax
	}
	return seq
}

// Excluded reports whether a directory entry is a known non-migration
// artifact: anything that is not a .sql file, dotfiles, and combined or
// deprecated snapshots left behind by earlier tooling.
func Excluded(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if !strings.HasSuffix(name, ".sql") {
		return true
	}
	if strings.Contains(name, ".combined.") || strings.Contains(name, ".deprecated.") {
		return true
	}
	return false
}

// SplitSections splits a raw migration file into its forward and rollback
// SQL. Lines holding only a marker are dropped; text before any marker
// counts as forward SQL so plain single-section files keep working.
func SplitSections(raw []byte) (forward, rollback string) {
	var fwd, rb strings.Builder
	cur := &fwd

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case ForwardMarker:
			cur = &fwd
		case RollbackMarker:
			cur = &rb
		default:
			cur.WriteString(line)
			cur.WriteString("\n")
		}
	}

	return strings.TrimSpace(fwd.String()), strings.TrimSpace(rb.String())
}

// Checksum returns the hex encoded sha256 of the entire raw file content.
func Checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
