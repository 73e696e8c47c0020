package catalog

import "fmt"

// ErrMalformed reports a migration filename with no parseable numeric
// prefix. Catalog drivers treat it as non-fatal: the file is carried with
// the sentinel sequence instead of aborting the whole listing.
type ErrMalformed struct {
	Raw string
}

func (e ErrMalformed) Error() string {
	return "malformed migration filename: " + e.Raw
}

// ErrDuplicateSequence reports two well-formed files claiming the same
// sequence number. This is fatal at load time: the execution order between
// the two would be undefined.
type ErrDuplicateSequence struct {
	Sequence int64
	Names    [2]string
}

func (e ErrDuplicateSequence) Error() string {
	return fmt.Sprintf("duplicate migration sequence %d: %s, %s", e.Sequence, e.Names[0], e.Names[1])
}
