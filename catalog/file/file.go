// Package file implements a catalog driver that discovers migration
// scripts in a filesystem directory.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	nurl "net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/stagehand-sql/stagehand/catalog"
)

func init() {
	catalog.Register("file", &File{})
}

// File reads migrations from a single directory. It keeps no state beyond
// the fs.FS handle: every List re-reads the directory so edits between
// runs are always observed.
type File struct {
	fsys fs.FS
	url  string
	path string
}

func (f *File) Open(url string) (catalog.Driver, error) {
	p, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	nf := &File{
		fsys: os.DirFS(p),
		url:  url,
		path: p,
	}
	return nf, nil
}

// WithFS returns a driver reading migrations from the root of fsys. Use it
// to bypass Open, e.g. with an embed.FS or a fstest.MapFS in tests.
func WithFS(fsys fs.FS) catalog.Driver {
	return &File{fsys: fsys, path: "."}
}

func (f *File) Close() error {
	// nothing to close, the fs handle holds no resources
	return nil
}

func (f *File) List() ([]*catalog.Migration, error) {
	entries, err := fs.ReadDir(f.fsys, ".")
	if err != nil {
		return nil, err
	}

	ms := catalog.NewMigrations()
	for _, entry := range entries {
		if entry.IsDir() || catalog.Excluded(entry.Name()) {
			continue
		}

		m, err := catalog.Parse(entry.Name())
		var malformed catalog.ErrMalformed
		if errors.As(err, &malformed) {
			// carry the file with the sentinel sequence so one stray
			// name does not block the rest of the catalog
			m = &catalog.Migration{
				Sequence: catalog.SequenceMax,
				Name:     strings.TrimSuffix(entry.Name(), path.Ext(entry.Name())),
				Raw:      entry.Name(),
			}
		} else if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(f.fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		m.ForwardSQL, m.RollbackSQL = catalog.SplitSections(raw)
		m.Checksum = catalog.Checksum(raw)

		if err := ms.Append(m); err != nil {
			return nil, err
		}
	}

	return ms.Sorted(), nil
}

func parseURL(url string) (string, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return "", err
	}

	// concat host and path to restore full path
	// host might be `.`
	p := u.Opaque
	if len(p) == 0 {
		p = u.Host + u.Path
	}

	if len(p) == 0 {
		// default to current directory if no path
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		p = wd
	} else if p[0:1] == "." || p[0:1] != "/" {
		// make path absolute if relative
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		p = abs
	}

	if runtime.GOOS == "windows" {
		p = strings.TrimPrefix(p, "/")
	}

	return p, nil
}
