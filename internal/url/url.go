// Package url extracts driver schemes from catalog and database URLs.
package url

import (
	"errors"
	"strings"
)

var errNoScheme = errors.New("no scheme")
var errEmptyURL = errors.New("URL cannot be empty")

// SchemeFromURL returns the scheme of a URL, the part before the first
// colon. It does not validate the rest of the URL; driver Open does that.
func SchemeFromURL(url string) (string, error) {
	if url == "" {
		return "", errEmptyURL
	}

	i := strings.Index(url, ":")

	// No : or : is the first character.
	if i < 1 {
		return "", errNoScheme
	}

	return url[:i], nil
}
