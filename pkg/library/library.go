// Package library defines the media library kinds the application knows
// how to mirror and notify about.
package library

import "fmt"

// Kind identifies the type of a media library. It doubles as the section
// type string reported by the Plex server, so the same value is used for
// configuration, cache rows and section filtering.
type Kind string

const (
	Movie Kind = "movie"
	Show  Kind = "show"
)

// ParseKind validates a configuration or server-supplied library type.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Movie, Show:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unsupported library type %q (must be 'movie' or 'show')", s)
	}
}

func (k Kind) String() string {
	return string(k)
}
