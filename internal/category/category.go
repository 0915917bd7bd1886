// Package category translates between local tags and Inoreader category strings.
//
// A category is a path: an account scope ("user/-" or "user/<id>"), then either
// "state/com.google/<name>" for the reserved states or "label/<name>".
package category

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bryan-buckman/infovore-sync/internal/model"
)

// Separator splits category path segments.
const Separator = "/"

const (
	accountPrefix = "user/-"
	stateSuffix   = "/state/com.google/"
	labelSuffix   = "/label/"
)

// Reserved state names.
const (
	Read    = "read"
	Starred = "starred"
	Fresh   = "fresh"
)

var (
	// ErrInvalidTag is returned when a tag cannot be encoded.
	ErrInvalidTag = errors.New("invalid tag")
	// ErrUnrecognized is returned for categories with too few path segments.
	ErrUnrecognized = errors.New("unrecognized category")
)

// Kind says which branch of the path a category lives on.
type Kind int

const (
	KindLabel Kind = iota
	KindState
)

// Decoded is a category reduced to its local name.
type Decoded struct {
	Name string
	Kind Kind
}

// IsReserved reports whether name is one of the state names.
func IsReserved(name string) bool {
	return name == Read || name == Starred || name == Fresh
}

// Suffix returns the account-independent tail of the category for tag.
func Suffix(tag string) (string, error) {
	if tag == "" || strings.Contains(tag, Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	if IsReserved(tag) {
		return stateSuffix + tag, nil
	}
	return labelSuffix + tag, nil
}

// Encode returns the category for tag under the caller's own account scope.
func Encode(tag string) (string, error) {
	suffix, err := Suffix(tag)
	if err != nil {
		return "", err
	}
	return accountPrefix + suffix, nil
}

// Decode parses a category. Categories with fewer than four segments yield
// ErrUnrecognized.
func Decode(c string) (Decoded, error) {
	parts := strings.SplitN(c, Separator, 4)
	if len(parts) < 4 || parts[3] == "" {
		return Decoded{}, fmt.Errorf("%w: %q", ErrUnrecognized, c)
	}
	if parts[2] == "state" {
		leaf := parts[3]
		if i := strings.LastIndex(leaf, Separator); i >= 0 {
			leaf = leaf[i+1:]
		}
		return Decoded{Name: leaf, Kind: KindState}, nil
	}
	return Decoded{Name: parts[3], Kind: KindLabel}, nil
}

// HasTag reports whether any category ends with the encoded suffix of tag.
// Only suffixes are compared since cached snapshots carry the numeric account
// id while Encode uses "-".
func HasTag(categories []string, tag string) bool {
	suffix, err := Suffix(tag)
	if err != nil {
		return false
	}
	for _, c := range categories {
		if strings.HasSuffix(c, suffix) {
			return true
		}
	}
	return false
}

// StripNamespace drops the "user:" or "category:" style prefix of a local tag.
func StripNamespace(tag string) string {
	if i := strings.Index(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

// LocalTag maps a remote name to the local user tag.
func LocalTag(name string) string {
	return model.UserTagPrefix + name
}

// Equal reports whether a and b name the same state or label, ignoring the
// account scope.
func Equal(a, b string) bool {
	da, err := Decode(a)
	if err != nil {
		return a == b
	}
	db, err := Decode(b)
	if err != nil {
		return false
	}
	return da == db
}
