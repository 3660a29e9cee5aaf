// Package tree provides shared utilities for working with remote tree paths.
package tree

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalizer maps a display name to the key used for path comparison.
// Drivers decide the rules; the core only consults them.
type Normalizer interface {
	Normalize(name string) string
}

// NameRules is the stock Normalizer configuration.
type NameRules struct {
	// CaseInsensitive folds case before comparison.
	CaseInsensitive bool
	// SkipUnicodeNormalization disables NFC normalization.
	SkipUnicodeNormalization bool
}

// Normalize implements Normalizer.
func (r NameRules) Normalize(name string) string {
	if !r.SkipUnicodeNormalization {
		name = norm.NFC.String(name)
	}
	if r.CaseInsensitive {
		// A Caser is stateful, one per call.
		name = cases.Fold().String(name)
	}
	return name
}

// DefaultNormalizer is used when the driver does not supply rules.
func DefaultNormalizer() Normalizer {
	return NameRules{}
}

// ValidName reports whether name can be a single path component.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" || parentPath == "" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Split returns the components of an absolute path, ignoring empty and "."
// components. The root path yields an empty slice.
func Split(path string) []string {
	raw := strings.Split(path, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" || p == "." {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// Join builds an absolute path from components.
func Join(parts []string) string {
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// Clean normalizes separators and resolves "." and ".." lexically.
func Clean(path string) string {
	return Resolve("/", path)
}

// Parent returns the parent path of an absolute path.
func Parent(path string) string {
	parts := Split(Clean(path))
	if len(parts) == 0 {
		return "/"
	}
	return Join(parts[:len(parts)-1])
}

// Base returns the last component of a path, or "" for the root.
func Base(path string) string {
	parts := Split(Clean(path))
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// IsAbs reports whether path is absolute.
func IsAbs(path string) bool {
	return strings.HasPrefix(path, "/")
}

// Resolve applies a relative or absolute path to a base folder path.
// ".." never climbs above the root.
func Resolve(base, to string) string {
	var parts []string
	if !IsAbs(to) {
		parts = Split(base)
	}
	for _, p := range strings.Split(to, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, p)
		}
	}
	return Join(parts)
}
