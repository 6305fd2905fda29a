package database

import (
	"net/url"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// CanonicalPath returns the form every new ledger write is keyed by: absolute,
// cleaned and in Unicode NFC.
func CanonicalPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return norm.NFC.String(filepath.Clean(path))
}

// PathVariants returns the spellings under which one file may have been
// recorded: as given, canonical NFC, NFD, and URL-unescaped.
func PathVariants(path string) []string {
	seen := make(map[string]bool)
	var variants []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			variants = append(variants, p)
		}
	}

	add(path)
	canonical := CanonicalPath(path)
	add(canonical)
	add(norm.NFD.String(canonical))

	if unescaped, err := url.PathUnescape(path); err == nil && unescaped != path {
		add(unescaped)
		canonical = CanonicalPath(unescaped)
		add(canonical)
		add(norm.NFD.String(canonical))
	}

	return variants
}
