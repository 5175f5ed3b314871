// Package keys builds the redis keys for cached records.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/grid-content-cache/internal/address"
)

// DefaultNamespace prefixes keys when no namespace is configured.
const DefaultNamespace = "gridcache"

// Key returns the record key for addr under namespace. The namespace is
// sanitized for readability and its xxhash is appended so namespaces that
// sanitize to the same text still get distinct keys.
func Key(namespace string, addr address.Address) string {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = DefaultNamespace
	}
	sum := xxhash.Sum64String(ns)
	return fmt.Sprintf("%s:%08x:rec:%s", sanitizeNamespace(ns), uint32(sum), addr)
}

// Keys maps every address to its key, preserving order.
func Keys(namespace string, addrs []address.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = Key(namespace, a)
	}
	return out
}

func sanitizeNamespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
