// Package address derives stable content addresses for grid coordinates.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Size is the length of an address in hex characters.
const Size = sha256.Size * 2

// Address is the hex-encoded SHA-256 digest of a cell's content URI. It is
// the only key used by the cache.
type Address string

// ContentURI returns the data URI whose digest addresses cell (x, y).
func ContentURI(x, y int64) string {
	b := make([]byte, 0, 48)
	b = append(b, "data:,"...)
	b = strconv.AppendInt(b, x, 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, y, 10)
	return string(b)
}

// Of returns the address of cell (x, y).
func Of(x, y int64) Address {
	return FromContentURI(ContentURI(x, y))
}

// FromContentURI addresses an arbitrary content locator.
func FromContentURI(uri string) Address {
	sum := sha256.Sum256([]byte(uri))
	return Address(hex.EncodeToString(sum[:]))
}

// Parse validates s as an address. Upper-case hex is folded to lower case.
func Parse(s string) (Address, error) {
	if len(s) != Size {
		return "", fmt.Errorf("address length %d, want %d", len(s), Size)
	}
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
			b[i] = c + ('a' - 'A')
		default:
			return "", fmt.Errorf("address has non-hex byte %q at %d", c, i)
		}
	}
	return Address(b), nil
}

func (a Address) String() string { return string(a) }

// Short is a log-friendly prefix of the address.
func (a Address) Short() string {
	if len(a) <= 12 {
		return string(a)
	}
	return string(a[:12])
}
