// Package ident generates prefixed, time-sortable identifiers for
// tables, hands and service instances: a UUIDv7 encoded as 26
// characters of Crockford base32, e.g. "tbl_01h5n0et5q6mt3v7ms1234abcd".
// Sorting IDs of one kind lexicographically sorts them by creation time.
package ident

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// New returns a fresh identifier of the given kind.
func New(kind string) string {
	return newAt(kind, time.Now())
}

func newAt(kind string, now time.Time) string {
	var u [16]byte

	ms := now.UnixMilli()
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)

	if _, err := rand.Read(u[6:]); err != nil {
		panic("ident: " + err.Error())
	}

	// UUIDv7 version and variant bits.
	u[6] = (u[6] & 0x0f) | 0x70
	u[8] = (u[8] & 0x3f) | 0x80

	return kind + "_" + encode(u)
}

// encode packs 128 bits into 26 base32 characters, 5 bits at a time.
func encode(data [16]byte) string {
	var out [26]byte
	for i := 0; i < 26; i++ {
		bit := i * 5
		idx, off := bit/8, bit%8

		var v uint8
		if idx < 16 {
			if off <= 3 {
				v = (data[idx] >> (3 - off)) & 0x1f
			} else {
				v = (data[idx] << (off - 3)) & 0x1f
				if idx+1 < 16 {
					v |= data[idx+1] >> (11 - off)
				}
			}
		}
		out[i] = alphabet[v]
	}
	return string(out[:])
}

// Parse splits an identifier into its kind and checks the encoded part
// is well formed.
func Parse(id string) (string, error) {
	kind, rest, ok := strings.Cut(id, "_")
	if !ok || kind == "" {
		return "", fmt.Errorf("ident: missing kind prefix in %q", id)
	}
	if len(rest) != 26 {
		return "", fmt.Errorf("ident: want 26 encoded characters, got %d", len(rest))
	}
	// The top two bits of the 130-bit expansion are padding, so the
	// first character never exceeds '7'.
	if rest[0] > '7' {
		return "", fmt.Errorf("ident: invalid leading character %c", rest[0])
	}
	for i := 0; i < len(rest); i++ {
		if !strings.ContainsRune(alphabet, rune(rest[i])) {
			return "", fmt.Errorf("ident: invalid character %c at %d", rest[i], i)
		}
	}
	return kind, nil
}

// Is reports whether id is a well-formed identifier of the given kind.
func Is(id, kind string) bool {
	got, err := Parse(id)
	return err == nil && got == kind
}
