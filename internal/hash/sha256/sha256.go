// Package sha256 fingerprints scraped items.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprinter hashes item fields into a stable hex digest.
type Fingerprinter struct{}

// New returns a Fingerprinter.
func New() Fingerprinter {
	return Fingerprinter{}
}

// Fingerprint digests the fields in key order. Each key and value is
// length-prefixed, so {"a": "bc"} and {"ab": "c"} differ.
func (Fingerprinter) Fingerprint(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	var lenBuf [8]byte
	write := func(s string) {
		n := uint64(len(s))
		for i := range lenBuf {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	for _, k := range keys {
		write(k)
		write(fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
