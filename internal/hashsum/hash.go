// Package hashsum computes the content-addressed SHA-256 identity used
// throughout the patch engine: manifests, downloaded blobs, and patched
// files are all identified by the same uppercase hex digest.
package hashsum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// File streams path through SHA-256 without buffering its contents in
// memory, returning the uppercase hex digest.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(f)
}

// Reader streams r through SHA-256, returning the uppercase hex digest.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// Bytes hashes an in-memory blob, returning the uppercase hex digest. Used
// for the small instructions manifest body, already held in memory after
// decompression.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Equal does a case-insensitive comparison of two hex digests, since
// manifests are not guaranteed to use consistent casing.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}
