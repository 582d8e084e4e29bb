// Package binstore pkg/binstore/checksum.go computes the two digests kept
// for every binary: SHA-256 as the cryptographic hash and BLAKE3 as the
// fast content-integrity hash.
package binstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// BLAKE3Hex returns the lowercase hex BLAKE3 digest of data.
func BLAKE3Hex(data []byte) string {
	sum := blake3.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// ChecksumsMatch compares two hex digests case-insensitively. An empty
// expected value matches anything: callers treat absent checksums as
// "not supplied", never as a mismatch.
func ChecksumsMatch(expected, actual string) bool {
	if expected == "" {
		return true
	}

	return strings.EqualFold(expected, actual)
}
