package ingest

import (
	"crypto/sha256"
	"strings"
)

// NormalizeStatement lowercases, trims, and collapses internal whitespace so
// exact-duplicate detection ignores formatting differences.
func NormalizeStatement(statement string) string {
	return strings.Join(strings.Fields(strings.ToLower(statement)), " ")
}

// ContentHash is the SHA-256 of the normalized statement. Hash-based
// exact-dup detection is independent of embedding-based near-dup detection.
func ContentHash(statement string) []byte {
	sum := sha256.Sum256([]byte(NormalizeStatement(statement)))
	return sum[:]
}
