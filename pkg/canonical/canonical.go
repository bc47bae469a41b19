// Package canonical provides deterministic JSON encoding and the hash
// primitives used for content addressing.
//
// Every hash in the system is computed over canonical bytes: object keys
// sorted lexicographically, minimal separators, stable number formatting
// (RFC 8785). Two processes encoding the same value must produce identical
// bytes, or chain verification breaks across restarts and replicas.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gowebpki/jcs"
)

var (
	// ErrInvalidInput is returned when a value cannot be canonically encoded
	// or a hash input contains the reserved separator character.
	ErrInvalidInput = errors.New("invalid input")
)

// hashSeparator joins the parts of a composite hash input. It is reserved:
// no individual part may contain it, otherwise distinct part lists could
// produce identical joined strings.
const hashSeparator = "\t"

// digestLen optionally truncates emitted hex digests for debugging
// (readable diffs in development). Zero means full length. Truncation
// weakens collision resistance; configuration rejects it outside dev mode.
var digestLen atomic.Int32

// SetDigestLength truncates all subsequently produced digests to n hex
// characters. n <= 0 or n >= 64 restores full-length digests.
func SetDigestLength(n int) {
	if n <= 0 || n >= sha256.Size*2 {
		n = 0
	}
	digestLen.Store(int32(n))
}

// DigestLength reports the active digest length in hex characters.
func DigestLength() int {
	if n := digestLen.Load(); n > 0 {
		return int(n)
	}
	return sha256.Size * 2
}

func truncate(hexDigest string) string {
	if n := digestLen.Load(); n > 0 && int(n) < len(hexDigest) {
		return hexDigest[:n]
	}
	return hexDigest
}

// Encode returns the canonical JSON encoding of v.
//
// The value is first marshaled with encoding/json (honoring struct tags),
// then transformed to RFC 8785 form. Maps and structs therefore encode
// identically regardless of key order or field order.
func Encode(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize: %v", ErrInvalidInput, err)
	}
	return out, nil
}

// EncodeString is Encode returning a string.
func EncodeString(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashEvent returns the lowercase hex SHA-256 digest of the canonical
// encoding of v.
func HashEvent(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return truncate(hex.EncodeToString(sum[:])), nil
}

// HashStrings returns the lowercase hex SHA-256 digest of parts joined by
// a single tab character. Returns ErrInvalidInput if any part contains a
// tab: the separator must be unforgeable within parts.
func HashStrings(parts ...string) (string, error) {
	for i, p := range parts {
		if strings.Contains(p, hashSeparator) {
			return "", fmt.Errorf("%w: hash input %d contains tab separator", ErrInvalidInput, i)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, hashSeparator)))
	return truncate(hex.EncodeToString(sum[:])), nil
}
