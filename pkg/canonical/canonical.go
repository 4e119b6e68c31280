// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of legal audit records.
//
// Canonicalization is a versioned contract: every historical hash in the
// platform was produced by the algorithm identified by Version. Changing the
// algorithm invalidates every stored hash, so any change must introduce a new
// version string rather than altering the existing one.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Version identifies the canonicalization algorithm used for all hashes
// produced by this package. Recorded on every snapshot.
const Version = "jcs/1"

// Genesis is the previous-hash sentinel for the first link of a chain.
const Genesis = "GENESIS"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (so struct tags are respected),
// then transformed to canonical form: lexicographically sorted keys,
// ES6 number formatting, no HTML escaping.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString computes the SHA-256 hex digest of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// ChainHash binds a record hash to its predecessor. previousHash is the
// predecessor's chain hash, or Genesis for the first link.
func ChainHash(previousHash, dataHash string) string {
	if previousHash == "" {
		previousHash = Genesis
	}
	return HashString(previousHash + ":" + dataHash)
}
