// Package contract implements per-contract hash chaining: a SHA-256 digest
// binds the document bytes, parties, and money terms at signing time, and
// every later lifecycle modification (termination, renewal, amendment) chains
// a new digest to its immediate predecessor. Reordering or omitting a link is
// detectable on recomputation.
//
// Hash inputs are a fixed-order pipe-joined concatenation rather than generic
// JSON: the field order is a versioned contract, stable across incidental
// serialization changes, and needs no canonicalization step.
package contract

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tessera-pm/tessera/core/pkg/canonical"
)

// ErrHashViolation is returned when a contract hash does not match its stored
// value. It gates the signing flow itself: callers must abort on this error.
var ErrHashViolation = errors.New("contract: hash mismatch, document may have been altered after signing")

// ModificationType categorizes a lifecycle change to a signed contract.
type ModificationType string

const (
	ModificationTermination ModificationType = "TERMINATION"
	ModificationRenewal     ModificationType = "RENEWAL"
	ModificationAmendment   ModificationType = "AMENDMENT"
)

// Content is everything the signing-time hash covers. Document carries the
// rendered contract bytes (typically PDF); money amounts are minor units.
type Content struct {
	ID          string
	Version     int
	TenantID    string
	LandlordID  string
	Document    []byte
	StartDate   time.Time
	EndDate     time.Time
	MonthlyRent int64
	Deposit     int64
	Terms       string
}

// Modification describes one lifecycle change appended to a contract's chain.
type Modification struct {
	Type      ModificationType
	Reason    string
	Timestamp time.Time
}

// SignatureBlock is the serialized record attached to a signature event.
// The verification token is a fresh anti-replay nonce; it carries no
// evidentiary weight by itself — legal weight is in ContractHash.
type SignatureBlock struct {
	SignerName        string `json:"signer_name"`
	SignerID          string `json:"signer_id"`
	ContractHash      string `json:"contract_hash"`
	SignedAt          string `json:"signed_at"`
	SignatureProvider string `json:"e_signature_provider"`
	VerificationToken string `json:"verification_token"`
}

// GenerateHash computes the signing-time digest of a contract.
//
// Field order is fixed and versioned:
// id|version|tenant|landlord|base64(document)|start|end|rent|deposit|terms
func GenerateHash(c Content) string {
	input := c.ID + "|" +
		strconv.Itoa(c.Version) + "|" +
		c.TenantID + "|" +
		c.LandlordID + "|" +
		base64.StdEncoding.EncodeToString(c.Document) + "|" +
		c.StartDate.UTC().Format(time.RFC3339) + "|" +
		c.EndDate.UTC().Format(time.RFC3339) + "|" +
		strconv.FormatInt(c.MonthlyRent, 10) + "|" +
		strconv.FormatInt(c.Deposit, 10) + "|" +
		c.Terms

	return canonical.HashString(input)
}

// VerifyHash compares a freshly computed digest against the stored one.
// Unlike audit-query verification this is a gate: mismatch returns
// ErrHashViolation and the signing action must abort.
func VerifyHash(computed, stored string) error {
	if computed != stored {
		return fmt.Errorf("%w: computed %s, stored %s", ErrHashViolation, computed, stored)
	}
	return nil
}

// NewSignatureBlock builds the serialized signature record for a signing
// event, including a fresh random anti-replay token.
func NewSignatureBlock(signerName, signerID, contractHash string, timestamp time.Time, providerID string) (string, error) {
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return "", fmt.Errorf("contract: failed to generate verification token: %w", err)
	}

	block := SignatureBlock{
		SignerName:        signerName,
		SignerID:          signerID,
		ContractHash:      contractHash,
		SignedAt:          timestamp.UTC().Format(time.RFC3339),
		SignatureProvider: providerID,
		VerificationToken: hex.EncodeToString(token),
	}

	out, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("contract: failed to serialize signature block: %w", err)
	}
	return string(out), nil
}

// GenerateAddendumHash digests a renewal/addendum bound to the original
// contract version it modifies.
func GenerateAddendumHash(originalID, originalHash string, addendumVersion int, newTerms string, modificationDate time.Time) string {
	input := originalID + "|" +
		originalHash + "|" +
		strconv.Itoa(addendumVersion) + "|" +
		newTerms + "|" +
		modificationDate.UTC().Format(time.RFC3339)

	return canonical.HashString(input)
}

// ChainLink appends a lifecycle modification to a contract's hash chain,
// binding the new digest to the immediate predecessor.
func ChainLink(previousHash string, mod Modification) string {
	input := previousHash + "|" +
		string(mod.Type) + "|" +
		mod.Reason + "|" +
		mod.Timestamp.UTC().Format(time.RFC3339)

	return canonical.HashString(input)
}
