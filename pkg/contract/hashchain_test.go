package contract_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-pm/tessera/core/pkg/contract"
)

func sampleContent() contract.Content {
	return contract.Content{
		ID:          "ct-001",
		Version:     1,
		TenantID:    "tenant-42",
		LandlordID:  "landlord-7",
		Document:    []byte("%PDF-1.7 fake document bytes"),
		StartDate:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		MonthlyRent: 5_000_000,
		Deposit:     10_000_000,
		Terms:       `{"pets":false,"smoking":false}`,
	}
}

func TestGenerateHash_Deterministic(t *testing.T) {
	c := sampleContent()

	h1 := contract.GenerateHash(c)
	h2 := contract.GenerateHash(c)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // sha256 hex
}

func TestGenerateHash_SensitiveToEveryField(t *testing.T) {
	base := contract.GenerateHash(sampleContent())

	mutations := map[string]func(*contract.Content){
		"version":  func(c *contract.Content) { c.Version = 2 },
		"tenant":   func(c *contract.Content) { c.TenantID = "tenant-43" },
		"document": func(c *contract.Content) { c.Document = []byte("altered") },
		"rent":     func(c *contract.Content) { c.MonthlyRent++ },
		"deposit":  func(c *contract.Content) { c.Deposit-- },
		"terms":    func(c *contract.Content) { c.Terms = `{"pets":true}` },
		"end date": func(c *contract.Content) { c.EndDate = c.EndDate.AddDate(0, 1, 0) },
	}

	for name, mutate := range mutations {
		c := sampleContent()
		mutate(&c)
		assert.NotEqual(t, base, contract.GenerateHash(c), "mutating %s must change the hash", name)
	}
}

func TestVerifyHash(t *testing.T) {
	h := contract.GenerateHash(sampleContent())

	require.NoError(t, contract.VerifyHash(h, h))

	err := contract.VerifyHash(h, "0000")
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrHashViolation)
}

func TestNewSignatureBlock(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	contractHash := contract.GenerateHash(sampleContent())

	raw, err := contract.NewSignatureBlock("Nguyen Van A", "user-9", contractHash, ts, "esign-provider-1")
	require.NoError(t, err)

	var block contract.SignatureBlock
	require.NoError(t, json.Unmarshal([]byte(raw), &block))

	assert.Equal(t, "Nguyen Van A", block.SignerName)
	assert.Equal(t, "user-9", block.SignerID)
	assert.Equal(t, contractHash, block.ContractHash)
	assert.Equal(t, "2025-06-15T10:30:00Z", block.SignedAt)
	assert.Equal(t, "esign-provider-1", block.SignatureProvider)
	assert.Len(t, block.VerificationToken, 64) // 32 random bytes, hex

	// Tokens are anti-replay nonces: two blocks over identical inputs differ.
	raw2, err := contract.NewSignatureBlock("Nguyen Van A", "user-9", contractHash, ts, "esign-provider-1")
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestChainLink_AppendOnlyChain(t *testing.T) {
	signed := contract.GenerateHash(sampleContent())
	ts := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

	renewal := contract.ChainLink(signed, contract.Modification{
		Type:      contract.ModificationRenewal,
		Reason:    "12 month extension",
		Timestamp: ts,
	})
	termination := contract.ChainLink(renewal, contract.Modification{
		Type:      contract.ModificationTermination,
		Reason:    "tenant request",
		Timestamp: ts.AddDate(0, 6, 0),
	})

	// Recomputing the chain in order reproduces each link.
	assert.Equal(t, renewal, contract.ChainLink(signed, contract.Modification{
		Type:      contract.ModificationRenewal,
		Reason:    "12 month extension",
		Timestamp: ts,
	}))

	// Reordering links is detectable: termination chained directly to the
	// signing hash produces a different digest.
	reordered := contract.ChainLink(signed, contract.Modification{
		Type:      contract.ModificationTermination,
		Reason:    "tenant request",
		Timestamp: ts.AddDate(0, 6, 0),
	})
	assert.NotEqual(t, termination, reordered)
}

func TestGenerateAddendumHash_BoundToOriginal(t *testing.T) {
	originalHash := contract.GenerateHash(sampleContent())
	ts := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	a1 := contract.GenerateAddendumHash("ct-001", originalHash, 2, `{"rent":5500000}`, ts)
	a2 := contract.GenerateAddendumHash("ct-001", "different-original", 2, `{"rent":5500000}`, ts)

	assert.NotEqual(t, a1, a2)
}
