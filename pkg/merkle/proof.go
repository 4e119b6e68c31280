package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove generates an inclusion proof for the leaf at path.
func (t *Tree) Prove(path string) (*InclusionProof, bool) {
	idx := -1
	for i, l := range t.Leaves {
		if l.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	proof := &InclusionProof{
		LeafPath:   path,
		LeafHash:   t.Leaves[idx].LeafHash,
		MerkleRoot: t.Root,
	}

	// Walk every level below the root, mirroring the duplicate-last rule
	// used during construction.
	for _, level := range t.Nodes {
		if len(level) == 1 {
			break
		}
		hashes := level
		if len(hashes)%2 != 0 {
			hashes = append(append([]string{}, hashes...), hashes[len(hashes)-1])
		}

		sibling := idx ^ 1
		side := "R"
		if sibling < idx {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{
			Side:        side,
			SiblingHash: hashes[sibling],
		})
		idx /= 2
	}

	return proof, true
}

// Verify checks that a leaf is part of the Merkle tree identified by
// expectedRoot.
func Verify(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	currentHash := proof.LeafHash

	for _, step := range proof.ProofPath {
		var combined []byte
		combined = append(combined, []byte(nodePrefix+"\x00")...)

		if step.Side == "L" {
			combined = append(combined, hexToBytes(step.SiblingHash)...)
			combined = append(combined, hexToBytes(currentHash)...)
		} else {
			combined = append(combined, hexToBytes(currentHash)...)
			combined = append(combined, hexToBytes(step.SiblingHash)...)
		}

		hash := sha256.Sum256(combined)
		currentHash = hex.EncodeToString(hash[:])
	}

	return strings.EqualFold(currentHash, proof.MerkleRoot)
}
