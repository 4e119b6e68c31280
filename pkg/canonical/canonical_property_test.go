//go:build property
// +build property

// Package canonical_test contains property-based tests for canonicalization
// and hash determinism.
package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/tessera-pm/tessera/core/pkg/canonical"
)

// TestHashDeterminism verifies the canonical hash is stable regardless of
// map construction order.
// Property: Hash(obj) == Hash(obj) for any obj
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}
			if len(obj) == 0 {
				return true
			}

			h1, err1 := canonical.Hash(obj)
			h2, err2 := canonical.Hash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("canonical form is idempotent", prop.ForAll(
		func(a, b, c string) bool {
			obj := map[string]any{"b": b, "a": a, "c": c}

			first, err := canonical.JCS(obj)
			if err != nil {
				return false
			}
			var round map[string]any
			if err := json.Unmarshal(first, &round); err != nil {
				return false
			}
			second, err := canonical.JCS(round)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
