//go:build property
// +build property

package flow_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
)

// Property: every valid execution leaves a verifiable chain whose length
// grows by exactly the resolved step count.
func TestExecuteChainProperty(t *testing.T) {
	h := newHarness(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	total := 0
	properties.Property("chain verifies and entry count matches steps", prop.ForAll(
		func(input string, keccak bool) bool {
			if input == "" {
				return true
			}
			req := cryptoRequest(input)
			req.Options.IncludeKeccak = keccak
			res, err := h.engine.Execute(context.Background(), req)
			if err != nil {
				return false
			}
			total += len(res.Spec.Steps)
			v, err := h.log.VerifyChain(auditlog.CryptoLog)
			return err == nil && v.OK && v.Entries == total && len(res.Entries) == len(res.Spec.Steps)
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: the model flow is a pure function of input, name and depth.
func TestModelDeterminismProperty(t *testing.T) {
	h := newHarness(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("model output is deterministic", prop.ForAll(
		func(input string, layers int) bool {
			if input == "" {
				return true
			}
			a, errA := h.engine.Execute(context.Background(), modelRequest(input, layers))
			b, errB := h.engine.Execute(context.Background(), modelRequest(input, layers))
			if errA != nil || errB != nil {
				return false
			}
			return string(a.Output) == string(b.Output)
		},
		gen.AlphaString(),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
