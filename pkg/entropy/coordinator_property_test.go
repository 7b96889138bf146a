//go:build property
// +build property

package entropy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/tccflow/pkg/entropy"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

// Property: reveal succeeds iff the hash matches, the window is open and the
// fee covers the requirement; otherwise it fails with the first violated
// check's kind.
func TestRevealAcceptanceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reveal outcome follows the check order", prop.ForAll(
		func(secret, guess string, fee int64, elapsedHours int) bool {
			if secret == "" || guess == "" {
				return true
			}
			c, clock := newCoordinator(t)
			ctx := context.Background()
			if _, err := c.Commit(ctx, "prop-user", entropy.HashValue([]byte(secret))); err != nil {
				return false
			}
			clock.Advance(time.Duration(elapsedHours) * time.Hour)

			_, err := c.Reveal(ctx, entropy.RevealRequest{UserID: "prop-user", Value: []byte(guess), Fee: fee})
			switch {
			case elapsedHours > 24:
				return errors.Is(err, flowerr.ErrExpired)
			case guess != secret:
				return errors.Is(err, flowerr.ErrHashMismatch)
			case fee < c.RequiredFee():
				return errors.Is(err, flowerr.ErrInsufficientFee)
			default:
				return err == nil
			}
		},
		gen.OneConstOf("secret", "alpha", "beta"),
		gen.OneConstOf("secret", "alpha", "beta"),
		gen.Int64Range(0, 6000),
		gen.IntRange(0, 48),
	))

	properties.TestingRun(t)
}
