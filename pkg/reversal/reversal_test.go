package reversal_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/catalog"
	"github.com/Mindburn-Labs/tccflow/pkg/flow"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/reversal"
)

const (
	aesHex  = "000102030405060708090a0b0c0d0e0f"
	seedHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
)

type harness struct {
	log  *auditlog.Logger
	flow *flow.Engine
	rev  *reversal.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lg, err := auditlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(lg.Close)
	cat, err := catalog.New(12)
	require.NoError(t, err)
	fe := flow.NewEngine(cat, lg)
	return &harness{log: lg, flow: fe, rev: reversal.New(fe)}
}

func (h *harness) execute(t *testing.T, input string, opts catalog.Options) *flow.Result {
	t.Helper()
	res, err := h.flow.Execute(context.Background(), flow.Request{
		Variant: catalog.VariantCrypto, Input: []byte(input), AESKey: aesHex, Ed25519Key: seedHex, Options: opts,
	})
	require.NoError(t, err)
	return res
}

func TestReverse_RoundTripsCryptoFlow(t *testing.T) {
	h := newHarness(t)
	res := h.execute(t, "hello world", catalog.Options{})

	rec, err := h.rev.Reverse(context.Background(), reversal.ReverseRequest{
		Variant: catalog.VariantCrypto, Target: res.Output, AESKey: aesHex, Ed25519Key: seedHex,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), rec.Input)

	require.Len(t, rec.Entries, 3)
	assert.Equal(t, "reverse:aes_encrypt", rec.Entries[0].Operation)
	assert.Equal(t, "reverse:ed25519_sign", rec.Entries[1].Operation)
	assert.Equal(t, "reverse:sha256_envelope", rec.Entries[2].Operation)
	assert.Equal(t, 2, rec.Entries[0].StepIndex)

	v, err := h.log.VerifyChain(auditlog.CryptoLog)
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.Equal(t, 6, v.Entries)
}

func TestReverse_KeccakIsNonInvertible(t *testing.T) {
	h := newHarness(t)
	opts := catalog.Options{IncludeKeccak: true}
	res := h.execute(t, "abc", opts)

	rec, err := h.rev.Reverse(context.Background(), reversal.ReverseRequest{
		Variant: catalog.VariantCrypto, Target: res.Output, AESKey: aesHex, Ed25519Key: seedHex, Options: opts,
	})
	require.ErrorIs(t, err, flowerr.ErrNonInvertible)
	assert.Contains(t, err.Error(), "keccak_absorb")
	require.Len(t, rec.Entries, 1)
	assert.Equal(t, string(flowerr.KindNonInvertible), rec.Entries[0].ErrorCode)
	assert.Nil(t, rec.Input)
}

func TestReverse_DetachedHashStopsAtFirstStep(t *testing.T) {
	h := newHarness(t)
	opts := catalog.Options{DetachedHash: true}
	res := h.execute(t, "abc", opts)

	rec, err := h.rev.Reverse(context.Background(), reversal.ReverseRequest{
		Variant: catalog.VariantCrypto, Target: res.Output, AESKey: aesHex, Ed25519Key: seedHex, Options: opts,
	})
	require.ErrorIs(t, err, flowerr.ErrNonInvertible)
	assert.Len(t, rec.Entries, 3, "encrypt and sign invert before the digest refuses")
}

func TestReverse_ModelFlowIsNonInvertible(t *testing.T) {
	h := newHarness(t)
	_, err := h.rev.Reverse(context.Background(), reversal.ReverseRequest{
		Variant: catalog.VariantModel, Target: []byte("abc"),
		Options: catalog.Options{ModelName: "tiny-1", NumLayers: 2},
	})
	require.ErrorIs(t, err, flowerr.ErrNonInvertible)
}

func TestReverse_MalformedKeysLeaveLogUnchanged(t *testing.T) {
	h := newHarness(t)
	res := h.execute(t, "abc", catalog.Options{})

	_, err := h.rev.Reverse(context.Background(), reversal.ReverseRequest{
		Variant: catalog.VariantCrypto, Target: res.Output, AESKey: aesHex[:30], Ed25519Key: seedHex,
	})
	require.ErrorIs(t, err, flowerr.ErrValidation)

	entries, err := h.log.ReadAll(auditlog.CryptoLog)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestReverse_WrongKeyIsCryptoError(t *testing.T) {
	h := newHarness(t)
	res := h.execute(t, "abc", catalog.Options{})

	_, err := h.rev.Reverse(context.Background(), reversal.ReverseRequest{
		Variant: catalog.VariantCrypto, Target: res.Output,
		AESKey: strings.Repeat("ff", 16), Ed25519Key: seedHex,
	})
	require.ErrorIs(t, err, flowerr.ErrCrypto)
}

func TestReverse_EmptyTarget(t *testing.T) {
	h := newHarness(t)
	_, err := h.rev.Reverse(context.Background(), reversal.ReverseRequest{
		Variant: catalog.VariantCrypto, AESKey: aesHex, Ed25519Key: seedHex,
	})
	require.ErrorIs(t, err, flowerr.ErrValidation)
}

func TestReverseArbitrary_MatchesOnlyExactOutput(t *testing.T) {
	h := newHarness(t)
	opts := catalog.Options{IncludeKeccak: true}
	res := h.execute(t, "candidate", opts)

	req := reversal.ArbitraryRequest{
		Variant: catalog.VariantCrypto, Input: []byte("candidate"), Target: res.Output,
		AESKey: aesHex, Ed25519Key: seedHex, Options: opts,
	}
	m, err := h.rev.ReverseArbitrary(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, m.Match)
	assert.Equal(t, res.Output, m.Output)

	req.Input = []byte("other")
	m, err = h.rev.ReverseArbitrary(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, m.Match)
	assert.Equal(t, res.Output, m.Target)
}

func TestReverseArbitrary_ModelText(t *testing.T) {
	h := newHarness(t)
	opts := catalog.Options{ModelName: "tiny-1", NumLayers: 2}
	res, err := h.flow.Execute(context.Background(), flow.Request{Variant: catalog.VariantModel, Input: []byte("hi there"), Options: opts})
	require.NoError(t, err)

	target, err := reversal.DecodeTarget(string(res.Output), reversal.EncodingText)
	require.NoError(t, err)
	m, err := h.rev.ReverseArbitrary(context.Background(), reversal.ArbitraryRequest{
		Variant: catalog.VariantModel, Input: []byte("hi there"), Target: target, Options: opts,
	})
	require.NoError(t, err)
	assert.True(t, m.Match)
}

func TestReverseArbitrary_RequiresBothFields(t *testing.T) {
	h := newHarness(t)
	_, err := h.rev.ReverseArbitrary(context.Background(), reversal.ArbitraryRequest{Variant: catalog.VariantCrypto, Target: []byte{1}})
	require.ErrorIs(t, err, flowerr.ErrValidation)
	_, err = h.rev.ReverseArbitrary(context.Background(), reversal.ArbitraryRequest{Variant: catalog.VariantCrypto, Input: []byte{1}})
	require.ErrorIs(t, err, flowerr.ErrValidation)
}

func TestReverseArbitrary_OversizedCandidateNamesField(t *testing.T) {
	h := newHarness(t)
	_, err := h.rev.ReverseArbitrary(context.Background(), reversal.ArbitraryRequest{
		Variant: catalog.VariantModel,
		Input:   make([]byte, flow.DefaultMaxInputBytes+1),
		Target:  []byte("x"),
		Options: catalog.Options{ModelName: "tiny-1", NumLayers: 1},
	})
	require.ErrorIs(t, err, flowerr.ErrValidation)
	assert.Contains(t, flowerr.MessageOf(err), "arbitrary_input")
}

func TestDecodeTarget(t *testing.T) {
	b, err := reversal.DecodeTarget("0aff", "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0xff}, b)

	_, err = reversal.DecodeTarget("zz", "hex")
	assert.ErrorIs(t, err, flowerr.ErrValidation)
	_, err = reversal.DecodeTarget("", "hex")
	assert.ErrorIs(t, err, flowerr.ErrValidation)
	_, err = reversal.DecodeTarget("abc", "base32")
	assert.ErrorIs(t, err, flowerr.ErrValidation)
}
