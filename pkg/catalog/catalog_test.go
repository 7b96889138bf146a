package catalog_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/catalog"
	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

const (
	testAESHex  = "000102030405060708090a0b0c0d0e0f"
	testSeedHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
)

func testEnv(t *testing.T) *catalog.Env {
	t.Helper()
	keys, err := crypto.ParseKeys(testAESHex, testSeedHex)
	require.NoError(t, err)
	return &catalog.Env{Keys: keys, ModelName: "tiny-1"}
}

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(8)
	require.NoError(t, err)
	return c
}

func TestParseVariant(t *testing.T) {
	v, err := catalog.ParseVariant("sheeva")
	require.NoError(t, err)
	assert.Equal(t, catalog.VariantCrypto, v)
	assert.Equal(t, auditlog.CryptoLog, v.LogFile())

	v, err = catalog.ParseVariant("AIVAIL")
	require.NoError(t, err)
	assert.Equal(t, catalog.VariantModel, v)
	assert.Equal(t, "aivail", v.Script())
	assert.Equal(t, auditlog.ModelLog, v.LogFile())

	_, err = catalog.ParseVariant("bogus")
	assert.ErrorIs(t, err, flowerr.ErrValidation)
}

func TestResolveCrypto_Order(t *testing.T) {
	c := newCatalog(t)

	spec, err := c.Resolve(catalog.VariantCrypto, catalog.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256_envelope", "ed25519_sign", "aes_encrypt"}, spec.StepNames())
	assert.Equal(t, []bool{true, true, true}, spec.Invertibility())

	spec, err = c.Resolve(catalog.VariantCrypto, catalog.Options{IncludeKeccak: true, DetachedHash: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256_digest", "ed25519_sign", "aes_encrypt", "keccak_absorb"}, spec.StepNames())
	assert.Equal(t, []bool{false, true, true, false}, spec.Invertibility())
}

func TestResolveModel_Order(t *testing.T) {
	c := newCatalog(t)

	spec, err := c.Resolve(catalog.VariantModel, catalog.Options{ModelName: "tiny-1", NumLayers: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"tokenize", "embed", "transform_1", "transform_2", "transform_3", "decode"}, spec.StepNames())
	for _, inv := range spec.Invertibility() {
		assert.False(t, inv)
	}
}

func TestResolveModel_RejectsBadOptions(t *testing.T) {
	c := newCatalog(t)
	cases := map[string]catalog.Options{
		"zero layers":  {ModelName: "tiny", NumLayers: 0},
		"too deep":     {ModelName: "tiny", NumLayers: 9},
		"empty name":   {ModelName: "", NumLayers: 1},
		"illegal name": {ModelName: "../etc", NumLayers: 1},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Resolve(catalog.VariantModel, opts)
			assert.ErrorIs(t, err, flowerr.ErrValidation)
		})
	}
}

func TestResolve_UnknownVariant(t *testing.T) {
	_, err := newCatalog(t).Resolve(catalog.Variant("quantum"), catalog.Options{})
	assert.ErrorIs(t, err, flowerr.ErrValidation)
}

func TestNew_RejectsNonPositiveDepth(t *testing.T) {
	_, err := catalog.New(0)
	assert.Error(t, err)
}

func TestCryptoSteps_RoundTrip(t *testing.T) {
	c := newCatalog(t)
	env := testEnv(t)
	input := []byte("hello world")

	for _, name := range []string{"sha256_envelope", "ed25519_sign", "aes_encrypt"} {
		t.Run(name, func(t *testing.T) {
			s, ok := c.Step(name)
			require.True(t, ok)
			out, err := s.Forward(input, env)
			require.NoError(t, err)
			assert.NotEqual(t, input, out)

			back, err := s.Inverse(out, env)
			require.NoError(t, err)
			assert.Equal(t, input, back)
		})
	}
}

func TestCryptoSteps_Sizes(t *testing.T) {
	c := newCatalog(t)
	env := testEnv(t)
	input := []byte("abc")

	sizes := map[string]int{
		"sha256_envelope": 32 + len(input),
		"sha256_digest":   32,
		"ed25519_sign":    64 + len(input),
		"aes_encrypt":     12 + len(input) + 16,
		"keccak_absorb":   32,
	}
	for name, want := range sizes {
		s, ok := c.Step(name)
		require.True(t, ok, name)
		out, err := s.Forward(input, env)
		require.NoError(t, err, name)
		assert.Len(t, out, want, name)
	}
}

func TestNonInvertibleSteps(t *testing.T) {
	c := newCatalog(t)
	for _, name := range []string{"sha256_digest", "keccak_absorb", "tokenize", "embed", "transform_1", "decode"} {
		s, ok := c.Step(name)
		require.True(t, ok, name)
		_, err := s.Inverse([]byte{1, 2, 3}, testEnv(t))
		assert.ErrorIs(t, err, flowerr.ErrNonInvertible, name)
	}
}

func TestInverse_DetectsTampering(t *testing.T) {
	c := newCatalog(t)
	env := testEnv(t)

	for _, name := range []string{"sha256_envelope", "ed25519_sign", "aes_encrypt"} {
		s, _ := c.Step(name)
		out, err := s.Forward([]byte("payload"), env)
		require.NoError(t, err)
		out[len(out)-1] ^= 0x01
		_, err = s.Inverse(out, env)
		assert.ErrorIs(t, err, flowerr.ErrCrypto, name)
	}
}

func TestInverse_ShortInput(t *testing.T) {
	c := newCatalog(t)
	env := testEnv(t)
	for _, name := range []string{"sha256_envelope", "ed25519_sign", "aes_encrypt"} {
		s, _ := c.Step(name)
		_, err := s.Inverse([]byte{0xAA}, env)
		assert.ErrorIs(t, err, flowerr.ErrCrypto, name)
	}
}

func TestKeyedSteps_RequireKeys(t *testing.T) {
	c := newCatalog(t)
	for _, name := range []string{"ed25519_sign", "aes_encrypt"} {
		s, _ := c.Step(name)
		_, err := s.Forward([]byte("x"), &catalog.Env{})
		assert.ErrorIs(t, err, flowerr.ErrValidation, name)
		_, err = s.Forward([]byte("x"), nil)
		assert.ErrorIs(t, err, flowerr.ErrValidation, name)
	}
}

func TestModelPipeline_Deterministic(t *testing.T) {
	c := newCatalog(t)
	env := testEnv(t)
	spec, err := c.Resolve(catalog.VariantModel, catalog.Options{ModelName: "tiny-1", NumLayers: 2})
	require.NoError(t, err)

	run := func() []byte {
		data := []byte("Hello")
		for _, s := range spec.Steps {
			data, err = s.Forward(data, env)
			require.NoError(t, err, s.Name)
		}
		return data
	}
	first := run()
	assert.Equal(t, first, run())
	assert.NotEmpty(t, first)
	for _, b := range first {
		assert.True(t, b >= 0x20 && b < 0x7f, "decode emits printable ASCII")
	}
}

func TestStepParams_AreSchemaChecked(t *testing.T) {
	c := newCatalog(t)
	s, ok := c.Step("aes_encrypt")
	require.True(t, ok)
	assert.Equal(t, "aes-128-gcm", s.Params["cipher"])
	assert.True(t, strings.Contains(s.Schema, "hmac-sha256"))
}

func TestNames_Sorted(t *testing.T) {
	names := newCatalog(t).Names()
	assert.Contains(t, names, "transform_8")
	assert.NotContains(t, names, "transform_9")
	for i := 1; i < len(names); i++ {
		assert.True(t, names[i-1] < names[i])
	}
}

func TestEncrypt_DeterministicForSameInput(t *testing.T) {
	c := newCatalog(t)
	s, _ := c.Step("aes_encrypt")
	env := testEnv(t)
	a, err := s.Forward([]byte("same"), env)
	require.NoError(t, err)
	b, err := s.Forward([]byte("same"), env)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}
