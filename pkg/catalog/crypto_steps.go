package catalog

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

// Crypto step names.
const (
	StepSHA256Envelope = "sha256_envelope"
	StepSHA256Digest   = "sha256_digest"
	StepEd25519Sign    = "ed25519_sign"
	StepAESEncrypt     = "aes_encrypt"
	StepKeccakAbsorb   = "keccak_absorb"
)

const cryptoOptionsSchema = `{
	"type": "object",
	"properties": {
		"include_keccak": {"type": "boolean"},
		"detached_hash": {"type": "boolean"}
	},
	"required": ["include_keccak", "detached_hash"],
	"additionalProperties": false
}`

func cryptoSteps() []*Step {
	return []*Step{
		{
			Name:       StepSHA256Envelope,
			Kind:       KindHash,
			Params:     map[string]any{"digest": "sha256", "retain_preimage": true},
			Invertible: true,
			Schema: `{
				"type": "object",
				"properties": {
					"digest": {"const": "sha256"},
					"retain_preimage": {"const": true}
				},
				"required": ["digest", "retain_preimage"]
			}`,
			op: envelopeOp{},
		},
		{
			Name:       StepSHA256Digest,
			Kind:       KindHash,
			Params:     map[string]any{"digest": "sha256", "retain_preimage": false},
			Invertible: false,
			Schema: `{
				"type": "object",
				"properties": {
					"digest": {"const": "sha256"},
					"retain_preimage": {"const": false}
				},
				"required": ["digest", "retain_preimage"]
			}`,
			op: digestOp{},
		},
		{
			Name:       StepEd25519Sign,
			Kind:       KindSign,
			Params:     map[string]any{"algorithm": "ed25519", "signature_size": ed25519.SignatureSize},
			Invertible: true,
			Schema: `{
				"type": "object",
				"properties": {
					"algorithm": {"const": "ed25519"},
					"signature_size": {"const": 64}
				},
				"required": ["algorithm", "signature_size"]
			}`,
			op: signOp{},
		},
		{
			Name:       StepAESEncrypt,
			Kind:       KindEncrypt,
			Params:     map[string]any{"cipher": "aes-128-gcm", "nonce": "hmac-sha256"},
			Invertible: true,
			Schema: `{
				"type": "object",
				"properties": {
					"cipher": {"const": "aes-128-gcm"},
					"nonce": {"enum": ["hmac-sha256"]}
				},
				"required": ["cipher", "nonce"]
			}`,
			op: encryptOp{},
		},
		{
			Name:       StepKeccakAbsorb,
			Kind:       KindSpongeAbsorb,
			Params:     map[string]any{"sponge": "keccak-256", "output_bytes": 32},
			Invertible: false,
			Schema: `{
				"type": "object",
				"properties": {
					"sponge": {"const": "keccak-256"},
					"output_bytes": {"type": "integer", "minimum": 1}
				},
				"required": ["sponge", "output_bytes"]
			}`,
			op: keccakOp{},
		},
	}
}

// resolveCrypto returns hash → sign → encrypt → optional sponge-absorb.
func resolveCrypto(c *Catalog, opts Options) ([]*Step, error) {
	names := []string{StepSHA256Envelope, StepEd25519Sign, StepAESEncrypt}
	if opts.DetachedHash {
		names[0] = StepSHA256Digest
	}
	if opts.IncludeKeccak {
		names = append(names, StepKeccakAbsorb)
	}
	steps := make([]*Step, 0, len(names))
	for _, n := range names {
		s, err := c.mustStep(n)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func requireKeys(op string, env *Env) (*crypto.Keys, error) {
	if env == nil || env.Keys == nil {
		return nil, flowerr.Validation(op, "aes_key and ed25519_key are required")
	}
	return env.Keys, nil
}

// envelopeOp emits digest ‖ input. The retained pre-image makes the inverse
// a checked lookup rather than an inversion of SHA-256.
type envelopeOp struct{}

func (envelopeOp) Forward(in []byte, _ *Env) ([]byte, error) {
	sum := sha256.Sum256(in)
	out := make([]byte, 0, len(sum)+len(in))
	out = append(out, sum[:]...)
	return append(out, in...), nil
}

func (envelopeOp) Inverse(out []byte, _ *Env) ([]byte, error) {
	if len(out) < sha256.Size {
		return nil, flowerr.New(flowerr.KindCrypto, "reverse", "digest envelope too short (%d bytes)", len(out))
	}
	digest, preimage := out[:sha256.Size], out[sha256.Size:]
	sum := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(digest, sum[:]) != 1 {
		return nil, flowerr.New(flowerr.KindCrypto, "reverse", "digest envelope does not match its pre-image")
	}
	return append([]byte(nil), preimage...), nil
}

type digestOp struct{}

func (digestOp) Forward(in []byte, _ *Env) ([]byte, error) {
	return crypto.SHA256(in), nil
}

// signOp emits signature ‖ message.
type signOp struct{}

func (signOp) Forward(in []byte, env *Env) ([]byte, error) {
	keys, err := requireKeys("sign", env)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(keys.Signing, in)
	out := make([]byte, 0, len(sig)+len(in))
	out = append(out, sig...)
	return append(out, in...), nil
}

func (signOp) Inverse(out []byte, env *Env) ([]byte, error) {
	keys, err := requireKeys("verify", env)
	if err != nil {
		return nil, err
	}
	if len(out) < ed25519.SignatureSize {
		return nil, flowerr.New(flowerr.KindCrypto, "reverse", "signed payload too short (%d bytes)", len(out))
	}
	sig, msg := out[:ed25519.SignatureSize], out[ed25519.SignatureSize:]
	if !ed25519.Verify(keys.PublicKey(), msg, sig) {
		return nil, flowerr.New(flowerr.KindCrypto, "reverse", "ed25519 signature verification failed")
	}
	return append([]byte(nil), msg...), nil
}

type encryptOp struct{}

func (encryptOp) Forward(in []byte, env *Env) ([]byte, error) {
	keys, err := requireKeys("encrypt", env)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(keys.AES, in)
}

func (encryptOp) Inverse(out []byte, env *Env) ([]byte, error) {
	keys, err := requireKeys("decrypt", env)
	if err != nil {
		return nil, err
	}
	return crypto.Open(keys.AES, out)
}

type keccakOp struct{}

func (keccakOp) Forward(in []byte, _ *Env) ([]byte, error) {
	return crypto.Keccak256(in), nil
}
