// Package model is a small deterministic stand-in for language-model
// inference. It exposes the four stages the model flow pipelines
// (tokenize, embed, transform, decode) over exact integer arithmetic, so a
// given input, model name, layer count and sampling seed always produce the
// same bytes on every platform.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/bits"
	"regexp"
	"sort"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

const (
	// Dim is the number of int32 lanes per token state.
	Dim = 16
	// VocabSize is the number of printable ASCII symbols decode can emit.
	VocabSize = 0x7f - 0x20

	tokenBytes = 4
	stateBytes = Dim * 4
	maxTopK    = 16
)

var modelNameRE = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateName checks a model name.
func ValidateName(name string) error {
	if !modelNameRE.MatchString(name) {
		return flowerr.Validation("model", "model_name must match %s", modelNameRE.String())
	}
	return nil
}

// Sampling configures stochastic decoding. A nil *Sampling decodes greedily.
type Sampling struct {
	Seed        []byte
	Temperature float64
}

// TopK maps temperature onto the number of candidates sampled from.
func (s *Sampling) TopK() int {
	if s == nil || s.Temperature <= 0 || math.IsNaN(s.Temperature) {
		return 1
	}
	k := 1 + int(math.Round(s.Temperature*4))
	if k > maxTopK {
		k = maxTopK
	}
	return k
}

// Tokenize NFC-normalizes text and emits one big-endian uint32 per rune.
func Tokenize(text []byte) ([]byte, error) {
	if !utf8.Valid(text) {
		return nil, flowerr.Validation("tokenize", "input is not valid UTF-8")
	}
	normalized := norm.NFC.Bytes(text)
	out := make([]byte, 0, utf8.RuneCount(normalized)*tokenBytes)
	for len(normalized) > 0 {
		r, size := utf8.DecodeRune(normalized)
		out = binary.BigEndian.AppendUint32(out, uint32(r))
		normalized = normalized[size:]
	}
	return out, nil
}

// Embed maps each token to Dim lanes derived from the model name.
func Embed(name string, tokens []byte) ([]byte, error) {
	if len(tokens) == 0 || len(tokens)%tokenBytes != 0 {
		return nil, flowerr.New(flowerr.KindInternal, "embed", "token stream length %d is not a multiple of %d", len(tokens), tokenBytes)
	}
	n := len(tokens) / tokenBytes
	out := make([]byte, 0, n*stateBytes)
	for i := 0; i < n; i++ {
		tok := tokens[i*tokenBytes : (i+1)*tokenBytes]
		var lanes [Dim]uint32
		for half := 0; half < 2; half++ {
			h := sha256.New()
			h.Write([]byte("embed\x00"))
			h.Write([]byte(name))
			h.Write([]byte{0, byte(half)})
			h.Write(tok)
			sum := h.Sum(nil)
			for j := 0; j < 8; j++ {
				lanes[half*8+j] = binary.BigEndian.Uint32(sum[j*4:])
			}
		}
		for _, v := range lanes {
			out = binary.BigEndian.AppendUint32(out, v)
		}
	}
	return out, nil
}

// Transform applies one mixing layer. Each lane absorbs a rotated copy of
// the previous position and a keyed multiple of the next one; all arithmetic
// wraps modulo 2^32.
func Transform(name string, layer int, state []byte) ([]byte, error) {
	rows, err := parseState("transform", state)
	if err != nil {
		return nil, err
	}
	key := layerKey(name, layer)
	out := make([][Dim]uint32, len(rows))
	for p := range rows {
		for j := 0; j < Dim; j++ {
			var left, right uint32
			if p > 0 {
				left = rows[p-1][j]
			}
			if p+1 < len(rows) {
				right = rows[p+1][(j+1)%Dim]
			}
			rot := int(key[j] % 31)
			coef := key[j] | 1
			x := rows[p][j] + bits.RotateLeft32(left, rot) ^ right*coef
			out[p][j] = bits.RotateLeft32(x, 7) + key[(j+layer)%Dim]
		}
	}
	return encodeState(out), nil
}

// Decode projects every position onto the printable ASCII vocabulary.
func Decode(name string, state []byte, sampling *Sampling) ([]byte, error) {
	rows, err := parseState("decode", state)
	if err != nil {
		return nil, err
	}
	vocab := vocabulary(name)
	k := sampling.TopK()
	out := make([]byte, len(rows))
	type scored struct {
		sym   byte
		score int64
	}
	cands := make([]scored, VocabSize)
	for p, row := range rows {
		for c := 0; c < VocabSize; c++ {
			var s int64
			for j := 0; j < Dim; j++ {
				s += int64(int32(row[j])>>16) * int64(vocab[c][j])
			}
			cands[c] = scored{sym: byte(0x20 + c), score: s}
		}
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].score > cands[b].score })
		pick := 0
		if k > 1 {
			pick = int(sampleIndex(sampling.Seed, p) % uint64(k))
		}
		out[p] = cands[pick].sym
	}
	return out, nil
}

func sampleIndex(seed []byte, position int) uint64 {
	h := sha256.New()
	h.Write([]byte("sample\x00"))
	h.Write(seed)
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], uint64(position))
	h.Write(pos[:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func layerKey(name string, layer int) [Dim]uint32 {
	var key [Dim]uint32
	for half := 0; half < 2; half++ {
		h := sha256.New()
		h.Write([]byte("layer\x00"))
		h.Write([]byte(name))
		var b [9]byte
		binary.BigEndian.PutUint64(b[:8], uint64(layer))
		b[8] = byte(half)
		h.Write(b[:])
		sum := h.Sum(nil)
		for j := 0; j < 8; j++ {
			key[half*8+j] = binary.BigEndian.Uint32(sum[j*4:])
		}
	}
	return key
}

func vocabulary(name string) [VocabSize][Dim]int8 {
	var v [VocabSize][Dim]int8
	for c := 0; c < VocabSize; c++ {
		h := sha256.New()
		h.Write([]byte("vocab\x00"))
		h.Write([]byte(name))
		h.Write([]byte{byte(0x20 + c)})
		sum := h.Sum(nil)
		for j := 0; j < Dim; j++ {
			v[c][j] = int8(sum[j])
		}
	}
	return v
}

func parseState(op string, state []byte) ([][Dim]uint32, error) {
	if len(state) == 0 || len(state)%stateBytes != 0 {
		return nil, flowerr.New(flowerr.KindInternal, op, "state length %d is not a multiple of %d", len(state), stateBytes)
	}
	rows := make([][Dim]uint32, len(state)/stateBytes)
	for p := range rows {
		for j := 0; j < Dim; j++ {
			rows[p][j] = binary.BigEndian.Uint32(state[p*stateBytes+j*4:])
		}
	}
	return rows, nil
}

func encodeState(rows [][Dim]uint32) []byte {
	out := make([]byte, 0, len(rows)*stateBytes)
	for _, row := range rows {
		for _, v := range row {
			out = binary.BigEndian.AppendUint32(out, v)
		}
	}
	return out
}
