// Package entropy runs the commit-reveal protocol that feeds revealed values
// into a pool of independent Keccak sponge engines.
package entropy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// EngineCount is the fixed number of sponge engines in a pool.
const EngineCount = 3

const (
	domainKeySize = 32
	hkdfSalt      = "tccflow/entropy-pool/v1"
)

// Engine is one Keccak-256 sponge personalised by an HKDF-derived domain key.
// Each absorption squeezes a new chaining value from the previous one, the
// domain key and the length-prefixed fields.
type Engine struct {
	index int
	key   [domainKeySize]byte
	state [32]byte
}

func newEngine(index int, seed []byte) (*Engine, error) {
	e := &Engine{index: index}
	r := hkdf.New(sha256.New, seed, []byte(hkdfSalt), []byte(fmt.Sprintf("engine-%d", index)))
	if _, err := io.ReadFull(r, e.key[:]); err != nil {
		return nil, fmt.Errorf("derive engine %d key: %w", index, err)
	}
	copy(e.state[:], keccak(e.key[:], nil))
	return e, nil
}

// next computes the state after absorbing fields without modifying e.
func (e *Engine) next(prev [32]byte, userID string, values [][]byte) [32]byte {
	state := prev
	for _, v := range values {
		var out [32]byte
		copy(out[:], keccak(e.key[:], state[:], []byte(userID), v))
		state = out
	}
	return state
}

// Digest returns the current chaining value.
func (e *Engine) Digest() []byte {
	out := e.state
	return out[:]
}

// keccak absorbs the domain key raw, then every field with a uint32 length
// prefix, and squeezes 32 bytes.
func keccak(key []byte, fields ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(key)
	var n [4]byte
	for _, f := range fields {
		if f == nil {
			continue
		}
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write(f)
	}
	return h.Sum(nil)
}

// Snapshot is a read-only view of the pool.
type Snapshot struct {
	Digest        string   `json:"pool_digest"`
	EngineDigests []string `json:"engine_digests"`
	Absorptions   int      `json:"absorptions"`
}

// Pool combines EngineCount engines. All engines absorb under one lock, so a
// reader never observes a partially absorbed value.
type Pool struct {
	mu          sync.RWMutex
	engines     [EngineCount]*Engine
	absorptions int
}

// NewPool builds a pool whose engine keys are derived from seed.
func NewPool(seed []byte) (*Pool, error) {
	p := &Pool{}
	for i := range p.engines {
		e, err := newEngine(i, seed)
		if err != nil {
			return nil, err
		}
		p.engines[i] = e
	}
	return p, nil
}

// Digest returns SHA3-256(d0 ‖ d1 ‖ d2) in hex.
func (p *Pool) Digest() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var states [EngineCount][32]byte
	for i, e := range p.engines {
		states[i] = e.state
	}
	return combine(states)
}

// Snapshot returns the combined and per-engine digests.
func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var states [EngineCount][32]byte
	s := Snapshot{EngineDigests: make([]string, EngineCount), Absorptions: p.absorptions}
	for i, e := range p.engines {
		states[i] = e.state
		s.EngineDigests[i] = hex.EncodeToString(e.state[:])
	}
	s.Digest = combine(states)
	return s
}

// Absorb feeds values into every engine. The new digest is passed to
// commit before any engine changes; if commit fails the pool is untouched.
func (p *Pool) Absorb(userID string, values [][]byte, commit func(prev, next string) error) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var prev, next [EngineCount][32]byte
	for i, e := range p.engines {
		prev[i] = e.state
		next[i] = e.next(e.state, userID, values)
	}
	prevDigest, nextDigest := combine(prev), combine(next)
	if commit != nil {
		if err := commit(prevDigest, nextDigest); err != nil {
			return "", err
		}
	}
	for i, e := range p.engines {
		e.state = next[i]
	}
	p.absorptions++
	return nextDigest, nil
}

func combine(states [EngineCount][32]byte) string {
	h := sha3.New256()
	for _, s := range states {
		h.Write(s[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
