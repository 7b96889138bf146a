package entropy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_EnginesAreIndependentlyKeyed(t *testing.T) {
	p, err := NewPool([]byte("seed"))
	require.NoError(t, err)
	s := p.Snapshot()
	require.Len(t, s.EngineDigests, EngineCount)
	assert.NotEqual(t, s.EngineDigests[0], s.EngineDigests[1])
	assert.NotEqual(t, s.EngineDigests[1], s.EngineDigests[2])
	assert.Len(t, s.Digest, 64)
}

func TestPool_DeterministicForSeedAndInputs(t *testing.T) {
	a, err := NewPool([]byte("seed"))
	require.NoError(t, err)
	b, err := NewPool([]byte("seed"))
	require.NoError(t, err)
	c, err := NewPool([]byte("other"))
	require.NoError(t, err)

	da, err := a.Absorb("alice", [][]byte{[]byte("v")}, nil)
	require.NoError(t, err)
	db, err := b.Absorb("alice", [][]byte{[]byte("v")}, nil)
	require.NoError(t, err)
	dc, err := c.Absorb("alice", [][]byte{[]byte("v")}, nil)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
}

func TestPool_FieldsAreLengthPrefixed(t *testing.T) {
	a, _ := NewPool(nil)
	b, _ := NewPool(nil)
	da, _ := a.Absorb("ab", [][]byte{[]byte("c")}, nil)
	db, _ := b.Absorb("a", [][]byte{[]byte("bc")}, nil)
	assert.NotEqual(t, da, db)
}

func TestPool_CommitFailureLeavesStateUnchanged(t *testing.T) {
	p, _ := NewPool(nil)
	before := p.Snapshot()

	_, err := p.Absorb("alice", [][]byte{[]byte("v")}, func(prev, next string) error {
		assert.Equal(t, before.Digest, prev)
		assert.NotEqual(t, prev, next)
		return errors.New("audit down")
	})
	require.Error(t, err)
	assert.Equal(t, before, p.Snapshot())
}

func TestPool_DigestIsStableWithoutAbsorb(t *testing.T) {
	p, _ := NewPool(nil)
	assert.Equal(t, p.Digest(), p.Digest())
}

func TestKeyedMutex_ReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("alice")
	unlockBob := k.Lock("bob")
	unlock()
	unlockBob()
	assert.Empty(t, k.locks)
}
