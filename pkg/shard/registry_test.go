package shard_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/shard"
)

func stores(t *testing.T) map[string]shard.Store {
	t.Helper()
	sqlite, err := shard.OpenSQLite(filepath.Join(t.TempDir(), "shards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]shard.Store{
		"memory": shard.NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestRegistry_DeployCreatesDistinctShards(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			reg := shard.NewRegistry(store)
			a, err := reg.Deploy(context.Background(), "alice")
			require.NoError(t, err)
			b, err := reg.Deploy(context.Background(), "alice")
			require.NoError(t, err)
			assert.NotEqual(t, a.ID, b.ID)

			list, err := reg.ListByOwner(context.Background(), "alice")
			require.NoError(t, err)
			assert.Len(t, list, 2)

			other, err := reg.ListByOwner(context.Background(), "bob")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestRegistry_ChunksAppendAndDrainInOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			reg := shard.NewRegistry(store)
			sh, err := reg.Deploy(context.Background(), "alice")
			require.NoError(t, err)

			for i, c := range []string{"first", "second", "third"} {
				n, err := reg.AppendChunk(context.Background(), sh.ID, []byte(c))
				require.NoError(t, err)
				assert.Equal(t, i+1, n)
			}

			got, err := reg.Get(context.Background(), sh.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, got.ChunkCount())

			chunks, err := reg.Drain(context.Background(), sh.ID)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("third")}, chunks)

			chunks, err = reg.Drain(context.Background(), sh.ID)
			require.NoError(t, err)
			assert.Empty(t, chunks)
		})
	}
}

func TestRegistry_ChunkLimits(t *testing.T) {
	reg := shard.NewRegistry(shard.NewMemoryStore())
	sh, err := reg.Deploy(context.Background(), "alice")
	require.NoError(t, err)

	_, err = reg.AppendChunk(context.Background(), sh.ID, nil)
	assert.ErrorIs(t, err, flowerr.ErrValidation)
	_, err = reg.AppendChunk(context.Background(), sh.ID, make([]byte, shard.MaxChunkBytes+1))
	assert.ErrorIs(t, err, flowerr.ErrValidation)

	for i := 0; i < shard.MaxChunksPerShard; i++ {
		_, err := reg.AppendChunk(context.Background(), sh.ID, []byte{byte(i)})
		require.NoError(t, err)
	}
	_, err = reg.AppendChunk(context.Background(), sh.ID, []byte{1})
	assert.ErrorIs(t, err, flowerr.ErrValidation)
}

func TestRegistry_ValidatesIdentifiers(t *testing.T) {
	reg := shard.NewRegistry(shard.NewMemoryStore())
	for _, bad := range []string{"", "has space", strings.Repeat("a", 65), "semi;colon"} {
		_, err := reg.Deploy(context.Background(), bad)
		assert.ErrorIs(t, err, flowerr.ErrValidation, bad)
	}
	_, err := reg.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, flowerr.ErrValidation)

	_, err = reg.Get(context.Background(), "3f8e1c2a-9b7d-4e6f-8a1b-2c3d4e5f6a7b")
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func TestRegistry_CheckOwner(t *testing.T) {
	reg := shard.NewRegistry(shard.NewMemoryStore())
	sh, err := reg.Deploy(context.Background(), "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, reg.CheckOwner(context.Background(), sh.ID, "alice@example.com"))
	assert.ErrorIs(t, reg.CheckOwner(context.Background(), sh.ID, "bob"), flowerr.ErrValidation)
}

func TestRegistry_DeployIsAudited(t *testing.T) {
	lg, err := auditlog.Open(t.TempDir())
	require.NoError(t, err)
	defer lg.Close()

	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	reg := shard.NewRegistry(shard.NewMemoryStore(), shard.WithAppender(lg), shard.WithClock(func() time.Time { return fixed }))
	sh, err := reg.Deploy(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(sh.CreatedAt))

	entries, err := lg.ReadAll(auditlog.CryptoLog)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "deploy_shard", entries[0].Operation)
	assert.Equal(t, sh.ID, entries[0].Metadata.String("shard_id"))
}

func TestRegistry_ConcurrentAppendsRespectLimit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			reg := shard.NewRegistry(store)
			sh, err := reg.Deploy(context.Background(), "alice")
			require.NoError(t, err)

			var wg sync.WaitGroup
			var mu sync.Mutex
			ok := 0
			for i := 0; i < shard.MaxChunksPerShard+20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := reg.AppendChunk(context.Background(), sh.ID, []byte("c")); err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, shard.MaxChunksPerShard, ok)
		})
	}
}
