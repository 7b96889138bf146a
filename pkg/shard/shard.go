// Package shard manages storage shards: per-user staging areas for data
// chunks that are absorbed into the entropy pool on reveal.
package shard

import (
	"context"
	"regexp"
	"time"

	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
)

const (
	// MaxChunkBytes bounds a single staged chunk.
	MaxChunkBytes = 4096
	// MaxChunksPerShard bounds the number of staged chunks.
	MaxChunksPerShard = 256
)

var userIDRE = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,64}$`)

// ValidateUserID checks that a user id is well formed.
func ValidateUserID(userID string) error {
	if !userIDRE.MatchString(userID) {
		return flowerr.Validation("user_id", "user_id must match %s", userIDRE.String())
	}
	return nil
}

// Shard is a deployed staging unit.
type Shard struct {
	ID          string    `json:"shard_id"`
	OwnerUserID string    `json:"owner_user_id"`
	CreatedAt   time.Time `json:"created_at"`
	Chunks      [][]byte  `json:"-"`
}

// ChunkCount returns the number of staged chunks.
func (s *Shard) ChunkCount() int { return len(s.Chunks) }

// Store persists shards. Implementations must make AppendChunk and Drain
// atomic per shard.
type Store interface {
	Create(ctx context.Context, s *Shard) error
	Get(ctx context.Context, id string) (*Shard, error)
	ListByOwner(ctx context.Context, owner string) ([]*Shard, error)
	// AppendChunk stages chunk and returns the new chunk count. It fails
	// with validation_error when the shard already holds maxChunks.
	AppendChunk(ctx context.Context, id string, chunk []byte, maxChunks int) (int, error)
	// Drain removes and returns the staged chunks in append order.
	Drain(ctx context.Context, id string) ([][]byte, error)
	Backend() string
}

func notFound(op, id string) error {
	return flowerr.New(flowerr.KindNotFound, op, "shard %q not found", id)
}

func full(op, id string, max int) error {
	return flowerr.Validation(op, "shard %q already holds the maximum of %d chunks", id, max)
}

func errDuplicate(id string) error {
	return flowerr.New(flowerr.KindInternal, "create", "shard %q already exists", id)
}
