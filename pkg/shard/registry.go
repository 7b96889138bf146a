package shard

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/observability"
)

// Option configures a Registry.
type Option func(*Registry)

// WithAppender audits deployments into the crypto log.
func WithAppender(a auditlog.Appender) Option {
	return func(r *Registry) { r.audit = a }
}

// WithClock injects the creation time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithObservability traces registry calls.
func WithObservability(p *observability.Provider) Option {
	return func(r *Registry) { r.obs = p }
}

// Registry validates and sequences shard operations over a Store.
type Registry struct {
	store  Store
	audit  auditlog.Appender
	obs    *observability.Provider
	clock  func() time.Time
	logger *slog.Logger
}

// NewRegistry returns a registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "shard"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deploy creates a fresh shard for userID. Repeated calls create distinct
// shards.
func (r *Registry) Deploy(ctx context.Context, userID string) (sh *Shard, err error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	ctx, finish := r.obs.TrackOperation(ctx, "shard.deploy", observability.ShardOperation("deploy", r.store.Backend())...)
	defer func() { finish(err) }()

	start := time.Now()
	sh = &Shard{ID: uuid.NewString(), OwnerUserID: userID, CreatedAt: r.clock().UTC()}
	if err := r.store.Create(ctx, sh); err != nil {
		return nil, flowerr.Wrap(flowerr.KindInternal, "deploy_shard", err, "store shard")
	}

	if r.audit != nil {
		_, err := r.audit.Append(ctx, auditlog.CryptoLog, auditlog.Record{
			Operation: "deploy_shard",
			Output:    []byte(sh.ID),
			Metadata: auditlog.Metadata{}.
				Set("shard_id", sh.ID).
				Set("user_id", userID).
				Set("backend", r.store.Backend()),
			ExecutionTime: time.Since(start),
		})
		if err != nil {
			return nil, flowerr.Wrap(flowerr.KindInternal, "deploy_shard", err, "audit deployment")
		}
	}
	r.logger.InfoContext(ctx, "shard deployed", "shard_id", sh.ID, "user_id", userID)
	return sh, nil
}

// AppendChunk stages a chunk into a shard and returns the new chunk count.
func (r *Registry) AppendChunk(ctx context.Context, shardID string, chunk []byte) (int, error) {
	if len(chunk) == 0 {
		return 0, flowerr.Validation("append_chunk", "chunk must be non-empty")
	}
	if len(chunk) > MaxChunkBytes {
		return 0, flowerr.Validation("append_chunk", "chunk must be at most %d bytes, got %d", MaxChunkBytes, len(chunk))
	}
	if err := validateShardID(shardID); err != nil {
		return 0, err
	}
	return r.store.AppendChunk(ctx, shardID, chunk, MaxChunksPerShard)
}

// Get returns a shard with its staged chunks.
func (r *Registry) Get(ctx context.Context, shardID string) (*Shard, error) {
	if err := validateShardID(shardID); err != nil {
		return nil, err
	}
	return r.store.Get(ctx, shardID)
}

// ListByOwner returns the shards of a user in creation order.
func (r *Registry) ListByOwner(ctx context.Context, userID string) ([]*Shard, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	return r.store.ListByOwner(ctx, userID)
}

// CheckOwner verifies that shardID exists and belongs to userID.
func (r *Registry) CheckOwner(ctx context.Context, shardID, userID string) error {
	sh, err := r.Get(ctx, shardID)
	if err != nil {
		return err
	}
	if sh.OwnerUserID != userID {
		return flowerr.Validation("shard", "shard %q does not belong to %q", shardID, userID)
	}
	return nil
}

// Drain consumes and returns the staged chunks of a shard.
func (r *Registry) Drain(ctx context.Context, shardID string) ([][]byte, error) {
	if err := validateShardID(shardID); err != nil {
		return nil, err
	}
	return r.store.Drain(ctx, shardID)
}

func validateShardID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return flowerr.Validation("shard", "shard_id must be a UUID")
	}
	return nil
}
