package entropy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/Mindburn-Labs/tccflow/pkg/observability"
	"github.com/Mindburn-Labs/tccflow/pkg/shard"
)

const (
	// DefaultTTL is the reveal window after a commit.
	DefaultTTL = 24 * time.Hour
	// DefaultPerEngineMinFee is the minimum fee owed to each pool engine.
	DefaultPerEngineMinFee int64 = 1000
)

// Audited operation names.
const (
	OpCommit = "commit_entropy"
	OpReveal = "reveal_entropy"
)

// State is the protocol state of one user.
type State string

const (
	StateNoCommitment State = "NO_COMMITMENT"
	StateCommitted    State = "COMMITTED"
	StateRevealed     State = "REVEALED"
	StateExpired      State = "EXPIRED"
)

// Commitment is the stored record of a user's latest commit.
type Commitment struct {
	UserID         string    `json:"user_id"`
	CommitmentHash string    `json:"commitment_hash"`
	CommittedAt    time.Time `json:"committed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	State          State     `json:"state"`
	RevealedAt     time.Time `json:"revealed_at,omitempty"`
	FeePaid        int64     `json:"fee_paid,omitempty"`
}

// RevealRequest discloses a committed value.
type RevealRequest struct {
	UserID  string
	Value   []byte
	Fee     int64
	ShardID string // optional shard whose staged chunks are absorbed too
}

// RevealReceipt is a successful reveal.
type RevealReceipt struct {
	UserID         string    `json:"user_id"`
	PoolDigest     string    `json:"pool_digest"`
	PreviousDigest string    `json:"previous_digest"`
	ChunksAbsorbed int       `json:"chunks_absorbed"`
	RevealedAt     time.Time `json:"revealed_at"`
}

// ShardSource is the part of the shard registry the coordinator drains.
type ShardSource interface {
	CheckOwner(ctx context.Context, shardID, userID string) error
	Drain(ctx context.Context, shardID string) ([][]byte, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.ttl = ttl }
}

// WithPerEngineMinFee overrides DefaultPerEngineMinFee.
func WithPerEngineMinFee(fee int64) Option {
	return func(c *Coordinator) { c.perEngineFee = fee }
}

// WithAppender audits commits and reveals into the model log.
func WithAppender(a auditlog.Appender) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithShards enables shard feeding on reveal.
func WithShards(s ShardSource) Option {
	return func(c *Coordinator) { c.shards = s }
}

// WithObservability traces commits and reveals.
func WithObservability(p *observability.Provider) Option {
	return func(c *Coordinator) { c.obs = p }
}

// Coordinator owns per-user commitment state and the entropy pool.
type Coordinator struct {
	pool         *Pool
	audit        auditlog.Appender
	shards       ShardSource
	obs          *observability.Provider
	clock        func() time.Time
	ttl          time.Duration
	perEngineFee int64
	logger       *slog.Logger

	users   *keyedMutex
	mu      sync.RWMutex
	records map[string]*Commitment
}

// NewCoordinator returns a coordinator feeding pool.
func NewCoordinator(pool *Pool, opts ...Option) *Coordinator {
	c := &Coordinator{
		pool:         pool,
		clock:        time.Now,
		ttl:          DefaultTTL,
		perEngineFee: DefaultPerEngineMinFee,
		logger:       slog.Default().With("component", "entropy"),
		users:        newKeyedMutex(),
		records:      make(map[string]*Commitment),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool returns the entropy pool.
func (c *Coordinator) Pool() *Pool { return c.pool }

// RequiredFee is the per-engine minimum times the engine count.
func (c *Coordinator) RequiredFee() int64 {
	return c.perEngineFee * EngineCount
}

// HashValue returns the commitment hash of value: lower-case SHA-256 hex.
func HashValue(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// Commit records a commitment for userID. It fails with commitment_exists
// while an unexpired, unrevealed commitment is outstanding.
func (c *Coordinator) Commit(ctx context.Context, userID, commitmentHash string) (rec *Commitment, err error) {
	if err := shard.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if _, err := crypto.DecodeFixedHex("commit_entropy", commitmentHash, sha256.Size); err != nil {
		return nil, err
	}
	commitmentHash = strings.ToLower(commitmentHash)

	ctx, finish := c.obs.TrackOperation(ctx, "entropy.commit", observability.EntropyOperation("commit")...)
	defer func() { finish(err) }()

	unlock := c.users.Lock(userID)
	defer unlock()

	now := c.clock()
	if cur := c.record(userID); cur != nil && cur.State == StateCommitted && !now.After(cur.ExpiresAt) {
		err := flowerr.New(flowerr.KindCommitmentExists, "commit", "user %q already has an outstanding commitment until %s",
			userID, cur.ExpiresAt.UTC().Format(time.RFC3339))
		c.auditRejection(ctx, OpCommit, userID, err, auditlog.Metadata{}.Set("commitment_hash", commitmentHash))
		return nil, err
	}

	rec = &Commitment{
		UserID:         userID,
		CommitmentHash: commitmentHash,
		CommittedAt:    now,
		ExpiresAt:      now.Add(c.ttl),
		State:          StateCommitted,
	}
	if c.audit != nil {
		digest, _ := hex.DecodeString(commitmentHash)
		if _, err := c.audit.Append(ctx, auditlog.ModelLog, auditlog.Record{
			Operation: OpCommit,
			Input:     digest,
			Metadata: auditlog.Metadata{}.
				Set("user_id", userID).
				Set("commitment_hash", commitmentHash).
				Set("expires_at", rec.ExpiresAt.UTC().Format(time.RFC3339Nano)),
		}); err != nil {
			return nil, flowerr.Wrap(flowerr.KindInternal, "commit", err, "audit commitment")
		}
	}
	c.store(rec)

	c.logger.InfoContext(ctx, "entropy committed", "user_id", userID, "expires_at", rec.ExpiresAt)
	out := *rec
	return &out, nil
}

// Reveal discloses a committed value. Checks run in order: no_commitment,
// expired, hash_mismatch, insufficient_fee; then the optional shard is
// validated. Only a fully validated reveal touches the pool.
func (c *Coordinator) Reveal(ctx context.Context, req RevealRequest) (receipt *RevealReceipt, err error) {
	if err := shard.ValidateUserID(req.UserID); err != nil {
		return nil, err
	}
	if len(req.Value) == 0 {
		return nil, flowerr.Validation("reveal", "reveal_entropy must be non-empty")
	}
	if req.Fee < 0 {
		return nil, flowerr.Validation("reveal", "fee must be non-negative")
	}
	if req.ShardID != "" && c.shards == nil {
		return nil, flowerr.Validation("reveal", "shard feeding is not enabled")
	}

	ctx, finish := c.obs.TrackOperation(ctx, "entropy.reveal", observability.EntropyOperation("reveal")...)
	defer func() { finish(err) }()

	unlock := c.users.Lock(req.UserID)
	defer unlock()

	now := c.clock()
	rec := c.record(req.UserID)
	if err := c.checkReveal(rec, req, now); err != nil {
		if flowerr.KindOf(err) == flowerr.KindExpired && rec.State == StateCommitted {
			expired := *rec
			expired.State = StateExpired
			c.store(&expired)
		}
		c.auditRejection(ctx, OpReveal, req.UserID, err, auditlog.Metadata{}.Set("fee", req.Fee))
		return nil, err
	}

	if req.ShardID != "" {
		if err := c.shards.CheckOwner(ctx, req.ShardID, req.UserID); err != nil {
			c.auditRejection(ctx, OpReveal, req.UserID, err, auditlog.Metadata{}.Set("shard_id", req.ShardID))
			return nil, err
		}
	}

	values := [][]byte{req.Value}
	if req.ShardID != "" {
		chunks, err := c.shards.Drain(ctx, req.ShardID)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.KindInternal, "reveal", err, "drain shard %s", req.ShardID)
		}
		values = append(values, chunks...)
	}

	start := time.Now()
	receipt = &RevealReceipt{UserID: req.UserID, ChunksAbsorbed: len(values) - 1, RevealedAt: now}
	digest, err := c.pool.Absorb(req.UserID, values, func(prev, next string) error {
		receipt.PreviousDigest = prev
		if c.audit == nil {
			return nil
		}
		nextBytes, _ := hex.DecodeString(next)
		_, err := c.audit.Append(ctx, auditlog.ModelLog, auditlog.Record{
			Operation: OpReveal,
			Input:     req.Value,
			Output:    nextBytes,
			Metadata: auditlog.Metadata{}.
				Set("user_id", req.UserID).
				Set("fee", req.Fee).
				Set("required_fee", c.RequiredFee()).
				Set("shard_id", req.ShardID).
				Set("chunks_absorbed", receipt.ChunksAbsorbed).
				Set("prev_pool_digest", prev).
				Set("pool_digest", next),
			ExecutionTime: time.Since(start),
		})
		return err
	})
	if err != nil {
		return nil, flowerr.Wrap(flowerr.KindInternal, "reveal", err, "audit reveal")
	}
	receipt.PoolDigest = digest

	revealed := *rec
	revealed.State = StateRevealed
	revealed.RevealedAt = now
	revealed.FeePaid = req.Fee
	c.store(&revealed)

	c.logger.InfoContext(ctx, "entropy revealed",
		"user_id", req.UserID,
		"chunks_absorbed", receipt.ChunksAbsorbed,
		"pool_digest", digest,
	)
	return receipt, nil
}

func (c *Coordinator) checkReveal(rec *Commitment, req RevealRequest, now time.Time) error {
	if rec == nil || rec.State == StateRevealed {
		return flowerr.New(flowerr.KindNoCommitment, "reveal", "no outstanding commitment for %q", req.UserID)
	}
	if rec.State == StateExpired || now.After(rec.ExpiresAt) {
		return flowerr.New(flowerr.KindExpired, "reveal", "commitment for %q expired at %s",
			req.UserID, rec.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if subtle.ConstantTimeCompare([]byte(HashValue(req.Value)), []byte(rec.CommitmentHash)) != 1 {
		return flowerr.New(flowerr.KindHashMismatch, "reveal", "revealed value does not match the commitment of %q", req.UserID)
	}
	if req.Fee < c.RequiredFee() {
		return flowerr.New(flowerr.KindInsufficientFee, "reveal", "fee %d is below the required %d", req.Fee, c.RequiredFee())
	}
	return nil
}

// Status reports the protocol state of userID. Expiry is computed at
// lookup and never written back.
func (c *Coordinator) Status(userID string) (State, *Commitment) {
	rec := c.record(userID)
	if rec == nil {
		return StateNoCommitment, nil
	}
	out := *rec
	if out.State == StateCommitted && c.clock().After(out.ExpiresAt) {
		out.State = StateExpired
	}
	return out.State, &out
}

func (c *Coordinator) record(userID string) *Commitment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[userID]
}

func (c *Coordinator) store(rec *Commitment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.UserID] = rec
}

// auditRejection records a refused operation. The revealed value is not
// logged on rejection.
func (c *Coordinator) auditRejection(ctx context.Context, op, userID string, cause error, meta auditlog.Metadata) {
	c.logger.WarnContext(ctx, "entropy operation rejected",
		"operation", op,
		"user_id", userID,
		"error_code", flowerr.KindOf(cause),
	)
	if c.audit == nil {
		return
	}
	meta = append(auditlog.Metadata{{Key: "user_id", Value: userID}}, meta...)
	meta = meta.Set("reason", flowerr.MessageOf(cause))
	if _, err := c.audit.Append(ctx, auditlog.ModelLog, auditlog.Record{
		Operation: op,
		Metadata:  meta,
		Level:     auditlog.LevelWarn,
		ErrorCode: flowerr.KindOf(cause),
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to audit rejection", "operation", op, "error", err)
	}
}
