package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Mindburn-Labs/tccflow/pkg/api"
	"github.com/Mindburn-Labs/tccflow/pkg/auditlog"
	"github.com/Mindburn-Labs/tccflow/pkg/catalog"
	"github.com/Mindburn-Labs/tccflow/pkg/config"
	"github.com/Mindburn-Labs/tccflow/pkg/crypto"
	"github.com/Mindburn-Labs/tccflow/pkg/entropy"
	"github.com/Mindburn-Labs/tccflow/pkg/flow"
	"github.com/Mindburn-Labs/tccflow/pkg/observability"
	"github.com/Mindburn-Labs/tccflow/pkg/reversal"
	"github.com/Mindburn-Labs/tccflow/pkg/shard"
)

// app is the wired server and everything it must release on exit.
type app struct {
	cfg     *config.Config
	server  *api.Server
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.server.ListenAndServe(ctx, ":"+cfg.Port)
}

// buildApp wires the subsystems from cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.Telemetry.Enabled
	obsCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	obsCfg.Insecure = cfg.Telemetry.Insecure
	obsCfg.SampleRate = cfg.Telemetry.SampleRate
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("observability shutdown", "error", err)
		}
	})

	signer, err := newSigner(cfg.SigningKeyHex)
	if err != nil {
		return nil, err
	}
	logs, err := auditlog.Open(cfg.LogDir, auditlog.WithSigner(signer))
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	a.closers = append(a.closers, logs.Close)
	slog.Info("audit log opened", "dir", cfg.LogDir, "key_id", signer.KeyID(), "public_key", logs.PublicKey())

	cat, err := catalog.New(cfg.MaxLayers)
	if err != nil {
		return nil, err
	}
	fe := flow.NewEngine(cat, logs, flow.WithObservability(obs), flow.WithMaxInputBytes(cfg.MaxInputBytes))

	store, err := openShardStore(cfg.ShardDSN, a)
	if err != nil {
		return nil, err
	}
	shards := shard.NewRegistry(store, shard.WithAppender(logs), shard.WithObservability(obs))

	seed, err := poolSeed(cfg.PoolSeedHex)
	if err != nil {
		return nil, err
	}
	pool, err := entropy.NewPool(seed)
	if err != nil {
		return nil, err
	}
	coord := entropy.NewCoordinator(pool,
		entropy.WithTTL(cfg.CommitmentTTL),
		entropy.WithPerEngineMinFee(cfg.PerEngineMinFee),
		entropy.WithAppender(logs),
		entropy.WithShards(shards),
		entropy.WithObservability(obs),
	)

	var limiter *api.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		a.closers = append(a.closers, limiter.Stop)
	}

	a.server, err = api.NewServer(api.Deps{
		Flow:          fe,
		Reversal:      reversal.New(fe),
		Entropy:       coord,
		Shards:        shards,
		Logs:          logs,
		Observability: obs,
		Limiter:       limiter,
		Logger:        slog.Default(),
		Version:       version,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// Handler exposes the routed API, mainly for tests.
func (a *app) Handler() http.Handler { return a.server.Handler() }

func newSigner(seedHex string) (*crypto.Ed25519Signer, error) {
	if seedHex == "" {
		slog.Warn("no signing key configured, generating an ephemeral one")
		return crypto.NewEd25519Signer("ephemeral")
	}
	return crypto.NewEd25519SignerFromSeedHex(seedHex, "configured")
}

func poolSeed(seedHex string) ([]byte, error) {
	if seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) == 0 {
			return nil, fmt.Errorf("pool seed must be non-empty hex")
		}
		return seed, nil
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate pool seed: %w", err)
	}
	return seed, nil
}

func openShardStore(dsn string, a *app) (shard.Store, error) {
	if dsn == "" {
		return shard.NewMemoryStore(), nil
	}
	s, err := shard.OpenSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("shard store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = s.Close() })
	slog.Info("shard store opened", "backend", s.Backend(), "dsn", dsn)
	return s, nil
}
