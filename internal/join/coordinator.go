// Package join drives a non-bootstrap node through the rolling-join
// sequence: pull the bootstrap's handshake artifacts, wait for the local
// validator to replay up to the live cluster, then delegate stake unless
// genesis already assigned it. Each step is sequential; the only
// cross-node coordination is convergence on the shared handshake values.
package join

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/fetch"
	"github.com/thep2p/go-validator-testnet/internal/keys"
	"github.com/thep2p/go-validator-testnet/internal/model"
)

// VersionManifestFileName is the optional build-version manifest published
// alongside the handshake files. It is informational only; a missing
// manifest never blocks a join.
const VersionManifestFileName = "version-manifest"

// catchupMaxLag is how many slots the local node may trail the bootstrap
// and still count as caught up. The bootstrap keeps producing while we
// poll, so exact equality is unreachable.
const catchupMaxLag = 2

// DefaultPollInterval is the delay between catchup slot probes.
const DefaultPollInterval = 2 * time.Second

// Coordinator executes the join sequence for validator and blockstreamer
// roles. It owns no background goroutines; every method blocks until its
// step is done or the context is cancelled.
type Coordinator struct {
	logger       zerolog.Logger
	cfg          config.Config
	syncer       *fetch.Syncer
	localRPCURL  string
	entryRPCURL  string
	pollInterval time.Duration
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSyncer substitutes the artifact syncer, primarily for tests.
func WithSyncer(s *fetch.Syncer) Option {
	return func(c *Coordinator) { c.syncer = s }
}

// WithLocalRPCURL overrides the local node's RPC endpoint.
func WithLocalRPCURL(url string) Option {
	return func(c *Coordinator) { c.localRPCURL = url }
}

// WithEntrypointRPCURL overrides the bootstrap node's RPC endpoint.
func WithEntrypointRPCURL(url string) Option {
	return func(c *Coordinator) { c.entryRPCURL = url }
}

// WithPollInterval overrides the catchup poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// NewCoordinator creates a Coordinator for the given resolved config.
func NewCoordinator(logger zerolog.Logger, cfg config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:       logger.With().Str("component", "join-coordinator").Logger(),
		cfg:          cfg,
		localRPCURL:  fmt.Sprintf("http://127.0.0.1:%d", model.RPCPort),
		entryRPCURL:  fmt.Sprintf("http://%s:%d", cfg.EntrypointAddress, model.RPCPort),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.syncer == nil {
		base := fmt.Sprintf("http://%s:%d", cfg.EntrypointAddress, fetch.ArtifactPort)
		c.syncer = fetch.NewSyncer(logger, fetch.NewHTTPFetcher(base), cfg.ConfigDir())
	}
	return c
}

// SyncHandshake pulls the bootstrap-produced handshake artifacts into the
// node's config directory and loads them. The shred version is required;
// the bank hash and version manifest are optional. Local copies are always
// overwritten, so a shred version left behind by a previous cluster epoch
// can never leak into the launch arguments.
func (c *Coordinator) SyncHandshake(ctx context.Context) (model.Handshake, error) {
	if err := c.syncer.Sync(ctx, model.ShredVersionFileName); err != nil {
		return model.Handshake{}, err
	}
	if _, err := c.syncer.SyncOptional(ctx, model.BankHashFileName); err != nil {
		return model.Handshake{}, err
	}
	if _, err := c.syncer.SyncOptional(ctx, VersionManifestFileName); err != nil {
		return model.Handshake{}, err
	}

	h, err := model.LoadHandshake(c.cfg.ConfigDir())
	if err != nil {
		return model.Handshake{}, fmt.Errorf("load synced handshake: %w", err)
	}
	h.WaitForSupermajority = c.cfg.WaitForSupermajority

	c.logger.Info().
		Uint16("shredVersion", h.ShredVersion).
		Bool("bankHash", h.ExpectedBankHash != "").
		Msg("handshake synced from entrypoint")
	return h, nil
}

// WaitForCatchup blocks until the local node's observed slot height has
// converged with the bootstrap's. Blockstreamers replay passively and are
// exempt. There is deliberately no internal timeout: replay time scales
// with ledger length, so bounding the wait is the caller's job via ctx.
func (c *Coordinator) WaitForCatchup(ctx context.Context) error {
	if c.cfg.Role == config.RoleBlockstreamer {
		c.logger.Debug().Msg("blockstreamer role, skipping catchup wait")
		return nil
	}

	local, err := rpc.DialContext(ctx, c.localRPCURL)
	if err != nil {
		return fmt.Errorf("dial local rpc: %w", err)
	}
	defer local.Close()

	entry, err := rpc.DialContext(ctx, c.entryRPCURL)
	if err != nil {
		return fmt.Errorf("dial entrypoint rpc: %w", err)
	}
	defer entry.Close()

	c.logger.Info().Str("entrypoint", c.entryRPCURL).Msg("waiting for slot catchup")
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		localSlot, lerr := currentSlot(ctx, local)
		entrySlot, eerr := currentSlot(ctx, entry)
		switch {
		case lerr != nil:
			// the local node may still be initializing its RPC service
			c.logger.Debug().Err(lerr).Msg("local slot probe failed, will retry")
		case eerr != nil:
			c.logger.Debug().Err(eerr).Msg("entrypoint slot probe failed, will retry")
		case localSlot+catchupMaxLag >= entrySlot:
			c.logger.Info().
				Uint64("localSlot", localSlot).
				Uint64("entrypointSlot", entrySlot).
				Msg("caught up with cluster")
			return nil
		default:
			c.logger.Debug().
				Uint64("localSlot", localSlot).
				Uint64("entrypointSlot", entrySlot).
				Msg("still replaying")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("catchup interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func currentSlot(ctx context.Context, client *rpc.Client) (uint64, error) {
	var slot uint64
	if err := client.CallContext(ctx, &slot, model.RPCGetSlot); err != nil {
		return 0, err
	}
	return slot, nil
}

// PrimordiallyStaked reports whether genesis already assigned this node's
// stake, in which case delegating again would double it. The extra
// primordial stake count is clamped to the node total, mirroring the
// genesis-side clamp, so both sides agree on which nodes are covered.
func PrimordiallyStaked(cfg config.Config) bool {
	covered := cfg.ExtraPrimordialStakes
	if covered > cfg.NumNodes {
		covered = cfg.NumNodes
	}
	return cfg.NodeIndex < covered
}

// DelegateStake submits the stake-delegation transaction binding this
// node's stake account to its vote account, via the external CLI client.
// It is a no-op for roles that do not vote and for nodes whose stake was
// assigned at genesis; delegation and primordial assignment are mutually
// exclusive.
func (c *Coordinator) DelegateStake(ctx context.Context, set keys.Set) error {
	if !c.cfg.Role.Delegates() {
		c.logger.Debug().Str("role", string(c.cfg.Role)).Msg("role does not delegate stake")
		return nil
	}
	if PrimordiallyStaked(c.cfg) {
		c.logger.Info().
			Int("nodeIndex", c.cfg.NodeIndex).
			Msg("stake assigned at genesis, skipping delegation")
		return nil
	}
	if c.cfg.CLIBin == "" {
		return &config.Error{Field: "cliBin", Reason: "required for stake delegation"}
	}

	lamports := strconv.FormatUint(c.cfg.StakeLamports, 10)
	if err := c.runCLI(ctx,
		"create-stake-account",
		"--keypair", set.Identity.Path,
		set.Stake.Path, lamports,
	); err != nil {
		return fmt.Errorf("create stake account: %w", err)
	}
	if err := c.runCLI(ctx,
		"delegate-stake",
		"--keypair", set.Identity.Path,
		set.Stake.Path, set.Vote.Path,
	); err != nil {
		return fmt.Errorf("delegate stake: %w", err)
	}

	c.logger.Info().
		Str("stakeAccount", set.Stake.Address()).
		Str("voteAccount", set.Vote.Address()).
		Msg("stake delegated")
	return nil
}

func (c *Coordinator) runCLI(ctx context.Context, args ...string) error {
	args = append(args, "--url", c.localRPCURL)
	cmd := exec.CommandContext(ctx, c.cfg.CLIBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", c.cfg.CLIBin, args[0], err, out)
	}
	return nil
}
