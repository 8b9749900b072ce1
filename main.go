// validator-testnet deploys one node of a validator test cluster. Each
// invocation drives a single machine through its role's bootstrap
// sequence: resolve configuration, provision keypairs, create genesis
// (bootstrap role only), launch the external validator process and join
// the cluster. Concurrency exists only across machines; within one
// invocation the flow is strictly sequential.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/fetch"
	"github.com/thep2p/go-validator-testnet/internal/genesis"
	"github.com/thep2p/go-validator-testnet/internal/join"
	"github.com/thep2p/go-validator-testnet/internal/keys"
	"github.com/thep2p/go-validator-testnet/internal/launch"
	"github.com/thep2p/go-validator-testnet/internal/model"
	"github.com/thep2p/go-validator-testnet/internal/sanity"
)

// exitCodeDiscoveryTimeout distinguishes "the cluster never formed" from
// every other sanity failure, so orchestrators can retry instead of
// tearing down.
const exitCodeDiscoveryTimeout = 124

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := newApp(logger).Run(os.Args); err != nil {
		if errors.Is(err, sanity.ErrDiscoveryTimeout) {
			logger.Error().Err(err).Msg("cluster discovery timed out")
			os.Exit(exitCodeDiscoveryTimeout)
		}
		logger.Error().Err(err).Msg("deployment step failed")
		os.Exit(1)
	}
}

func newApp(logger zerolog.Logger) *cli.App {
	return &cli.App{
		Name:  "validator-testnet",
		Usage: "deploy and check one node of a validator test cluster",
		Commands: []*cli.Command{
			{
				Name:      "bootstrap",
				Usage:     "create genesis, launch the bootstrap node and serve handshake artifacts until terminated",
				Flags:     nodeFlags(),
				ArgsUsage: "[-- extra validator args]",
				Action: func(c *cli.Context) error {
					return runBootstrap(c, logger)
				},
			},
			{
				Name:      "validator",
				Usage:     "launch a voting validator and join the cluster at the entrypoint",
				Flags:     nodeFlags(),
				ArgsUsage: "[-- extra validator args]",
				Action: func(c *cli.Context) error {
					return runJoin(c, logger, config.RoleValidator)
				},
			},
			{
				Name:      "blockstreamer",
				Usage:     "launch a non-voting blockstreamer and join the cluster at the entrypoint",
				Flags:     nodeFlags(),
				ArgsUsage: "[-- extra validator args]",
				Action: func(c *cli.Context) error {
					return runJoin(c, logger, config.RoleBlockstreamer)
				},
			},
			{
				Name:  "sanity",
				Usage: "verify post-deploy cluster health against the recorded deployment",
				Flags: sanityFlags(),
				Action: func(c *cli.Context) error {
					return runSanity(c, logger)
				},
			},
			{
				Name:  "stop",
				Usage: "terminate the locally launched validator process",
				Flags: []cli.Flag{baseDirFlag()},
				Action: func(c *cli.Context) error {
					return runStop(c, logger)
				},
			},
		},
	}
}

func baseDirFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "base-dir",
		Usage:    "node state directory (keypairs, ledger, logs, deploy record)",
		Required: true,
	}
}

func nodeFlags() []cli.Flag {
	return []cli.Flag{
		baseDirFlag(),
		&cli.StringFlag{Name: "entrypoint", Usage: "bootstrap node host to join through"},
		&cli.IntFlag{Name: "node-index", Usage: "this node's position in the cluster layout"},
		&cli.IntFlag{Name: "num-nodes", Usage: "total validator count of the cluster", Value: 1},
		&cli.IntFlag{Name: "client-count", Usage: "pre-funded client accounts at genesis"},
		&cli.Uint64Flag{Name: "stake-lamports", Usage: "stake delegated by this node", Value: 500_000_000},
		&cli.IntFlag{Name: "extra-primordial-stakes", Usage: "validators staked at genesis instead of by delegation"},
		&cli.StringFlag{Name: "external-accounts", Usage: "JSON file of extra primordial account balances"},
		&cli.BoolFlag{Name: "no-airdrop", Usage: "disable the faucet; clients must be pre-funded"},
		&cli.Uint64Flag{Name: "wait-for-supermajority", Usage: "slot to hold start at until supermajority stake is observed"},
		&cli.Uint64Flag{Name: "warp-slot", Usage: "slot to warp the genesis ledger to"},
		&cli.StringFlag{Name: "gpu-mode", Usage: "gpu requirement: on, off, auto or cuda", Value: "auto"},
		&cli.StringFlag{Name: "validator-bin", Usage: "external validator executable", Required: true},
		&cli.StringFlag{Name: "ledger-tool-bin", Usage: "external ledger tool executable", Required: true},
		&cli.StringFlag{Name: "cli-bin", Usage: "external cli client, used for stake delegation"},
		&cli.StringFlag{Name: "installer-bin", Usage: "external installer client, used for the upgrade round-trip check"},
		&cli.DurationFlag{Name: "init-timeout", Usage: "bound on the wait for the init-complete marker", Value: launch.DefaultInitTimeout},
		&cli.BoolFlag{Name: "restart-on-reboot", Usage: "record the launch for relaunch after a host reboot"},
	}
}

func sanityFlags() []cli.Flag {
	return []cli.Flag{
		baseDirFlag(),
		&cli.IntFlag{Name: "expected-peers", Usage: "peer count gossip must surface (default: recorded node count)"},
		&cli.BoolFlag{Name: "strict", Usage: "require exactly the expected peer count"},
		&cli.BoolFlag{Name: "verify-ledger", Usage: "verify a copy of the local ledger offline"},
		&cli.BoolFlag{Name: "self-test", Usage: "run a throwaway zero-stake validator instance"},
		&cli.DurationFlag{Name: "self-test-duration", Usage: "runtime bound of the throwaway instance", Value: time.Minute},
	}
}

func rawFromFlags(c *cli.Context, role config.Role) config.Raw {
	return config.Raw{
		Role:                  string(role),
		EntrypointAddress:     c.String("entrypoint"),
		NodeIndex:             c.Int("node-index"),
		NumNodes:              c.Int("num-nodes"),
		ClientCount:           c.Int("client-count"),
		StakeLamports:         c.Uint64("stake-lamports"),
		ExtraPrimordialStakes: c.Int("extra-primordial-stakes"),
		ExternalAccountsFile:  c.String("external-accounts"),
		AirdropsEnabled:       !c.Bool("no-airdrop"),
		WaitForSupermajority:  c.Uint64("wait-for-supermajority"),
		WarpSlot:              c.Uint64("warp-slot"),
		GPUMode:               c.String("gpu-mode"),
		BaseDir:               c.String("base-dir"),
		ValidatorBin:          c.String("validator-bin"),
		LedgerToolBin:         c.String("ledger-tool-bin"),
		CLIBin:                c.String("cli-bin"),
		InstallerBin:          c.String("installer-bin"),
		ExtraArgs:             c.Args().Slice(),
	}
}

// runBootstrap creates the cluster: genesis, handshake artifacts, the
// bootstrap validator itself. It then keeps serving the artifacts over
// HTTP so joining nodes can fetch them, until terminated.
func runBootstrap(c *cli.Context, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Resolve(rawFromFlags(c, config.RoleBootstrap))
	if err != nil {
		return err
	}
	if err := cfg.WriteDeployRecord(); err != nil {
		return err
	}

	prov := keys.NewProvisioner(logger, cfg.BaseDir)
	set, err := prov.Provision(cfg)
	if err != nil {
		return err
	}

	handshake, err := genesis.NewBuilder(logger, cfg, prov).Build(ctx, set)
	if err != nil {
		return err
	}

	srv, err := fetch.ServeArtifacts(logger, cfg.ConfigDir(), fmt.Sprintf(":%d", fetch.ArtifactPort))
	if err != nil {
		return fmt.Errorf("serve handshake artifacts: %w", err)
	}
	defer func() {
		_ = srv.Close()
	}()

	if err := launchAndAwaitInit(ctx, c, logger, cfg, set, handshake); err != nil {
		return err
	}

	logger.Info().
		Uint16("shredVersion", handshake.ShredVersion).
		Str("artifacts", srv.Addr).
		Msg("bootstrap node running, serving artifacts until terminated")
	<-ctx.Done()
	return nil
}

// runJoin drives a validator or blockstreamer through the rolling join:
// sync the handshake, launch against the synced values, catch up, then
// delegate stake unless genesis already covers this node.
func runJoin(c *cli.Context, logger zerolog.Logger, role config.Role) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Resolve(rawFromFlags(c, role))
	if err != nil {
		return err
	}
	if err := cfg.WriteDeployRecord(); err != nil {
		return err
	}

	prov := keys.NewProvisioner(logger, cfg.BaseDir)
	set, err := prov.Provision(cfg)
	if err != nil {
		return err
	}

	coord := join.NewCoordinator(logger, cfg)
	handshake, err := coord.SyncHandshake(ctx)
	if err != nil {
		return err
	}

	if err := launchAndAwaitInit(ctx, c, logger, cfg, set, handshake); err != nil {
		return err
	}
	if err := coord.WaitForCatchup(ctx); err != nil {
		return err
	}
	if err := coord.DelegateStake(ctx, set); err != nil {
		return err
	}

	logger.Info().Str("role", string(role)).Msg("node joined the cluster")
	return nil
}

// launchAndAwaitInit starts the detached validator process and blocks
// until its init-complete marker appears. The process outlives this
// invocation; a later stop command finds it through the handle file.
func launchAndAwaitInit(ctx context.Context, c *cli.Context, logger zerolog.Logger,
	cfg config.Config, set keys.Set, handshake model.Handshake) error {
	launcher := launch.NewLauncher(logger, cfg,
		launch.WithInitTimeout(c.Duration("init-timeout")),
		launch.WithRestartPolicy(launch.RestartPolicy{OnHostRestart: c.Bool("restart-on-reboot")}))

	handle, err := launcher.Launch(launch.Spec{Config: cfg, Keys: set, Handshake: handshake})
	if err != nil {
		return err
	}
	logger.Info().Int("pid", handle.PID).Str("log", handle.LogPath).Msg("validator process launched")
	return launcher.WaitForInit(ctx)
}

// runSanity rehydrates the recorded deployment and runs the selected
// health checks. The distinguished discovery-timeout error propagates so
// main can map it to its own exit code.
func runSanity(c *cli.Context, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDeployRecord(c.String("base-dir"))
	if err != nil {
		return err
	}

	expected := c.Int("expected-peers")
	if expected == 0 {
		expected = cfg.NumNodes
	}
	params := sanity.Params{
		ExpectedPeers:    expected,
		Strict:           c.Bool("strict"),
		VerifyLedger:     c.Bool("verify-ledger"),
		SelfTest:         c.Bool("self-test"),
		SelfTestDuration: c.Duration("self-test-duration"),
	}

	report, err := sanity.NewChecker(logger, cfg).Run(ctx, params)
	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Int("peerCount", report.PeerCountObserved).
		Bool("rpcReachable", report.RPCReachable).
		Bool("panicDetected", report.PanicDetected).
		Msg("sanity run finished")
	return err
}

// runStop terminates the validator process recorded by a previous launch.
// It never touches other nodes; each invocation owns exactly one machine.
func runStop(c *cli.Context, logger zerolog.Logger) error {
	cfg, err := config.LoadDeployRecord(c.String("base-dir"))
	if err != nil {
		return err
	}
	handle, err := launch.LoadHandle(cfg.RunDir())
	if err != nil {
		return fmt.Errorf("no recorded validator process: %w", err)
	}
	alive, err := handle.Alive()
	if err != nil {
		return err
	}
	if !alive {
		logger.Info().Int("pid", handle.PID).Msg("validator process already gone")
		return launch.RemoveHandle(cfg.RunDir())
	}
	if err := handle.Terminate(); err != nil {
		return fmt.Errorf("terminate validator: %w", err)
	}
	logger.Info().Int("pid", handle.PID).Msg("validator process terminated")
	return launch.RemoveHandle(cfg.RunDir())
}
