// Package sanity verifies post-join cluster health: peer discovery, RPC
// liveness across nodes, ledger integrity and a throwaway validator
// self-test. Checks report into a single Report and never tear down
// already-running nodes; a failed check surfaces as a non-zero exit for
// the invoking orchestrator to act on.
package sanity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/model"
)

const (
	// DefaultDiscoveryTimeout bounds the wait for gossip to surface the
	// expected peer count.
	DefaultDiscoveryTimeout = 2 * time.Minute

	// DefaultLivenessAttempts bounds RPC liveness probes per node. Probes
	// tolerate connection refusal between attempts since a node's RPC
	// service comes up after its gossip does.
	DefaultLivenessAttempts = 5

	// DefaultLivenessDelay is the backoff between liveness attempts.
	DefaultLivenessDelay = 2 * time.Second
)

// ErrDiscoveryTimeout marks a discovery probe that never observed the
// expected peer count within its bound. Callers map it to a distinct exit
// status so orchestrators can tell "cluster never formed" from other
// failures.
var ErrDiscoveryTimeout = fmt.Errorf("discovery timed out")

// Failure reports one failed sanity check. Failures are aggregated, not
// short-circuited: every check runs so the report is complete.
type Failure struct {
	Check string
	Err   error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("sanity check %s failed: %v", e.Check, e.Err)
}

func (e *Failure) Unwrap() error { return e.Err }

// Report is the outcome of a sanity run.
type Report struct {
	// PeerCountObserved is the gossip peer count seen at the entrypoint.
	PeerCountObserved int
	// RPCReachable reports whether every probed RPC endpoint answered.
	RPCReachable bool
	// LedgerVerified is nil when verification was skipped.
	LedgerVerified *bool
	// InstallerOK is nil when no update manifest credential exists.
	InstallerOK *bool
	// PanicDetected reports a panic marker in the self-test log. It is a
	// hard failure regardless of the self-test's exit code.
	PanicDetected bool
}

// clusterNode is one entry of the peer listing returned over RPC.
type clusterNode struct {
	Pubkey string `json:"pubkey"`
	Gossip string `json:"gossip"`
	RPC    string `json:"rpc"`
}

// Params selects which checks a sanity run performs.
type Params struct {
	// ExpectedPeers is the peer count gossip must surface.
	ExpectedPeers int
	// Strict requires exactly ExpectedPeers; otherwise at-least suffices.
	Strict bool
	// VerifyLedger enables offline ledger verification.
	VerifyLedger bool
	// SelfTest enables the throwaway validator self-test.
	SelfTest bool
	// SelfTestDuration bounds the throwaway instance's runtime.
	SelfTestDuration time.Duration
}

// Checker runs the post-join health checks against a deployed cluster.
type Checker struct {
	logger           zerolog.Logger
	cfg              config.Config
	entryRPCURL      string
	discoveryTimeout time.Duration
	pollInterval     time.Duration
	attempts         int
	delay            time.Duration
}

// Option customizes a Checker.
type Option func(*Checker)

// WithEntrypointRPCURL overrides the entrypoint RPC endpoint.
func WithEntrypointRPCURL(url string) Option {
	return func(c *Checker) { c.entryRPCURL = url }
}

// WithDiscoveryTimeout overrides the discovery bound.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *Checker) { c.discoveryTimeout = d }
}

// WithPollInterval overrides the discovery poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Checker) { c.pollInterval = d }
}

// WithLivenessBudget overrides the liveness attempt count and backoff.
func WithLivenessBudget(attempts int, delay time.Duration) Option {
	return func(c *Checker) {
		c.attempts = attempts
		c.delay = delay
	}
}

// NewChecker creates a Checker for the given resolved config. The
// entrypoint defaults to the config's entrypoint address, or localhost for
// the bootstrap node checking its own cluster.
func NewChecker(logger zerolog.Logger, cfg config.Config, opts ...Option) *Checker {
	host := cfg.EntrypointAddress
	if host == "" {
		host = "127.0.0.1"
	}
	c := &Checker{
		logger:           logger.With().Str("component", "sanity-checker").Logger(),
		cfg:              cfg,
		entryRPCURL:      fmt.Sprintf("http://%s:%d", host, model.RPCPort),
		discoveryTimeout: DefaultDiscoveryTimeout,
		pollInterval:     2 * time.Second,
		attempts:         DefaultLivenessAttempts,
		delay:            DefaultLivenessDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		// every endpoint gets at least one probe
		c.attempts = 1
	}
	return c
}

// Run performs the selected checks and aggregates their failures. Every
// check runs regardless of earlier failures so the report is complete;
// running nodes are never torn down.
func (c *Checker) Run(ctx context.Context, p Params) (Report, error) {
	var report Report
	var failures *multierror.Error

	peers, err := c.CheckDiscovery(ctx, p.ExpectedPeers, p.Strict)
	report.PeerCountObserved = peers
	if err != nil {
		failures = multierror.Append(failures, err)
	}

	if err := c.CheckAllPeers(ctx); err != nil {
		failures = multierror.Append(failures, err)
	} else {
		report.RPCReachable = true
	}

	if p.VerifyLedger {
		verified, err := c.VerifyLedger(ctx)
		report.LedgerVerified = verified
		if err != nil {
			failures = multierror.Append(failures, err)
		}
	}

	if p.SelfTest {
		panicked, err := c.SelfTest(ctx, p.SelfTestDuration)
		report.PanicDetected = panicked
		if err != nil {
			failures = multierror.Append(failures, err)
		}
	}

	// the installer check skips itself when no manifest credential exists
	installerOK, err := c.CheckInstaller(ctx)
	report.InstallerOK = installerOK
	if err != nil {
		failures = multierror.Append(failures, err)
	}

	return report, failures.ErrorOrNil()
}

// CheckDiscovery polls the entrypoint's peer listing until the expected
// count is observed, bounded by the discovery timeout. It returns the last
// observed count either way. Strict mode requires an exact match; an
// overshoot then fails immediately since waiting cannot shrink the set.
func (c *Checker) CheckDiscovery(ctx context.Context, expected int, strict bool) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
	defer cancel()

	client, err := rpc.DialContext(ctx, c.entryRPCURL)
	if err != nil {
		return 0, &Failure{Check: "discovery", Err: fmt.Errorf("dial entrypoint: %w", err)}
	}
	defer client.Close()

	c.logger.Info().Int("expected", expected).Bool("strict", strict).Msg("probing gossip peer count")
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	observed := 0
	for {
		nodes, err := listClusterNodes(ctx, client)
		if err != nil {
			c.logger.Debug().Err(err).Msg("peer listing failed, will retry")
		} else {
			observed = len(nodes)
			switch {
			case observed == expected:
				c.logger.Info().Int("peers", observed).Msg("expected peer count observed")
				return observed, nil
			case !strict && observed > expected:
				c.logger.Info().Int("peers", observed).Msg("at least the expected peer count observed")
				return observed, nil
			case strict && observed > expected:
				return observed, &Failure{
					Check: "discovery",
					Err:   fmt.Errorf("expected exactly %d peers, observed %d", expected, observed),
				}
			}
			c.logger.Debug().Int("peers", observed).Msg("peer count below expectation")
		}

		select {
		case <-ctx.Done():
			return observed, &Failure{
				Check: "discovery",
				Err: fmt.Errorf("%w after %s: observed %d of %d peers",
					ErrDiscoveryTimeout, c.discoveryTimeout, observed, expected),
			}
		case <-ticker.C:
		}
	}
}

// CheckLiveness probes one RPC endpoint with a bounded retry budget. Any
// well-formed response counts as liveness; connection refusal between
// attempts is expected while the node's RPC service finishes starting.
func (c *Checker) CheckLiveness(ctx context.Context, url string) error {
	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewConstant(c.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		client, err := rpc.DialContext(ctx, url)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer client.Close()
		var count uint64
		if err := client.CallContext(ctx, &count, model.RPCGetTransactionCount); err != nil {
			c.logger.Debug().Err(err).Str("url", url).Msg("liveness probe failed, will retry")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return &Failure{
			Check: "rpc-liveness",
			Err:   fmt.Errorf("%s unreachable after %d attempts: %w", url, c.attempts, err),
		}
	}
	return nil
}

// CheckHealth asks one node for its self-reported health.
func (c *Checker) CheckHealth(ctx context.Context, url string) error {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return &Failure{Check: "health", Err: err}
	}
	defer client.Close()
	var status string
	if err := client.CallContext(ctx, &status, model.RPCGetHealth); err != nil {
		return &Failure{Check: "health", Err: err}
	}
	if status != "ok" {
		return &Failure{Check: "health", Err: fmt.Errorf("node reports %q", status)}
	}
	return nil
}

// CheckAllPeers discovers the cluster's RPC endpoints and probes them all
// concurrently. Peers that advertise no RPC service are skipped.
func (c *Checker) CheckAllPeers(ctx context.Context) error {
	client, err := rpc.DialContext(ctx, c.entryRPCURL)
	if err != nil {
		return &Failure{Check: "rpc-liveness", Err: fmt.Errorf("dial entrypoint: %w", err)}
	}
	nodes, err := listClusterNodes(ctx, client)
	client.Close()
	if err != nil {
		return &Failure{Check: "rpc-liveness", Err: fmt.Errorf("list peers: %w", err)}
	}

	g, ctx := errgroup.WithContext(ctx)
	probed := 0
	for _, node := range nodes {
		if node.RPC == "" {
			c.logger.Debug().Str("pubkey", node.Pubkey).Msg("peer advertises no rpc service, skipping")
			continue
		}
		url := node.RPC
		if !strings.HasPrefix(url, "http") {
			url = "http://" + url
		}
		probed++
		g.Go(func() error {
			return c.CheckLiveness(ctx, url)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Info().Int("peers", probed).Msg("all advertised rpc endpoints are live")
	return nil
}

func listClusterNodes(ctx context.Context, client *rpc.Client) ([]clusterNode, error) {
	var nodes []clusterNode
	if err := client.CallContext(ctx, &nodes, model.RPCGetClusterNodes); err != nil {
		return nil, err
	}
	return nodes, nil
}
