package join

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/fetch"
	"github.com/thep2p/go-validator-testnet/internal/keys"
	"github.com/thep2p/go-validator-testnet/internal/model"
	"github.com/thep2p/go-validator-testnet/internal/testutils"
)

// fakeCLI writes a shell script standing in for the external CLI client.
// Every invocation appends its argument vector to cli-calls.log.
func fakeCLI(t *testing.T, dir string) (bin, callLog string) {
	t.Helper()
	bin = filepath.Join(dir, "cli")
	callLog = filepath.Join(dir, "cli-calls.log")
	script := "#!/bin/sh\necho \"$@\" >> \"" + callLog + "\"\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755), "should write fake cli")
	return bin, callLog
}

func joinConfig(t *testing.T, raw config.Raw) config.Config {
	t.Helper()
	if raw.Role == "" {
		raw.Role = "validator"
	}
	raw.EntrypointAddress = "10.0.0.1"
	raw.NumNodes = 3
	raw.GPUMode = "off"
	raw.BaseDir = t.TempDir()
	raw.ValidatorBin = "/usr/bin/validator"
	raw.LedgerToolBin = "/usr/bin/ledger-tool"
	cfg, err := config.Resolve(raw)
	require.NoError(t, err, "test config should resolve")
	return cfg
}

// slotServer serves a minimal JSON-RPC endpoint answering getSlot with the
// value slot() returns, echoing the request id.
func slotServer(t *testing.T, slot func() uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err, "should read rpc request body")
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.Unmarshal(body, &req), "rpc request should be json")
		require.Equal(t, model.RPCGetSlot, req.Method, "catchup should only probe the slot height")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%d}`, req.ID, slot())
	}))
}

// TestSyncHandshakeRoundTrip validates that the handshake published by a
// bootstrap node is reconstructed intact on the joining side, with the
// supermajority slot taken from the joiner's own config.
func TestSyncHandshakeRoundTrip(t *testing.T) {
	src := t.TempDir()
	published := model.Handshake{ShredVersion: 51423, ExpectedBankHash: "6yGdXq3rm5xUvRz9"}
	require.NoError(t, published.Write(src), "bootstrap side should publish handshake")

	srv := httptest.NewServer(http.FileServer(http.Dir(src)))
	defer srv.Close()

	cfg := joinConfig(t, config.Raw{WaitForSupermajority: 80})
	syncer := fetch.NewSyncer(testutils.Logger(t), fetch.NewHTTPFetcher(srv.URL), cfg.ConfigDir(),
		fetch.WithAttempts(2), fetch.WithDelay(10*time.Millisecond))
	coord := NewCoordinator(testutils.Logger(t), cfg, WithSyncer(syncer))

	h, err := coord.SyncHandshake(context.Background())
	require.NoError(t, err, "sync against a healthy entrypoint should succeed")
	require.Equal(t, published.ShredVersion, h.ShredVersion, "shred version must match the bootstrap's")
	require.Equal(t, published.ExpectedBankHash, h.ExpectedBankHash, "bank hash must match the bootstrap's")
	require.Equal(t, uint64(80), h.WaitForSupermajority, "supermajority slot comes from the joiner's config")
}

// TestSyncHandshakeOverwritesStaleLocal validates that a shred version left
// behind by a previous cluster epoch is replaced by the synced value.
func TestSyncHandshakeOverwritesStaleLocal(t *testing.T) {
	cfg := joinConfig(t, config.Raw{})
	stale := model.Handshake{ShredVersion: 11111}
	require.NoError(t, stale.Write(cfg.ConfigDir()), "should plant stale local handshake")

	src := t.TempDir()
	require.NoError(t, model.Handshake{ShredVersion: 51423}.Write(src), "should publish fresh handshake")
	srv := httptest.NewServer(http.FileServer(http.Dir(src)))
	defer srv.Close()

	syncer := fetch.NewSyncer(testutils.Logger(t), fetch.NewHTTPFetcher(srv.URL), cfg.ConfigDir(),
		fetch.WithAttempts(2), fetch.WithDelay(10*time.Millisecond))
	coord := NewCoordinator(testutils.Logger(t), cfg, WithSyncer(syncer))

	h, err := coord.SyncHandshake(context.Background())
	require.NoError(t, err, "sync should succeed")
	require.Equal(t, uint16(51423), h.ShredVersion, "stale local shred version must never survive a sync")
}

// TestWaitForCatchupConverges validates that catchup completes once the
// local slot height reaches the entrypoint's.
func TestWaitForCatchupConverges(t *testing.T) {
	var localSlot atomic.Uint64
	local := slotServer(t, func() uint64 { return localSlot.Add(40) })
	defer local.Close()
	entry := slotServer(t, func() uint64 { return 100 })
	defer entry.Close()

	cfg := joinConfig(t, config.Raw{})
	coord := NewCoordinator(testutils.Logger(t), cfg,
		WithLocalRPCURL(local.URL),
		WithEntrypointRPCURL(entry.URL),
		WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.WaitForCatchup(ctx), "catchup should converge as the local node replays")
	require.GreaterOrEqual(t, localSlot.Load()+catchupMaxLag, uint64(100),
		"convergence should only be declared at the entrypoint's height")
}

// TestWaitForCatchupUnboundedUntilCancelled validates that a node which
// never converges blocks until the external watchdog cancels the context.
func TestWaitForCatchupUnboundedUntilCancelled(t *testing.T) {
	local := slotServer(t, func() uint64 { return 1 })
	defer local.Close()
	entry := slotServer(t, func() uint64 { return 1_000_000 })
	defer entry.Close()

	cfg := joinConfig(t, config.Raw{})
	coord := NewCoordinator(testutils.Logger(t), cfg,
		WithLocalRPCURL(local.URL),
		WithEntrypointRPCURL(entry.URL),
		WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := coord.WaitForCatchup(ctx)
	require.Error(t, err, "a permanently lagging node should only stop when cancelled")
	require.ErrorIs(t, err, context.DeadlineExceeded, "the watchdog cancellation should surface")
}

// TestWaitForCatchupBlockstreamerSkips validates that blockstreamers never
// probe slot heights; their endpoints are deliberately unreachable here.
func TestWaitForCatchupBlockstreamerSkips(t *testing.T) {
	cfg := joinConfig(t, config.Raw{Role: "blockstreamer"})
	coord := NewCoordinator(testutils.Logger(t), cfg,
		WithLocalRPCURL("http://127.0.0.1:1"),
		WithEntrypointRPCURL("http://127.0.0.1:1"))

	require.NoError(t, coord.WaitForCatchup(context.Background()),
		"blockstreamer catchup should be a no-op")
}

// TestPrimordiallyStakedClamped validates which node indexes genesis
// covers, including the clamp when the cover count exceeds the node total.
func TestPrimordiallyStakedClamped(t *testing.T) {
	cases := []struct {
		name       string
		index      int
		primordial int
		covered    bool
	}{
		{"first node covered", 0, 2, true},
		{"second node covered", 1, 2, true},
		{"third node not covered", 2, 2, false},
		{"none covered", 0, 0, false},
		{"clamp covers everyone", 2, 10, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := joinConfig(t, config.Raw{NodeIndex: tc.index, ExtraPrimordialStakes: tc.primordial})
			require.Equal(t, tc.covered, PrimordiallyStaked(cfg), "primordial coverage mismatch")
		})
	}
}

// TestDelegateStakeSkippedWhenPrimordial validates the mutual exclusion:
// a node whose stake was assigned at genesis never issues a delegation
// transaction.
func TestDelegateStakeSkippedWhenPrimordial(t *testing.T) {
	cfg := joinConfig(t, config.Raw{NodeIndex: 0, ExtraPrimordialStakes: 1})
	bin, callLog := fakeCLI(t, cfg.BaseDir)
	cfg.CLIBin = bin

	prov := keys.NewProvisioner(testutils.Logger(t), cfg.BaseDir)
	set, err := prov.Provision(cfg)
	require.NoError(t, err, "provisioning should succeed")

	coord := NewCoordinator(testutils.Logger(t), cfg)
	require.NoError(t, coord.DelegateStake(context.Background(), set), "skip should not be an error")
	_, err = os.Stat(callLog)
	require.True(t, os.IsNotExist(err), "no cli invocation may happen for a primordially staked node")
}

// TestDelegateStakeRunsWhenNotCovered validates the delegation path:
// stake account creation followed by delegation to this node's own vote
// account.
func TestDelegateStakeRunsWhenNotCovered(t *testing.T) {
	cfg := joinConfig(t, config.Raw{NodeIndex: 2, ExtraPrimordialStakes: 1, StakeLamports: 42_000})
	bin, callLog := fakeCLI(t, cfg.BaseDir)
	cfg.CLIBin = bin

	prov := keys.NewProvisioner(testutils.Logger(t), cfg.BaseDir)
	set, err := prov.Provision(cfg)
	require.NoError(t, err, "provisioning should succeed")

	coord := NewCoordinator(testutils.Logger(t), cfg)
	require.NoError(t, coord.DelegateStake(context.Background(), set), "delegation should succeed")

	raw, err := os.ReadFile(callLog)
	require.NoError(t, err, "cli should have been invoked")
	calls := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, calls, 2, "expected stake account creation then delegation")
	require.Contains(t, calls[0], "create-stake-account", "first call creates the stake account")
	require.Contains(t, calls[0], "42000", "stake amount should be forwarded")
	require.Contains(t, calls[1], "delegate-stake", "second call delegates")
	require.Contains(t, calls[1], set.Vote.Path, "delegation must target this node's own vote account")
}

// TestDelegateStakeBlockstreamerNoop validates that non-voting roles never
// reach the cli; this would fail loudly otherwise since no cli binary is
// configured.
func TestDelegateStakeBlockstreamerNoop(t *testing.T) {
	cfg := joinConfig(t, config.Raw{Role: "blockstreamer"})
	prov := keys.NewProvisioner(testutils.Logger(t), cfg.BaseDir)
	set, err := prov.Provision(cfg)
	require.NoError(t, err, "provisioning should succeed")

	coord := NewCoordinator(testutils.Logger(t), cfg)
	require.NoError(t, coord.DelegateStake(context.Background(), set),
		"blockstreamer delegation should be a no-op")
}

// TestDelegateStakeMissingCLI validates that a delegating node without a
// configured cli binary fails with an error naming the field.
func TestDelegateStakeMissingCLI(t *testing.T) {
	cfg := joinConfig(t, config.Raw{NodeIndex: 2})
	prov := keys.NewProvisioner(testutils.Logger(t), cfg.BaseDir)
	set, err := prov.Provision(cfg)
	require.NoError(t, err, "provisioning should succeed")

	coord := NewCoordinator(testutils.Logger(t), cfg)
	err = coord.DelegateStake(context.Background(), set)
	var cerr *config.Error
	require.ErrorAs(t, err, &cerr, "missing cli binary is a config error")
	require.Equal(t, "cliBin", cerr.Field, "error should name the missing field")
}
