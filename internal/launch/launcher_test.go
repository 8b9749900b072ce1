package launch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/keys"
	"github.com/thep2p/go-validator-testnet/internal/model"
	"github.com/thep2p/go-validator-testnet/internal/testutils"
)

// fakeValidator writes a shell script standing in for the external
// validator binary. When touchMarker is set the script creates the
// init-complete file it was pointed at; either way it then idles so the
// launcher sees a running process.
func fakeValidator(t *testing.T, dir string, touchMarker bool) string {
	t.Helper()
	bin := filepath.Join(dir, "validator")
	script := "#!/bin/sh\n" +
		"prev=\"\"\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$prev\" = \"--init-complete-file\" ]; then marker=\"$a\"; fi\n" +
		"  prev=\"$a\"\n" +
		"done\n"
	if touchMarker {
		script += "touch \"$marker\"\n"
	}
	script += "sleep 30\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755), "should write fake validator")
	return bin
}

func launchSpec(t *testing.T, raw config.Raw, touchMarker bool) Spec {
	t.Helper()
	dir := t.TempDir()
	raw.GPUMode = "off"
	raw.BaseDir = dir
	raw.ValidatorBin = fakeValidator(t, dir, touchMarker)
	raw.LedgerToolBin = filepath.Join(dir, "ledger-tool")
	if raw.NumNodes == 0 {
		raw.NumNodes = 3
	}
	cfg, err := config.Resolve(raw)
	require.NoError(t, err, "test config should resolve")

	prov := keys.NewProvisioner(testutils.Logger(t), cfg.BaseDir)
	set, err := prov.Provision(cfg)
	require.NoError(t, err, "provisioning should succeed")

	return Spec{Config: cfg, Keys: set, Handshake: model.Handshake{ShredVersion: 51423}}
}

// TestArgsValidatorRole validates the joining validator's argument vector:
// entrypoint, synced shred version, identity and vote account paths.
func TestArgsValidatorRole(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "validator", EntrypointAddress: "10.0.0.1"}, false)
	spec.Handshake.ExpectedBankHash = "somebankhash"

	args := spec.Args()
	require.Contains(t, args, "--entrypoint", "joining node must name its entrypoint")
	require.Contains(t, args, "10.0.0.1:8001", "entrypoint should target the gossip port")
	require.Contains(t, args, "--expected-shred-version", "joining node must pin the shred version")
	require.Contains(t, args, "51423", "shred version must be the synced value")
	require.Contains(t, args, "--expected-bank-hash", "bank hash expectation should be forwarded")
	require.Contains(t, args, "somebankhash", "bank hash value should be forwarded")
	require.Contains(t, args, "--vote-account", "validators vote")
	require.NotContains(t, args, "--no-voting", "validators are not observers")
}

// TestArgsUsesSyncedShredVersion validates that the vector is built from
// the handshake value, so an overwritten (synced) handshake always wins
// over whatever was on disk before the sync.
func TestArgsUsesSyncedShredVersion(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "validator", EntrypointAddress: "10.0.0.1"}, false)

	// Simulate a stale local handshake being replaced during sync.
	spec.Handshake = model.Handshake{ShredVersion: 11111}
	require.Contains(t, spec.Args(), "11111", "launch must reference the synced shred version")
	require.NotContains(t, spec.Args(), "51423", "the stale value must not appear")
}

// TestArgsBootstrapRole validates that the bootstrap node neither points at
// an entrypoint nor pins a shred version: it produces both.
func TestArgsBootstrapRole(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "bootstrap"}, false)

	args := spec.Args()
	require.NotContains(t, args, "--entrypoint", "bootstrap has no entrypoint")
	require.NotContains(t, args, "--expected-shred-version", "bootstrap defines the shred version")
	require.Contains(t, args, "--no-airdrop", "airdrops default to disabled")
}

// TestArgsBlockstreamerRole validates the observer role: no vote account,
// no voting.
func TestArgsBlockstreamerRole(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "blockstreamer", EntrypointAddress: "10.0.0.1"}, false)

	args := spec.Args()
	require.Contains(t, args, "--no-voting", "blockstreamers observe only")
	require.NotContains(t, args, "--vote-account", "blockstreamers carry no vote account")
}

// TestArgsExtraArgsLast validates that pass-through arguments keep their
// order and come after all generated flags, so operators can override.
func TestArgsExtraArgsLast(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "bootstrap", ExtraArgs: []string{"--limit-ledger-size", "50000000"}}, false)

	args := spec.Args()
	require.Equal(t, "50000000", args[len(args)-1], "extra args must come last in order")
	require.Equal(t, "--limit-ledger-size", args[len(args)-2], "extra args must keep order")
}

// TestArgsSupermajorityWait validates that a configured supermajority wait
// is forwarded to the process.
func TestArgsSupermajorityWait(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "bootstrap"}, false)
	spec.Handshake.WaitForSupermajority = 200

	args := spec.Args()
	require.Contains(t, args, "--wait-for-supermajority", "supermajority wait should be forwarded")
	require.Contains(t, args, "200", "supermajority slot should be forwarded")
}

// TestLaunchAndWaitForInit validates the full launch path: the process is
// started detached, the handle is persisted, and the init marker wait
// observes the marker the process creates.
func TestLaunchAndWaitForInit(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "bootstrap"}, true)

	l := NewLauncher(testutils.Logger(t), spec.Config, WithInitTimeout(10*time.Second))
	handle, err := l.Launch(spec)
	require.NoError(t, err, "launch should succeed")
	t.Cleanup(func() {
		_ = handle.Terminate()
	})

	require.NotZero(t, handle.PID, "handle should record a pid")
	require.Equal(t, Running, l.State(), "launcher should be running")

	loaded, err := LoadHandle(spec.Config.RunDir())
	require.NoError(t, err, "handle should be persisted")
	require.Equal(t, handle, loaded, "persisted handle should round trip")

	require.NoError(t, l.WaitForInit(context.Background()), "init marker should appear")

	record, err := LoadRelaunchRecord(spec.Config.RunDir())
	require.NoError(t, err, "relaunch record should be persisted")
	require.Equal(t, spec.Config.ValidatorBin, record.Command, "record should relaunch the same binary")
	require.Equal(t, spec.Args(), record.Args, "record should relaunch with identical args")
	require.True(t, record.Policy.OnHostRestart, "reboot survival is the default policy")

	require.NoError(t, l.Stop(), "stop should succeed")
	require.Equal(t, Stopped, l.State(), "launcher should be stopped")
}

// TestWaitForInitTimeout validates that a never-appearing marker is a
// reported timeout failure, not a crash, and the process is left running.
func TestWaitForInitTimeout(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "bootstrap"}, false)

	l := NewLauncher(testutils.Logger(t), spec.Config, WithInitTimeout(500*time.Millisecond))
	handle, err := l.Launch(spec)
	require.NoError(t, err, "launch should succeed")
	t.Cleanup(func() {
		_ = handle.Terminate()
	})

	err = l.WaitForInit(context.Background())
	require.Error(t, err, "wait should time out")
	terr, ok := err.(*JoinTimeoutError)
	require.True(t, ok, "failure should be a join timeout")
	require.Contains(t, terr.Error(), "init-complete", "error should name the wait")

	alive, err := handle.Alive()
	require.NoError(t, err, "liveness check should succeed")
	require.True(t, alive, "timeout must not tear the node down")
}

// TestLaunchRemovesStaleInitMarker validates that a marker left over from a
// previous run can never satisfy the current run's init wait.
func TestLaunchRemovesStaleInitMarker(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "bootstrap"}, false)

	require.NoError(t, os.MkdirAll(spec.Config.RunDir(), 0o755))
	require.NoError(t, os.WriteFile(spec.InitCompletePath(), nil, 0o644), "plant a stale marker")

	l := NewLauncher(testutils.Logger(t), spec.Config, WithInitTimeout(500*time.Millisecond))
	handle, err := l.Launch(spec)
	require.NoError(t, err, "launch should succeed")
	t.Cleanup(func() {
		_ = handle.Terminate()
	})

	err = l.WaitForInit(context.Background())
	require.Error(t, err, "stale marker must have been removed at launch")
}

// TestGPURequirementForwarded validates the soft-fail GPU negotiation: a
// required-but-missing GPU never aborts the launch locally.
func TestGPURequirementForwarded(t *testing.T) {
	spec := launchSpec(t, config.Raw{Role: "bootstrap"}, false)
	spec.Config.GPU = config.GPUCapability{RequireGPU: true}

	l := NewLauncher(testutils.Logger(t), spec.Config,
		WithInitTimeout(time.Second),
		WithGPUProbe(func() bool { return false }),
	)
	handle, err := l.Launch(spec)
	require.NoError(t, err, "launch must not abort on missing gpu")
	t.Cleanup(func() {
		_ = handle.Terminate()
	})
	require.Equal(t, Running, l.State(), "node should be running despite missing gpu")
}
