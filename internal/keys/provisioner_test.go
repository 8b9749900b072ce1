package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/testutils"
)

func bootstrapConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Resolve(config.Raw{
		Role:          "bootstrap",
		NumNodes:      3,
		ClientCount:   2,
		GPUMode:       "off",
		BaseDir:       t.TempDir(),
		ValidatorBin:  "/usr/bin/validator",
		LedgerToolBin: "/usr/bin/ledger-tool",
	})
	require.NoError(t, err, "test config should resolve")
	return cfg
}

// TestEnsureGeneratesAndPersists validates key generation on first run:
// the file exists, has restrictive permissions, and holds a loadable key.
func TestEnsureGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keypairs", "identity.json")

	kp, err := Ensure(path)
	require.NoError(t, err, "first Ensure should generate a keypair")
	require.FileExists(t, path, "keypair file should exist")
	require.NotEmpty(t, kp.Address(), "keypair should have a base58 address")

	info, err := os.Stat(path)
	require.NoError(t, err, "should stat keypair file")
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "keypair file should be 0600")
}

// TestEnsureIdempotent validates that a second Ensure on the same path is a
// no-op load: byte-identical file, identical address. Stable addresses
// across redeploys depend on this.
func TestEnsureIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := Ensure(path)
	require.NoError(t, err, "first Ensure should succeed")
	firstBytes, err := os.ReadFile(path)
	require.NoError(t, err, "should read keypair file")

	second, err := Ensure(path)
	require.NoError(t, err, "second Ensure should succeed")
	secondBytes, err := os.ReadFile(path)
	require.NoError(t, err, "should read keypair file again")

	require.Equal(t, firstBytes, secondBytes, "second run must not regenerate the file")
	require.Equal(t, first.Address(), second.Address(), "address must be stable")
	require.Equal(t, first.PrivateKey, second.PrivateKey, "private key must be stable")
}

// TestLoadRejectsWrongLength validates that a truncated keypair file is an
// error rather than a silently short key.
func TestLoadRejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.json")
	require.NoError(t, os.WriteFile(path, []byte("[1,2,3]"), 0o600))

	_, err := Load(path)
	require.Error(t, err, "short keypair should be rejected")
}

// TestProvisionBootstrapSet validates the bootstrap role's credential set:
// identity, vote, stake, plus one key per configured client.
func TestProvisionBootstrapSet(t *testing.T) {
	cfg := bootstrapConfig(t)
	p := NewProvisioner(testutils.Logger(t), cfg.BaseDir)

	set, err := p.Provision(cfg)
	require.NoError(t, err, "provision should succeed")
	require.NotEmpty(t, set.Identity.Address(), "identity should be provisioned")
	require.NotEmpty(t, set.Vote.Address(), "vote account should be provisioned")
	require.NotEmpty(t, set.Stake.Address(), "stake account should be provisioned")
	require.Len(t, set.Clients, 2, "one key per pre-funded client")
}

// TestProvisionBlockstreamerHasNoStake validates that blockstreamers get an
// identity only; they never vote or delegate.
func TestProvisionBlockstreamerHasNoStake(t *testing.T) {
	cfg, err := config.Resolve(config.Raw{
		Role:              "blockstreamer",
		EntrypointAddress: "10.0.0.1",
		NumNodes:          3,
		GPUMode:           "off",
		BaseDir:           t.TempDir(),
		ValidatorBin:      "/usr/bin/validator",
		LedgerToolBin:     "/usr/bin/ledger-tool",
	})
	require.NoError(t, err, "blockstreamer config should resolve")

	p := NewProvisioner(testutils.Logger(t), cfg.BaseDir)
	set, err := p.Provision(cfg)
	require.NoError(t, err, "provision should succeed")
	require.NotEmpty(t, set.Identity.Address(), "identity should be provisioned")
	require.Nil(t, set.Vote.PrivateKey, "blockstreamer has no vote account")
	require.Nil(t, set.Stake.PrivateKey, "blockstreamer has no stake account")
}

// TestProvisionValidatorIdentities validates the numNodes=3 scenario: three
// validator identity keypairs are generated for primordial staking.
func TestProvisionValidatorIdentities(t *testing.T) {
	p := NewProvisioner(testutils.Logger(t), t.TempDir())

	pairs, err := p.ProvisionValidatorIdentities(3)
	require.NoError(t, err, "provisioning validator identities should succeed")
	require.Len(t, pairs, 3, "one identity per validator")

	seen := map[string]struct{}{}
	for _, kp := range pairs {
		seen[kp.Address()] = struct{}{}
	}
	require.Len(t, seen, 3, "identities should be distinct")

	again, err := p.ProvisionValidatorIdentities(3)
	require.NoError(t, err, "second provisioning should succeed")
	for i := range pairs {
		require.Equal(t, pairs[i].Address(), again[i].Address(), "addresses must be stable across runs")
	}
}
