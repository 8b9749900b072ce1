package launch

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/keys"
	"github.com/thep2p/go-validator-testnet/internal/model"
)

// InitCompleteFileName is the marker the external validator creates once
// its initialization finishes.
const InitCompleteFileName = "init-completed"

// Spec holds everything needed to construct one validator invocation.
type Spec struct {
	Config    config.Config
	Keys      keys.Set
	Handshake model.Handshake
}

// InitCompletePath returns the init marker location for this node.
func (s Spec) InitCompletePath() string {
	return filepath.Join(s.Config.RunDir(), InitCompleteFileName)
}

// LogPath returns the process log location for this node.
func (s Spec) LogPath() string {
	return filepath.Join(s.Config.LogDir(), "validator.log")
}

// Args builds the role-specific argument vector for the external validator.
// Joining roles always reference the synced handshake values; a stale local
// shred version can never leak into the vector because the handshake is
// overwritten during sync before launch.
func (s Spec) Args() []string {
	cfg := s.Config
	args := []string{
		"--identity", s.Keys.Identity.Path,
		"--ledger", cfg.LedgerDir(),
		"--gossip-port", strconv.Itoa(model.GossipPort),
		"--rpc-port", strconv.Itoa(model.RPCPort),
		"--init-complete-file", s.InitCompletePath(),
	}

	if cfg.Role != config.RoleBlockstreamer {
		args = append(args, "--vote-account", s.Keys.Vote.Path)
	} else {
		// blockstreamers observe only
		args = append(args, "--no-voting")
	}

	if cfg.Role.Joining() {
		args = append(args,
			"--entrypoint", fmt.Sprintf("%s:%d", cfg.EntrypointAddress, model.GossipPort),
			"--expected-shred-version", strconv.FormatUint(uint64(s.Handshake.ShredVersion), 10),
		)
		if s.Handshake.ExpectedBankHash != "" {
			args = append(args, "--expected-bank-hash", s.Handshake.ExpectedBankHash)
		}
	}

	if s.Handshake.WaitForSupermajority != 0 {
		args = append(args, "--wait-for-supermajority", strconv.FormatUint(s.Handshake.WaitForSupermajority, 10))
	}

	if !cfg.AirdropsEnabled {
		args = append(args, "--no-airdrop")
	}

	if cfg.GPU.CUDAOnly {
		args = append(args, "--cuda")
	}

	// Pass-through arguments come last so operators can override anything.
	args = append(args, cfg.ExtraArgs...)
	return args
}
