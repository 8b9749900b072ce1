// Package genesis assembles the initial ledger state on the bootstrap node
// and captures the cluster handshake derived from it. The heavy lifting of
// materializing genesis lives in the external ledger tool; this package
// decides what goes into it and records what came out.
//
// Genesis is created exactly once per cluster epoch. Every failure here is
// fatal and never retried, because a half-built genesis would split the
// cluster into incompatible shred versions.
package genesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/thep2p/go-validator-testnet/internal/config"
	"github.com/thep2p/go-validator-testnet/internal/keys"
	"github.com/thep2p/go-validator-testnet/internal/model"
)

// DefaultClientLamports is the primordial balance of each pre-funded client
// account.
const DefaultClientLamports uint64 = 500_000_000_000

// PrimordialAccountsFileName is the assembled account list handed to the
// external ledger tool.
const PrimordialAccountsFileName = "primordial-accounts.json"

// Error reports a ledger-tool invocation or assembly failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("genesis %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Account is a primordial account balance funded before any transactions
// execute.
type Account struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
}

// StakeDelegation is a stake assigned at genesis rather than through a
// delegation transaction after join.
type StakeDelegation struct {
	Identity    string `json:"identity"`
	VoteAccount string `json:"voteAccount"`
	Lamports    uint64 `json:"lamports"`
}

// Builder drives genesis creation for the bootstrap role.
type Builder struct {
	logger zerolog.Logger
	cfg    config.Config
	prov   *keys.Provisioner
}

// NewBuilder creates a Builder for the given resolved config.
func NewBuilder(logger zerolog.Logger, cfg config.Config, prov *keys.Provisioner) *Builder {
	return &Builder{
		logger: logger.With().Str("component", "genesis-builder").Logger(),
		cfg:    cfg,
		prov:   prov,
	}
}

// Build assembles primordial state, invokes the external ledger tool to
// materialize genesis, and writes the handshake files other nodes join
// against. The returned handshake is the cluster's identity.
func (b *Builder) Build(ctx context.Context, set keys.Set) (model.Handshake, error) {
	accounts, stakes, err := b.assemble(set)
	if err != nil {
		return model.Handshake{}, err
	}

	accountsPath := filepath.Join(b.cfg.ConfigDir(), PrimordialAccountsFileName)
	if err := writeJSON(accountsPath, accounts); err != nil {
		return model.Handshake{}, &Error{Op: "write primordial accounts", Err: err}
	}

	args := b.createArgs(set, accountsPath, stakes)
	b.logger.Info().
		Int("primordialAccounts", len(accounts)).
		Int("primordialStakes", len(stakes)).
		Msg("creating genesis ledger")
	if _, err := b.runLedgerTool(ctx, args); err != nil {
		return model.Handshake{}, &Error{Op: "create", Err: err}
	}

	shred, err := b.shredVersion(ctx)
	if err != nil {
		return model.Handshake{}, &Error{Op: "shred version", Err: err}
	}

	handshake := model.Handshake{
		ShredVersion:         shred,
		WaitForSupermajority: b.cfg.WaitForSupermajority,
	}

	// The bank hash snapshot is only taken when joining nodes will hold for
	// supermajority; without that wait there is nothing to verify against.
	if b.cfg.WaitForSupermajority != 0 {
		bankHash, err := b.bankHash(ctx)
		if err != nil {
			return model.Handshake{}, &Error{Op: "bank hash", Err: err}
		}
		handshake.ExpectedBankHash = bankHash
	}

	if err := handshake.Write(b.cfg.ConfigDir()); err != nil {
		return model.Handshake{}, &Error{Op: "write handshake", Err: err}
	}
	b.logger.Info().
		Uint16("shredVersion", handshake.ShredVersion).
		Str("bankHash", handshake.ExpectedBankHash).
		Msg("genesis complete")
	return handshake, nil
}

// assemble collects all primordial balances: pre-funded clients, the
// optional external accounts file, and extra primordial stake delegations
// for the first K validators. K is clamped to the node count.
func (b *Builder) assemble(set keys.Set) ([]Account, []StakeDelegation, error) {
	var accounts []Account
	for _, client := range set.Clients {
		accounts = append(accounts, Account{Address: client.Address(), Lamports: DefaultClientLamports})
	}

	if b.cfg.ExternalAccountsFile != "" {
		external, err := readAccountsFile(b.cfg.ExternalAccountsFile)
		if err != nil {
			return nil, nil, &Error{Op: "read external accounts", Err: err}
		}
		accounts = append(accounts, external...)
	}

	extra := b.cfg.ExtraPrimordialStakes
	if extra > b.cfg.NumNodes {
		b.logger.Warn().
			Int("requested", extra).
			Int("numNodes", b.cfg.NumNodes).
			Msg("extra primordial stakes exceed node count, clamping")
		extra = b.cfg.NumNodes
	}

	var stakes []StakeDelegation
	if extra > 0 {
		identities, votes, err := b.prov.ProvisionValidatorAccounts(b.cfg.NumNodes)
		if err != nil {
			return nil, nil, &Error{Op: "provision validator accounts", Err: err}
		}
		for i := 0; i < extra; i++ {
			stakes = append(stakes, StakeDelegation{
				Identity:    identities[i].Address(),
				VoteAccount: votes[i].Address(),
				Lamports:    b.cfg.StakeLamports,
			})
		}
	}
	return accounts, stakes, nil
}

// createArgs builds the create-genesis argument vector for the ledger tool.
func (b *Builder) createArgs(set keys.Set, accountsPath string, stakes []StakeDelegation) []string {
	args := []string{
		"create-genesis",
		"--ledger", b.cfg.LedgerDir(),
		"--bootstrap-validator", set.Identity.Address(), set.Vote.Address(), set.Stake.Address(),
		"--primordial-accounts-file", accountsPath,
	}
	if b.cfg.StakeLamports != 0 {
		args = append(args, "--bootstrap-validator-stake-lamports", strconv.FormatUint(b.cfg.StakeLamports, 10))
	}
	if !b.cfg.AirdropsEnabled {
		args = append(args, "--no-faucet")
	}
	if b.cfg.WarpSlot != 0 {
		args = append(args, "--warp-slot", strconv.FormatUint(b.cfg.WarpSlot, 10))
	}
	for _, s := range stakes {
		args = append(args, "--primordial-stake", s.Identity, strconv.FormatUint(s.Lamports, 10))
	}
	return args
}

func (b *Builder) shredVersion(ctx context.Context) (uint16, error) {
	out, err := b.runLedgerTool(ctx, []string{"shred-version", "--ledger", b.cfg.LedgerDir()})
	if err != nil {
		return 0, err
	}
	shred, err := strconv.ParseUint(strings.TrimSpace(out), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse shred version %q: %w", strings.TrimSpace(out), err)
	}
	return uint16(shred), nil
}

func (b *Builder) bankHash(ctx context.Context) (string, error) {
	out, err := b.runLedgerTool(ctx, []string{"bank-hash", "--ledger", b.cfg.LedgerDir()})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// runLedgerTool invokes the external ledger tool and returns its stdout.
func (b *Builder) runLedgerTool(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, b.cfg.LedgerToolBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)", b.cfg.LedgerToolBin, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func readAccountsFile(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", path, err)
	}
	return accounts, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
