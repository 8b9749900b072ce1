// Package config resolves the raw per-role arguments of a node-bootstrap
// invocation into a validated, immutable configuration record. Resolution
// happens exactly once per process lifetime; every later step reads the
// resolved record instead of re-parsing arguments or environment state.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Error reports a missing or invalid configuration input. It is fatal and
// never retried; it always names exactly one offending field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("config: missing required field %q", e.Field)
	}
	return fmt.Sprintf("config: field %q: %s", e.Field, e.Reason)
}

// Config holds everything a node-bootstrap run needs.
//
// A Config is immutable once resolved. The zero value is not usable;
// construct one through Resolve.
type Config struct {
	// Role determines how this node joins (or creates) the cluster.
	Role Role `json:"role" validate:"required"`

	// EntrypointAddress is the host of the bootstrap node. Joining roles
	// fetch handshake artifacts from it and gossip with it on port 8001.
	// The bootstrap role leaves it empty.
	EntrypointAddress string `json:"entrypointAddress"`

	// NodeIndex is this node's position in the statically partitioned
	// cluster layout. It selects the node's keypairs and decides whether
	// extra primordial stakes cover it.
	NodeIndex int `json:"nodeIndex" validate:"gte=0"`

	// NumNodes is the total validator count the cluster is deployed with.
	NumNodes int `json:"numNodes" validate:"required,gt=0"`

	// ClientCount is the number of pre-funded client accounts at genesis.
	ClientCount int `json:"clientCount" validate:"gte=0"`

	// StakeLamports is the stake this node delegates to its vote account
	// after catching up, unless primordial stakes already cover it.
	StakeLamports uint64 `json:"stakeLamports"`

	// ExtraPrimordialStakes is the number of validators whose stake is
	// assigned at genesis instead of through a delegation transaction.
	// Clamped to NumNodes with a warning.
	ExtraPrimordialStakes int `json:"extraPrimordialStakes" validate:"gte=0"`

	// ExternalAccountsFile optionally points at a JSON file of additional
	// primordial account balances merged into genesis.
	ExternalAccountsFile string `json:"externalAccountsFile,omitempty"`

	// AirdropsEnabled toggles the faucet; when false the node is launched
	// with --no-airdrop and clients must be pre-funded.
	AirdropsEnabled bool `json:"airdropsEnabled"`

	// WaitForSupermajority, when non-zero, gates node start until the
	// observed stake reaches the supermajority threshold at that slot.
	WaitForSupermajority uint64 `json:"waitForSupermajority,omitempty"`

	// WarpSlot advances the genesis ledger to the given slot. When unset
	// and WaitForSupermajority is set, it is derived from that value; the
	// external validator expects the two to line up.
	WarpSlot uint64 `json:"warpSlot,omitempty"`

	// GPU is the normalized gpu capability pair.
	GPU GPUCapability `json:"gpu"`

	// BaseDir is where keypairs, handshake artifacts, ledgers, logs and the
	// deploy record live. Each node owns its BaseDir exclusively.
	BaseDir string `json:"baseDir" validate:"required"`

	// ValidatorBin is the external validator executable.
	ValidatorBin string `json:"validatorBin" validate:"required"`

	// LedgerToolBin is the external ledger tool used for genesis creation
	// and ledger verification.
	LedgerToolBin string `json:"ledgerToolBin" validate:"required"`

	// CLIBin is the external command-line client used for stake delegation.
	// Only required for validator joins whose stake is not primordial.
	CLIBin string `json:"cliBin,omitempty"`

	// InstallerBin is the external installer client used for the upgrade
	// round-trip check. Only consulted when an update manifest credential
	// is present.
	InstallerBin string `json:"installerBin,omitempty"`

	// ExtraArgs are passed through to the validator process verbatim,
	// after all generated flags. Order is preserved.
	ExtraArgs []string `json:"extraArgs,omitempty"`
}

// Raw carries the unvalidated inputs of a run, straight from CLI flags.
type Raw struct {
	Role                  string
	EntrypointAddress     string
	NodeIndex             int
	NumNodes              int
	ClientCount           int
	StakeLamports         uint64
	ExtraPrimordialStakes int
	ExternalAccountsFile  string
	AirdropsEnabled       bool
	WaitForSupermajority  uint64
	WarpSlot              uint64
	GPUMode               string
	BaseDir               string
	ValidatorBin          string
	LedgerToolBin         string
	CLIBin                string
	InstallerBin          string
	ExtraArgs             []string
}

// Resolve validates raw inputs and produces the immutable Config.
// It either returns a complete Config or fails with an Error naming the
// first missing or invalid field, never a partial record.
func Resolve(raw Raw) (Config, error) {
	role, err := ParseRole(raw.Role)
	if err != nil {
		return Config{}, err
	}

	gpu, err := ParseGPUMode(raw.GPUMode)
	if err != nil {
		return Config{}, err
	}

	if role.Joining() && raw.EntrypointAddress == "" {
		return Config{}, &Error{Field: "entrypointAddress"}
	}

	cfg := Config{
		Role:                  role,
		EntrypointAddress:     raw.EntrypointAddress,
		NodeIndex:             raw.NodeIndex,
		NumNodes:              raw.NumNodes,
		ClientCount:           raw.ClientCount,
		StakeLamports:         raw.StakeLamports,
		ExtraPrimordialStakes: raw.ExtraPrimordialStakes,
		ExternalAccountsFile:  raw.ExternalAccountsFile,
		AirdropsEnabled:       raw.AirdropsEnabled,
		WaitForSupermajority:  raw.WaitForSupermajority,
		WarpSlot:              raw.WarpSlot,
		GPU:                   gpu,
		BaseDir:               raw.BaseDir,
		ValidatorBin:          raw.ValidatorBin,
		LedgerToolBin:         raw.LedgerToolBin,
		CLIBin:                raw.CLIBin,
		InstallerBin:          raw.InstallerBin,
		ExtraArgs:             append([]string(nil), raw.ExtraArgs...),
	}

	// Surprising but preserved: a missing warp slot is derived from the
	// supermajority wait slot. The external validator's flag contract
	// couples the two; do not generalize this to other thresholds.
	if cfg.WarpSlot == 0 && cfg.WaitForSupermajority != 0 {
		cfg.WarpSlot = cfg.WaitForSupermajority
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct-level constraints and converts the first
// violation into an Error naming the offending field.
func (c Config) Validate() error {
	validate := validator.New()
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
		first := verrs[0]
		return &Error{
			Field:  lowerFirst(first.Field()),
			Reason: fmt.Sprintf("failed %q constraint", first.Tag()),
		}
	}
	return fmt.Errorf("validate config: %w", err)
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
