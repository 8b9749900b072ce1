package keys

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/thep2p/go-validator-testnet/internal/config"
)

// ProvisionError reports a credential generation or load failure.
// Provisioning failures are fatal; the node cannot join without credentials.
type ProvisionError struct {
	Name string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Name, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Well-known keypair file names inside the keypair cache directory.
const (
	IdentityFileName      = "identity.json"
	VoteAccountFileName   = "vote-account.json"
	StakeAccountFileName  = "stake-account.json"
	BlockstreamerFileName = "blockstreamer.json"

	// UpdateManifestFileName is the optional credential that, when present,
	// enables the installer upgrade round-trip check. It is provisioned by
	// the operator, never generated here.
	UpdateManifestFileName = "update-manifest.json"

	// KeypairSubDir is the keypair cache directory under a node's base dir.
	KeypairSubDir = "keypairs"
)

// Set holds the provisioned keypairs for one node.
type Set struct {
	// Identity is the node's signing identity.
	Identity Keypair
	// Vote is the vote account, empty for blockstreamers.
	Vote Keypair
	// Stake is the stake account, empty for blockstreamers.
	Stake Keypair
	// Clients are the pre-funded client keys, bootstrap role only.
	Clients []Keypair
}

// Provisioner ensures the credential files a role needs exist, generating
// them only when absent. Provisioning is idempotent: a second run against
// the same directory loads the same files byte for byte, which keeps node
// addresses stable across redeploys.
type Provisioner struct {
	logger zerolog.Logger
	dir    string
}

// NewProvisioner creates a Provisioner rooted at the node's base directory.
func NewProvisioner(logger zerolog.Logger, baseDir string) *Provisioner {
	return &Provisioner{
		logger: logger.With().Str("component", "keypair-provisioner").Logger(),
		dir:    filepath.Join(baseDir, KeypairSubDir),
	}
}

// Dir returns the keypair cache directory.
func (p *Provisioner) Dir() string { return p.dir }

// ClientKeypairPath returns the well-known path of the i-th client key.
func (p *Provisioner) ClientKeypairPath(i int) string {
	return filepath.Join(p.dir, fmt.Sprintf("client-%d.json", i))
}

// Provision ensures every credential the given config's role requires.
// Only addresses are logged, never key material.
func (p *Provisioner) Provision(cfg config.Config) (Set, error) {
	var set Set
	var err error

	identityName := IdentityFileName
	if cfg.Role == config.RoleBlockstreamer {
		identityName = BlockstreamerFileName
	}
	set.Identity, err = Ensure(filepath.Join(p.dir, identityName))
	if err != nil {
		return Set{}, &ProvisionError{Name: "identity", Err: err}
	}
	p.logger.Info().Str("identity", set.Identity.Address()).Msg("identity keypair ready")

	// Blockstreamers never vote or stake, so they carry no such accounts.
	if cfg.Role != config.RoleBlockstreamer {
		set.Vote, err = Ensure(filepath.Join(p.dir, VoteAccountFileName))
		if err != nil {
			return Set{}, &ProvisionError{Name: "vote account", Err: err}
		}
		set.Stake, err = Ensure(filepath.Join(p.dir, StakeAccountFileName))
		if err != nil {
			return Set{}, &ProvisionError{Name: "stake account", Err: err}
		}
		p.logger.Info().
			Str("vote", set.Vote.Address()).
			Str("stake", set.Stake.Address()).
			Msg("vote and stake keypairs ready")
	}

	if cfg.Role == config.RoleBootstrap {
		set.Clients = make([]Keypair, cfg.ClientCount)
		for i := 0; i < cfg.ClientCount; i++ {
			set.Clients[i], err = Ensure(p.ClientKeypairPath(i))
			if err != nil {
				return Set{}, &ProvisionError{Name: fmt.Sprintf("client key %d", i), Err: err}
			}
		}
		if cfg.ClientCount > 0 {
			p.logger.Info().Int("count", cfg.ClientCount).Msg("client keypairs ready")
		}
	}

	return set, nil
}

// ProvisionValidatorIdentities ensures one identity keypair per validator
// index. The bootstrap node uses this at genesis time to compute primordial
// stake delegations for the whole cluster.
func (p *Provisioner) ProvisionValidatorIdentities(numNodes int) ([]Keypair, error) {
	pairs := make([]Keypair, numNodes)
	for i := 0; i < numNodes; i++ {
		kp, err := Ensure(filepath.Join(p.dir, fmt.Sprintf("validator-identity-%d.json", i)))
		if err != nil {
			return nil, &ProvisionError{Name: fmt.Sprintf("validator identity %d", i), Err: err}
		}
		pairs[i] = kp
	}
	return pairs, nil
}

// ProvisionValidatorAccounts ensures identity and vote-account keypairs for
// every validator index. Primordial stake delegations at genesis reference
// both.
func (p *Provisioner) ProvisionValidatorAccounts(numNodes int) (identities, votes []Keypair, err error) {
	identities, err = p.ProvisionValidatorIdentities(numNodes)
	if err != nil {
		return nil, nil, err
	}
	votes = make([]Keypair, numNodes)
	for i := 0; i < numNodes; i++ {
		kp, err := Ensure(filepath.Join(p.dir, fmt.Sprintf("validator-vote-%d.json", i)))
		if err != nil {
			return nil, nil, &ProvisionError{Name: fmt.Sprintf("validator vote account %d", i), Err: err}
		}
		votes[i] = kp
	}
	return identities, votes, nil
}
