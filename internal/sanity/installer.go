package sanity

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/thep2p/go-validator-testnet/internal/keys"
)

// CheckInstaller performs the upgrade round-trip check: deploy the update
// manifest through the external installer client, then read it back. The
// check only runs when an update manifest credential exists; most
// deployments have none, so absence is a logged skip. The returned pointer
// is nil exactly when the check was skipped.
func (c *Checker) CheckInstaller(ctx context.Context) (*bool, error) {
	manifest := filepath.Join(c.cfg.BaseDir, keys.KeypairSubDir, keys.UpdateManifestFileName)
	if _, err := os.Stat(manifest); os.IsNotExist(err) {
		c.logger.Info().Str("manifest", manifest).Msg("no update manifest credential, skipping installer check")
		return nil, nil
	}
	if c.cfg.InstallerBin == "" {
		return nil, &Failure{
			Check: "installer",
			Err:   fmt.Errorf("update manifest credential present but no installer binary configured"),
		}
	}

	c.logger.Info().Str("manifest", manifest).Msg("running installer round trip")
	if err := c.runInstaller(ctx, "deploy", "--url", c.entryRPCURL, "--keypair", manifest); err != nil {
		ok := false
		return &ok, err
	}
	if err := c.runInstaller(ctx, "info", "--url", c.entryRPCURL); err != nil {
		ok := false
		return &ok, err
	}

	ok := true
	return &ok, nil
}

func (c *Checker) runInstaller(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.cfg.InstallerBin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return &Failure{
			Check: "installer",
			Err:   fmt.Errorf("%s %s: %w: %s", c.cfg.InstallerBin, args[0], err, out.String()),
		}
	}
	return nil
}
