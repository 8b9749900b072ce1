package sanity

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// VerifyLedger checks the local ledger offline with the external ledger
// tool. Verification runs against a copy so the live validator keeps
// exclusive ownership of its ledger directory. A missing ledger is a
// logged skip, not a failure: not every role keeps one. The returned
// pointer is nil exactly when verification was skipped.
func (c *Checker) VerifyLedger(ctx context.Context) (*bool, error) {
	src := c.cfg.LedgerDir()
	if _, err := os.Stat(src); os.IsNotExist(err) {
		c.logger.Info().Str("ledger", src).Msg("no local ledger, skipping verification")
		return nil, nil
	}

	scratch, err := os.MkdirTemp("", "ledger-verify-*")
	if err != nil {
		return nil, &Failure{Check: "ledger", Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()
	if err := os.CopyFS(scratch, os.DirFS(src)); err != nil {
		return nil, &Failure{Check: "ledger", Err: fmt.Errorf("copy ledger: %w", err)}
	}

	c.logger.Info().Str("ledger", src).Msg("verifying ledger copy")
	cmd := exec.CommandContext(ctx, c.cfg.LedgerToolBin, "verify", "--ledger", scratch)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		verified := false
		return &verified, &Failure{
			Check: "ledger",
			Err:   fmt.Errorf("%s verify: %w: %s", c.cfg.LedgerToolBin, err, out.String()),
		}
	}

	verified := true
	return &verified, nil
}
