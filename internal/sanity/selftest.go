package sanity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/thep2p/go-validator-testnet/internal/keys"
	"github.com/thep2p/go-validator-testnet/internal/model"
)

// timeoutExitCode is what the timeout wrapper reports when it kills the
// bounded run. It is the one non-zero code the self-test expects.
const timeoutExitCode = 124

// SelfTest runs a throwaway zero-stake validator instance for a bounded
// duration and scans its log for a panic marker. The throwaway instance
// gets its own identity and ledger directory so it never touches this
// node's state. A panic in the log is a hard failure regardless of exit
// code; the timeout code from the bounded run is expected and tolerated,
// any other non-zero code is a failure. Panicked reports whether the
// marker was seen.
func (c *Checker) SelfTest(ctx context.Context, duration time.Duration) (panicked bool, err error) {
	scratch, err := os.MkdirTemp("", "validator-selftest-*")
	if err != nil {
		return false, &Failure{Check: "self-test", Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	identity, err := keys.Ensure(filepath.Join(scratch, "identity.json"))
	if err != nil {
		return false, &Failure{Check: "self-test", Err: fmt.Errorf("throwaway identity: %w", err)}
	}

	args := []string{
		strconv.Itoa(int(duration.Seconds())),
		c.cfg.ValidatorBin,
		"--identity", identity.Path,
		"--ledger", filepath.Join(scratch, "ledger"),
		"--no-voting",
	}
	if c.cfg.EntrypointAddress != "" {
		args = append(args, "--entrypoint", fmt.Sprintf("%s:%d", c.cfg.EntrypointAddress, model.GossipPort))
	}

	c.logger.Info().Dur("duration", duration).Msg("running throwaway validator self-test")
	cmd := exec.CommandContext(ctx, "timeout", args...)
	var log bytes.Buffer
	cmd.Stdout = &log
	cmd.Stderr = &log
	runErr := cmd.Run()

	if bytes.Contains(log.Bytes(), []byte("panic")) {
		return true, &Failure{Check: "self-test", Err: fmt.Errorf("panic detected in validator log")}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() == timeoutExitCode {
			// the bounded run was cut off as intended
			return false, nil
		}
		return false, &Failure{
			Check: "self-test",
			Err:   fmt.Errorf("throwaway validator: %w: %s", runErr, log.String()),
		}
	}
	return false, nil
}
