// Package testutils provides testing utilities and helper functions for the
// cluster bootstrap tooling. It includes log, directory and port helpers for
// setting up test deployments. This package is intended for testing purposes
// only and should not be used in production environments.
package testutils

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a zerolog.Logger configured for testing.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(os.Stdout).Level(zerolog.DebugLevel)
}
