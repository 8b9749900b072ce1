package config

import "path/filepath"

// Well-known locations under a node's base directory. Joining nodes fetch
// the bootstrap node's config dir contents; everything else is node-local.

// ConfigDir is where handshake artifacts and the version manifest live.
// On the bootstrap host this directory is served to joining nodes.
func (c Config) ConfigDir() string { return filepath.Join(c.BaseDir, "config") }

// LedgerDir is the node's ledger directory.
func (c Config) LedgerDir() string { return filepath.Join(c.BaseDir, "ledger") }

// LogDir is where node process logs are written.
func (c Config) LogDir() string { return filepath.Join(c.BaseDir, "log") }

// RunDir holds runtime state: process handles, init markers, relaunch records.
func (c Config) RunDir() string { return filepath.Join(c.BaseDir, "run") }
