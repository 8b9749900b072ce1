// Package model defines the value types exchanged between the bootstrap
// node and joining nodes. The handshake is modeled as an explicit value
// type; the file-based exchange only exists at the boundary with the
// external validator binary, which is not being rewritten.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ShredVersionFileName is the well-known file holding the genesis-derived
	// shred version, a single integer line.
	ShredVersionFileName = "shred-version"

	// BankHashFileName is the well-known file holding the expected bank hash,
	// a single hash line. It only exists when a supermajority wait is configured.
	BankHashFileName = "bank-hash"
)

// Handshake carries the cluster identity values produced once by the
// bootstrap node and consumed by every joining node. A joining node's
// shred version must equal the bootstrap's before its RPC traffic is
// trusted; the comparison is plain equality, there is no negotiation.
type Handshake struct {
	// ShredVersion is the hash derived from genesis state that all cluster
	// members must match to be considered part of the same network.
	ShredVersion uint16

	// ExpectedBankHash is the bank hash snapshotted at genesis.
	// Empty means no bank hash expectation is enforced.
	ExpectedBankHash string

	// WaitForSupermajority, when non-zero, is the slot at which the node
	// holds its startup until the configured stake threshold is observed.
	WaitForSupermajority uint64
}

// Matches reports whether the two handshakes identify the same cluster.
func (h Handshake) Matches(other Handshake) bool {
	return h.ShredVersion == other.ShredVersion && h.ExpectedBankHash == other.ExpectedBankHash
}

// Write persists the handshake files under dir for distribution to joining
// nodes. The bank hash file is only written when a bank hash is set; a
// leftover file from a previous cluster epoch is removed so consumers can
// never pair a fresh shred version with a stale hash.
func (h Handshake) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create handshake dir: %w", err)
	}

	shredPath := filepath.Join(dir, ShredVersionFileName)
	line := strconv.FormatUint(uint64(h.ShredVersion), 10) + "\n"
	if err := os.WriteFile(shredPath, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write shred version: %w", err)
	}

	bankPath := filepath.Join(dir, BankHashFileName)
	if h.ExpectedBankHash == "" {
		if err := os.Remove(bankPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale bank hash: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(bankPath, []byte(h.ExpectedBankHash+"\n"), 0o644); err != nil {
		return fmt.Errorf("write bank hash: %w", err)
	}
	return nil
}

// LoadHandshake reads the handshake files under dir. The shred version file
// is required; the bank hash file is optional.
func LoadHandshake(dir string) (Handshake, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ShredVersionFileName))
	if err != nil {
		return Handshake{}, fmt.Errorf("read shred version: %w", err)
	}
	shred, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 16)
	if err != nil {
		return Handshake{}, fmt.Errorf("parse shred version %q: %w", strings.TrimSpace(string(raw)), err)
	}

	h := Handshake{ShredVersion: uint16(shred)}

	bank, err := os.ReadFile(filepath.Join(dir, BankHashFileName))
	switch {
	case err == nil:
		h.ExpectedBankHash = strings.TrimSpace(string(bank))
	case os.IsNotExist(err):
		// no bank hash expectation for this cluster
	default:
		return Handshake{}, fmt.Errorf("read bank hash: %w", err)
	}
	return h, nil
}
