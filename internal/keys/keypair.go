// Package keys provisions the credential files a node needs: identity,
// vote-account and stake keypairs, plus pre-funded client keys. Files are
// generated once and reused verbatim on redeploys so node addresses stay
// stable across the cluster's lifetime.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
)

// Keypair is an ed25519 keypair with its base58 address.
type Keypair struct {
	// PrivateKey is the 64-byte expanded ed25519 private key.
	PrivateKey ed25519.PrivateKey
	// Path is the file the keypair is persisted at.
	Path string
}

// Address returns the base58 rendering of the public key. This is the
// node's on-cluster identity; it is safe to log, unlike the private key.
func (k Keypair) Address() string {
	pub := k.PrivateKey.Public().(ed25519.PublicKey)
	return base58.Encode(pub)
}

// Load reads a keypair file written by Ensure or by the external tooling.
// The on-disk format is a JSON array of the 64 private key bytes, matching
// what the external validator expects for --identity and --vote-account.
func Load(path string) (Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, fmt.Errorf("read keypair: %w", err)
	}
	// The file is a JSON array of byte values, not a base64 string, so it
	// is decoded through []int rather than []byte.
	var raw []int
	if err := json.Unmarshal(data, &raw); err != nil {
		return Keypair{}, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("keypair %s: expected %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	priv := make([]byte, ed25519.PrivateKeySize)
	for i, b := range raw {
		if b < 0 || b > 255 {
			return Keypair{}, fmt.Errorf("keypair %s: byte %d out of range", path, i)
		}
		priv[i] = byte(b)
	}
	return Keypair{PrivateKey: ed25519.PrivateKey(priv), Path: path}, nil
}

// Ensure returns the keypair at path, generating and persisting a fresh one
// only if the file does not exist. Re-running against an existing file is a
// no-op load, never a regeneration; the second call yields byte-identical
// credentials. The file is written with 0600 permissions and is never logged.
func Ensure(path string) (Keypair, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return Keypair{}, fmt.Errorf("stat keypair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Keypair{}, fmt.Errorf("create keypair dir: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}

	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return Keypair{}, fmt.Errorf("marshal keypair: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Keypair{}, fmt.Errorf("write keypair: %w", err)
	}
	return Keypair{PrivateKey: priv, Path: path}, nil
}
