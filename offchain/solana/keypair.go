package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrInvalidKeypairFile = errors.New("invalid keypair file")

// Keypair is an ed25519 signing key with its public half cached.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  Pubkey
}

func KeypairFromPrivateKey(priv ed25519.PrivateKey) (*Keypair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	pk, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pk) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 private key")
	}
	kp := &Keypair{priv: append(ed25519.PrivateKey(nil), priv...)}
	copy(kp.pub[:], pk)
	return kp, nil
}

// NewEphemeralKeypair generates a fresh in-memory keypair.
func NewEphemeralKeypair() (*Keypair, error) {
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return KeypairFromPrivateKey(sk)
}

func (k *Keypair) PublicKey() Pubkey { return k.pub }

// PrivateKey returns the signing key, or nil once the keypair has been dropped.
func (k *Keypair) PrivateKey() ed25519.PrivateKey { return k.priv }

// Drop zeroes the secret. Signing with a dropped keypair fails.
func (k *Keypair) Drop() {
	for i := range k.priv {
		k.priv[i] = 0
	}
	k.priv = nil
}

func (k *Keypair) Dropped() bool { return k.priv == nil }

func DefaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "solana", "id.json")
}

// LoadKeypair reads a keypair in the solana-keygen JSON format (64 integers).
func LoadKeypair(path string) (*Keypair, error) {
	if path == "" {
		return nil, fmt.Errorf("keypair path required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, ErrInvalidKeypairFile
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeypairFile
	}

	key := make([]byte, ed25519.PrivateKeySize)
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, ErrInvalidKeypairFile
		}
		key[i] = byte(v)
	}

	kp, err := KeypairFromPrivateKey(key)
	if err != nil {
		return nil, ErrInvalidKeypairFile
	}
	// The file's public half must match the seed.
	if string(key[32:]) != string(kp.pub[:]) {
		return nil, ErrInvalidKeypairFile
	}
	return kp, nil
}

// GenerateKeypairFile writes a new keypair to path with 0600 permissions.
// An existing file is only replaced when force is set.
func GenerateKeypairFile(path string, force bool) (Pubkey, error) {
	var pub Pubkey
	path = filepath.Clean(path)
	if path == "." || path == "" {
		return pub, errors.New("keypair path required")
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return pub, fmt.Errorf("keypair already exists: %s", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return pub, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pub, err
	}

	kp, err := NewEphemeralKeypair()
	if err != nil {
		return pub, err
	}
	defer kp.Drop()
	pub = kp.PublicKey()

	ints := make([]int, 0, ed25519.PrivateKeySize)
	for _, b := range kp.PrivateKey() {
		ints = append(ints, int(b))
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return pub, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-solana-keypair-*.json")
	if err != nil {
		return pub, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return pub, err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return pub, err
	}
	if err := tmp.Close(); err != nil {
		return pub, err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return pub, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return pub, err
	}
	return pub, nil
}
