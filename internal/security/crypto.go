// Package security holds the manager identity and the receipt builder.
// The manager signs every completion receipt with an Ed25519 key that is
// created on first start and kept under <home>/keys/.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ManagerKey is the orchestrating authority's Ed25519 identity.
type ManagerKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateManagerKey creates a fresh key.
func GenerateManagerKey() (*ManagerKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &ManagerKey{Public: pub, Private: priv}, nil
}

// LoadOrCreateManagerKey loads <home>/keys/manager.{pub,key}, generating
// and saving a new pair when neither file exists. A half-present or
// malformed pair is an error rather than silently replaced.
func LoadOrCreateManagerKey(home string) (*ManagerKey, error) {
	keyDir := filepath.Join(home, "keys")
	pubPath := filepath.Join(keyDir, "manager.pub")
	privPath := filepath.Join(keyDir, "manager.key")

	pubHex, pubErr := os.ReadFile(pubPath)
	privHex, privErr := os.ReadFile(privPath)

	switch {
	case pubErr == nil && privErr == nil:
		return decodeManagerKey(pubHex, privHex)
	case errors.Is(pubErr, os.ErrNotExist) && errors.Is(privErr, os.ErrNotExist):
		// first run
	case pubErr != nil && !errors.Is(pubErr, os.ErrNotExist):
		return nil, fmt.Errorf("read public key: %w", pubErr)
	case privErr != nil && !errors.Is(privErr, os.ErrNotExist):
		return nil, fmt.Errorf("read private key: %w", privErr)
	default:
		return nil, fmt.Errorf("incomplete manager key pair in %s", keyDir)
	}

	key, err := GenerateManagerKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(key.PublicKeyHex()), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(key.Private)), 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}

func decodeManagerKey(pubHex, privHex []byte) (*ManagerKey, error) {
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("manager key has wrong length (pub=%d priv=%d)", len(pub), len(priv))
	}
	return &ManagerKey{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}, nil
}

// PublicKeyHex returns the public key as hex.
func (k *ManagerKey) PublicKeyHex() string {
	return hex.EncodeToString(k.Public)
}

// Sign signs a message with the manager's private key.
func (k *ManagerKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify checks a signature against a public key.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, message, signature)
}
