// Package keys manages the ed25519 identity of a node.
// Keys are stored base64 encoded: 64-byte private keys and 32-byte public keys.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// KeyManager handles cryptographic key operations
type KeyManager struct{}

// NewKeyManager creates a new KeyManager instance
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// GeneratePrivateKey generates a new Ed25519 private key and returns it as base64
func (km *KeyManager) GeneratePrivateKey() (string, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return "", fmt.Errorf("failed to encode Ed25519 key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ValidatePrivateKey validates that a private key string is valid base64 and correct length.
// An empty key is valid; the config manager generates one.
func (km *KeyManager) ValidatePrivateKey(privateKeyBase64 string) error {
	if privateKeyBase64 == "" {
		return nil
	}
	_, err := decodeFixed(privateKeyBase64, ed25519.PrivateKeySize, "private key")
	return err
}

// ValidatePublicKey validates a base64 public key.
func (km *KeyManager) ValidatePublicKey(publicKeyBase64 string) error {
	_, err := km.DecodePublicKey(publicKeyBase64)
	return err
}

// GetPublicKey derives the public key from a private key
func (km *KeyManager) GetPublicKey(privateKeyBase64 string) (string, error) {
	priv, err := km.DecodePrivateKey(privateKeyBase64)
	if err != nil {
		return "", err
	}
	raw, err := priv.GetPublic().Raw()
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePrivateKey converts a base64 private key into a libp2p key.
func (km *KeyManager) DecodePrivateKey(privateKeyBase64 string) (crypto.PrivKey, error) {
	if privateKeyBase64 == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}
	raw, err := decodeFixed(privateKeyBase64, ed25519.PrivateKeySize, "private key")
	if err != nil {
		return nil, err
	}
	priv, err := crypto.UnmarshalEd25519PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal Ed25519 private key: %w", err)
	}
	return priv, nil
}

// DecodePublicKey converts a base64 public key into a libp2p key.
func (km *KeyManager) DecodePublicKey(publicKeyBase64 string) (crypto.PubKey, error) {
	raw, err := decodeFixed(publicKeyBase64, ed25519.PublicKeySize, "public key")
	if err != nil {
		return nil, err
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal Ed25519 public key: %w", err)
	}
	return pub, nil
}

// PeerID returns the libp2p peer id of a base64 public key.
func (km *KeyManager) PeerID(publicKeyBase64 string) (peer.ID, error) {
	pub, err := km.DecodePublicKey(publicKeyBase64)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

func decodeFixed(s string, size int, what string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s must be valid base64: %w", what, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", what, size, len(raw))
	}
	return raw, nil
}
