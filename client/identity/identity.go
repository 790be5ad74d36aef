// Package identity mints the per-process Ed25519 key pair a TRAILS client
// presents at registration (spec §4.4): a fresh key pair every time a
// process starts, never persisted or reused across restarts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/trailsd/trails/internal/wire"
)

// KeyPair holds a freshly generated identity. The private key never leaves
// the background worker that owns it.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate mints a new Ed25519 key pair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: generate key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// WireString renders the public key in the "ed25519:<base64>" wire form.
func (k KeyPair) WireString() string {
	return wire.EncodePublicKey(k.Public)
}
