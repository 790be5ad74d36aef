package wire

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

const keyPrefix = "ed25519:"

// EncodePublicKey renders an Ed25519 public key in the wire's
// "ed25519:<standard-base64-32-bytes>" form (spec §6.3). Both client and
// server always go through this function, so two valid encodings of the
// same key can never differ — canonicalization for comparison (spec §9
// open question 5) is achieved by construction rather than by a
// comparison-time normalization step.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return keyPrefix + base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the "ed25519:<base64>" wire format back into raw
// key bytes.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, keyPrefix)
	if !ok {
		return nil, fmt.Errorf("wire: public key missing %q prefix", keyPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("wire: public key wrong length: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
