package vapid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
)

// KeyPair holds a website's VAPID credentials in the base64url-encoded
// form persisted on the websites row.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// GenerateKeyPair creates a new P-256 VAPID key pair in the form stored on
// a websites row. Nothing in the send path calls it: a website without
// keys of its own sends with the engine's configured default keys.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vapid: generate key: %w", err)
	}
	privBytes, err := priv.Bytes()
	if err != nil {
		return nil, fmt.Errorf("vapid: marshal private key: %w", err)
	}
	pubBytes, err := priv.PublicKey.Bytes()
	if err != nil {
		return nil, fmt.Errorf("vapid: marshal public key: %w", err)
	}
	return &KeyPair{
		PublicKey:  b64Encode(pubBytes),
		PrivateKey: b64Encode(privBytes),
	}, nil
}

// ValidatePublicKey checks that encoded decodes to a 65-byte uncompressed
// P-256 point (0x04 prefix) whose base64url length falls in [85,90], the
// range a correctly encoded VAPID public key occupies. The engine must
// reject any key failing this check rather than pass it on to a push
// service or the RFC 8291 encryptor.
func ValidatePublicKey(encoded string) error {
	if l := len(encoded); l < 85 || l > 90 {
		return fmt.Errorf("vapid: public key length %d outside [85,90]", l)
	}
	raw, err := b64Decode(encoded)
	if err != nil {
		return fmt.Errorf("vapid: decode public key: %w", err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return fmt.Errorf("vapid: public key must be 65 bytes with leading 0x04")
	}
	return nil
}

// ParsePrivateKey decodes a persisted base64url VAPID private key back
// into an ecdsa.PrivateKey, so keys can be re-read fresh on every send
// rather than cached in memory.
func ParsePrivateKey(encoded string) (*ecdsa.PrivateKey, error) {
	raw, err := b64Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("vapid: decode private key: %w", err)
	}
	key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("vapid: parse private key: %w", err)
	}
	return key, nil
}
