package vapid

import (
	"crypto/ecdsa"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthHeader builds the Authorization header value for a Web Push request:
// a VAPID JWT (ES256, audience = push service origin) plus the sender's
// uncompressed public key, per RFC 8292 section 3.
//
// golang-jwt's ES256 signer already emits the fixed-width raw R‖S
// signature RFC 8292 requires, zero-padded to the curve's byte size, so
// no DER-to-raw conversion is needed here.
func AuthHeader(endpoint, subject string, priv *ecdsa.PrivateKey, expiresAt time.Time) (string, error) {
	sub, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("vapid: invalid endpoint: %w", err)
	}
	if sub.Scheme == "" || sub.Host == "" {
		return "", fmt.Errorf("vapid: invalid endpoint: %q", endpoint)
	}
	claimSubject, err := normalizeSubject(subject)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": sub.Scheme + "://" + sub.Host,
		"exp": expiresAt.Unix(),
		"sub": claimSubject,
	})

	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("vapid: sign jwt: %w", err)
	}

	pubBytes, err := priv.PublicKey.Bytes()
	if err != nil {
		return "", fmt.Errorf("vapid: marshal public key: %w", err)
	}

	return "vapid t=" + signed + ", k=" + b64Encode(pubBytes), nil
}

// normalizeSubject accepts a mailto: URI verbatim, or an absolute https:
// URL from which it synthesizes mailto:noreply@<host>, the contact
// address a push service falls back to for the RFC 8292 sub claim.
func normalizeSubject(subject string) (string, error) {
	if strings.HasPrefix(subject, "mailto:") {
		return subject, nil
	}
	if strings.HasPrefix(subject, "https:") {
		u, err := url.Parse(subject)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("vapid: invalid subject: %q", subject)
		}
		return "mailto:noreply@" + u.Hostname(), nil
	}
	return "", fmt.Errorf("vapid: invalid subject: %q", subject)
}
