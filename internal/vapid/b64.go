// Package vapid implements VAPID key management, JWT signing and the
// RFC 8291 message encryption used for Web Push delivery.
//
// Voluntary Application Server Identification (VAPID) for Web Push
// https://www.rfc-editor.org/rfc/rfc8292
//
// Message Encryption for Web Push
// https://www.rfc-editor.org/rfc/rfc8291.html
package vapid

import (
	"encoding/base64"
	"strings"
)

// b64Encoding sniffs which of the four base64 variants a string was
// encoded with. Browser push subscriptions arrive in unpadded URL-safe
// form, but we stay permissive since not every client agrees.
func b64Encoding(s string) *base64.Encoding {
	hasPadding := len(s) > 0 && s[len(s)-1] == '='
	isURL := false

outer:
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '-', '_':
			isURL = true
			break outer
		case '+', '/':
			break outer
		}
	}

	switch {
	case isURL && hasPadding:
		return base64.URLEncoding
	case isURL && !hasPadding:
		return base64.RawURLEncoding
	case !isURL && hasPadding:
		return base64.StdEncoding
	default:
		return base64.RawStdEncoding
	}
}

// b64Decode tolerates surrounding/embedded whitespace (stripped before
// decoding), per the tolerant-input clause of the encoding contract.
func b64Decode(s string) ([]byte, error) {
	s = stripWhitespace(s)
	return b64Encoding(s).DecodeString(s)
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

func b64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
