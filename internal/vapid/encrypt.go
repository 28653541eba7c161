package vapid

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidSubscriberKey is returned by Encrypt when ua_public isn't a
// 65-byte 0x04-prefixed P-256 point or auth_secret isn't 16 bytes.
var ErrInvalidSubscriberKey = errors.New("vapid: invalid subscriber key")

const (
	// recordSize is the single-record length advertised in the RFC 8188
	// header; push services aren't required to support anything larger.
	recordSize = 4096

	// salt(16) + record size(4) + key id length(1) + key id(65)
	headerLen = 86

	// header + minimum 1-byte padding delimiter + AEAD_AES_128_GCM tag
	minOverhead = headerLen + 1 + 16
)

var (
	webPushInfo              = []byte("WebPush: info\x00")
	contentEncryptionKeyInfo = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo                = []byte("Content-Encoding: nonce\x00")
)

func hkdfExpand(length int, secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	_, err := io.ReadFull(r, out)
	return out, err
}

// Encrypt implements RFC 8291 aes128gcm message encryption: it derives a
// fresh ECDH shared secret against the subscriber's public key and auth
// secret, then produces a single RFC 8188 record containing the header,
// ciphertext and AEAD tag, ready to POST with Content-Encoding: aes128gcm.
//
// p256dh and auth are the subscription's base64-encoded keys. The aesgcm
// profile (pre-RFC-8291, distinguished encryption key/salt headers) is
// not implemented; this is the only encoder the send path calls.
func Encrypt(message []byte, p256dh, auth string) ([]byte, error) {
	if len(message) > recordSize-minOverhead {
		return nil, fmt.Errorf("vapid: message of %d bytes exceeds record capacity", len(message))
	}

	authSecret, err := b64Decode(auth)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid auth key: %v", ErrInvalidSubscriberKey, err)
	}
	if len(authSecret) != 16 {
		return nil, fmt.Errorf("%w: auth secret must be 16 bytes, got %d", ErrInvalidSubscriberKey, len(authSecret))
	}
	userAgentPublicKeyBytes, err := b64Decode(p256dh)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid p256dh key: %v", ErrInvalidSubscriberKey, err)
	}
	if len(userAgentPublicKeyBytes) != 65 || userAgentPublicKeyBytes[0] != 0x04 {
		return nil, fmt.Errorf("%w: p256dh must be 65 bytes with leading 0x04", ErrInvalidSubscriberKey)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	appServerPrivateKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	appServerPublicKeyBytes := appServerPrivateKey.PublicKey().Bytes()

	userAgentPublicKey, err := ecdh.P256().NewPublicKey(userAgentPublicKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: p256dh is not a P-256 point: %v", ErrInvalidSubscriberKey, err)
	}

	sharedSecret, err := appServerPrivateKey.ECDH(userAgentPublicKey)
	if err != nil {
		return nil, err
	}

	keyInfo := slices.Concat(webPushInfo, userAgentPublicKeyBytes, appServerPublicKeyBytes)
	ikm, err := hkdfExpand(32, sharedSecret, authSecret, keyInfo)
	if err != nil {
		return nil, err
	}

	contentEncryptionKey, err := hkdfExpand(16, ikm, salt, contentEncryptionKeyInfo)
	if err != nil {
		return nil, err
	}
	nonce, err := hkdfExpand(12, ikm, salt, nonceInfo)
	if err != nil {
		return nil, err
	}

	aesCipher, err := aes.NewCipher(contentEncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return nil, err
	}

	record := make([]byte, 0, minOverhead+len(message))
	record = append(record, salt...)
	record = binary.BigEndian.AppendUint32(record, uint32(recordSize))
	record = append(record, byte(len(appServerPublicKeyBytes)))
	record = append(record, appServerPublicKeyBytes...)
	record = append(record, message...)
	record = append(record, '\x02')

	gcm.Seal(
		record[headerLen:headerLen],
		nonce,
		record[headerLen:cap(record)-gcm.Overhead()],
		nil,
	)
	record = record[0:cap(record)]

	return record, nil
}
