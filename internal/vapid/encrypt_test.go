package vapid

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"slices"
	"testing"
)

// decryptForTest mirrors the user-agent side of RFC 8291, used only to
// confirm the record Encrypt produces actually decrypts back to the
// original plaintext with the subscriber's own private key.
func decryptForTest(t *testing.T, record []byte, uaPriv *ecdh.PrivateKey, authSecret []byte) []byte {
	t.Helper()
	if len(record) < headerLen {
		t.Fatalf("record too short: %d bytes", len(record))
	}
	salt := record[0:16]
	rs := binary.BigEndian.Uint32(record[16:20])
	idLen := int(record[20])
	keyID := record[21 : 21+idLen]
	ciphertext := record[21+idLen:]
	_ = rs

	appServerPublicKey, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		t.Fatalf("parse app server public key: %v", err)
	}
	sharedSecret, err := uaPriv.ECDH(appServerPublicKey)
	if err != nil {
		t.Fatalf("ecdh: %v", err)
	}

	uaPub := uaPriv.PublicKey().Bytes()
	keyInfo := slices.Concat(webPushInfo, uaPub, keyID)
	ikm, err := hkdfExpand(32, sharedSecret, authSecret, keyInfo)
	if err != nil {
		t.Fatalf("derive ikm: %v", err)
	}
	cek, err := hkdfExpand(16, ikm, salt, contentEncryptionKeyInfo)
	if err != nil {
		t.Fatalf("derive cek: %v", err)
	}
	nonce, err := hkdfExpand(12, ikm, salt, nonceInfo)
	if err != nil {
		t.Fatalf("derive nonce: %v", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("cipher.NewGCM: %v", err)
	}
	plainPadded, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("gcm.Open: %v", err)
	}

	// Strip the single 0x02 padding delimiter RFC 8188 requires at the end.
	idx := bytes.LastIndexByte(plainPadded, 0x02)
	if idx < 0 {
		t.Fatalf("missing padding delimiter")
	}
	return plainPadded[:idx]
}

func TestEncryptRoundTrip(t *testing.T) {
	uaPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate subscriber key: %v", err)
	}
	uaPubBytes := uaPriv.PublicKey().Bytes()

	authSecret := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, authSecret); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}

	p256dh := b64Encode(uaPubBytes)
	auth := b64Encode(authSecret)

	message := []byte(`{"title":"hello","body":"world"}`)
	record, err := Encrypt(message, p256dh, auth)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got := decryptForTest(t, record, uaPriv, authSecret)
	if !bytes.Equal(got, message) {
		t.Fatalf("decrypted payload mismatch: got %q want %q", got, message)
	}
}

func TestEncryptRejectsOversizedMessage(t *testing.T) {
	uaPriv, _ := ecdh.P256().GenerateKey(rand.Reader)
	authSecret := make([]byte, 16)
	io.ReadFull(rand.Reader, authSecret)

	big := make([]byte, recordSize)
	_, err := Encrypt(big, b64Encode(uaPriv.PublicKey().Bytes()), b64Encode(authSecret))
	if err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestEncryptRejectsInvalidKeys(t *testing.T) {
	if _, err := Encrypt([]byte("hi"), "not-base64!!", "also-not-base64!!"); err == nil {
		t.Fatal("expected error for invalid p256dh/auth keys")
	}
}

func TestEncryptRejectsWrongLengthAuthSecret(t *testing.T) {
	uaPriv, _ := ecdh.P256().GenerateKey(rand.Reader)
	shortAuth := make([]byte, 8)
	io.ReadFull(rand.Reader, shortAuth)

	_, err := Encrypt([]byte("hi"), b64Encode(uaPriv.PublicKey().Bytes()), b64Encode(shortAuth))
	if err == nil {
		t.Fatal("expected error for 8-byte auth secret")
	}
	if !errors.Is(err, ErrInvalidSubscriberKey) {
		t.Fatalf("expected ErrInvalidSubscriberKey, got %v", err)
	}
}

func TestEncryptRejectsWrongLengthPublicKey(t *testing.T) {
	authSecret := make([]byte, 16)
	io.ReadFull(rand.Reader, authSecret)

	_, err := Encrypt([]byte("hi"), b64Encode([]byte{0x04, 0x01, 0x02}), b64Encode(authSecret))
	if err == nil {
		t.Fatal("expected error for truncated p256dh key")
	}
	if !errors.Is(err, ErrInvalidSubscriberKey) {
		t.Fatalf("expected ErrInvalidSubscriberKey, got %v", err)
	}
}
