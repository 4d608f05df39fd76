// Package cryptoprim wraps the handful of primitives the settlement core
// needs: SHA-256, raw (IEEE P1363) ECDSA-P256 verification, ECDH-P256
// derivation, HKDF-SHA256, and AES-256-GCM. Public keys arrive and leave as
// JWKs; jwk.go converts between JWKs and the crypto/ecdsa and crypto/ecdh
// key types that the primitives in this file take.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// ErrSignatureInvalid is returned when an ECDSA signature fails to verify.
// It is distinct from ErrDecryptFailed so callers can tell the two failure
// modes apart.
var ErrSignatureInvalid = errors.New("cryptoprim: signature invalid")

// ErrDecryptFailed is returned when AES-GCM authentication fails. A single
// error kind covers both a wrong key and a corrupted/tampered ciphertext;
// distinguishing the two is not useful to a caller.
var ErrDecryptFailed = errors.New("cryptoprim: decryption failed")

const (
	aesKeySize = 32 // AES-256
	gcmIVSize  = 12
	gcmTagSize = 16
)

// SHA256 returns the 32-byte SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyP1363Signature verifies sig (the 64-byte big-endian r||s
// concatenation used by web-crypto clients) over digest under pub. DER
// signatures are rejected by construction: a 64-byte P1363 signature and a
// DER-encoded one are never mutually parseable here.
func VerifyP1363Signature(pub *ecdsa.PublicKey, digest, sig []byte) error {
	if len(sig) != 64 {
		return ErrSignatureInvalid
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest, r, s) {
		return ErrSignatureInvalid
	}
	return nil
}

// ECDHDeriveBits performs ECDH between priv and peerPub and returns the
// 32-byte raw shared secret (the X coordinate of the shared point, per
// crypto/ecdh's definition for NIST curves).
func ECDHDeriveBits(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// HKDFSHA256 derives length bytes from ikm using HKDF-SHA256 with the given
// salt and info, per RFC 5869.
func HKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AESGCMEncrypt seals plaintext under key with a 12-byte iv, returning
// ciphertext-with-appended-16-byte-tag.
func AESGCMEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcmIVSize {
		return nil, ErrDecryptFailed
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// AESGCMDecrypt opens ciphertextWithTag (ciphertext with the 16-byte tag
// appended) under key and the 12-byte iv. Any authentication failure -
// wrong key or tampered ciphertext - surfaces as ErrDecryptFailed.
func AESGCMDecrypt(key, iv, ciphertextWithTag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcmIVSize || len(ciphertextWithTag) < gcmTagSize {
		return nil, ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, iv, ciphertextWithTag, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aesKeySize {
		return nil, ErrDecryptFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return aead, nil
}
