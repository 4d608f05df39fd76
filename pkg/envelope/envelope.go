// Package envelope implements the encrypted wire codec: given an Envelope
// and the bank's ECDH private key, it recovers the plaintext the sender
// encrypted. Key unwrap and payload decrypt follow the ECDH ->
// HKDF-SHA256 -> AES-256-GCM sequence the web-crypto front-ends produce,
// as a one-shot wrapped-key envelope rather than a persistent
// bidirectional session.
package envelope

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/certen/bank-settlement-core/pkg/cryptoprim"
)

// ErrMalformed is returned when the envelope is missing required fields or
// contains invalid base64.
var ErrMalformed = errors.New("envelope: malformed")

// hkdfInfo is the fixed HKDF info string for wrapping-key derivation.
var hkdfInfo = []byte("aes-key-wrapping")

const (
	wrapIVSize    = 12
	wrappedKeyLen = 32 // inner AES key material
)

// Envelope is the encrypted wire form of a transaction or a ledger.
type Envelope struct {
	EncryptedPayload    string          `json:"encrypted_payload"`
	EncryptedAESKey     string          `json:"encrypted_aes_key"`
	IV                  string          `json:"iv"`
	SenderPublicKey     *cryptoprim.JWK `json:"sender_public_key,omitempty"`
	SenderECDHPublicKey *cryptoprim.JWK `json:"sender_ecdh_public_key,omitempty"`
	ReceiverPublicKey   *cryptoprim.JWK `json:"receiver_public_key,omitempty"`
}

// IsEnvelope reports whether a raw JSON submission body is an Envelope, by
// the presence of the encrypted_payload field. The sniff happens once,
// here, rather than as a conditional inside a handler.
func IsEnvelope(body json.RawMessage) bool {
	var probe struct {
		EncryptedPayload *string `json:"encrypted_payload"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.EncryptedPayload != nil
}

// ecdhPeer returns whichever of sender_ecdh_public_key / receiver_public_key
// is present - the field that carries the ephemeral ECDH peer key.
func (e *Envelope) ecdhPeer() (*cryptoprim.JWK, error) {
	if e.SenderECDHPublicKey != nil {
		return e.SenderECDHPublicKey, nil
	}
	if e.ReceiverPublicKey != nil {
		return e.ReceiverPublicKey, nil
	}
	return nil, ErrMalformed
}

// Unwrap decrypts env with the bank's private key: it unwraps the inner
// AES key through ECDH, HKDF, and AES-GCM, then opens the payload under
// the inner key and returns the plaintext bytes.
func Unwrap(env *Envelope, bankPriv *ecdh.PrivateKey) ([]byte, error) {
	if env.EncryptedPayload == "" || env.EncryptedAESKey == "" || env.IV == "" {
		return nil, ErrMalformed
	}

	peerJWK, err := env.ecdhPeer()
	if err != nil {
		return nil, err
	}
	peerPub, err := cryptoprim.ParseECDHPublicKey(*peerJWK)
	if err != nil {
		return nil, ErrMalformed
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(env.EncryptedAESKey)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(wrappedKey) <= wrapIVSize {
		return nil, ErrMalformed
	}
	wrapIV := wrappedKey[:wrapIVSize]
	wrapCiphertext := wrappedKey[wrapIVSize:]

	payloadIV, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, ErrMalformed
	}
	payloadCiphertext, err := base64.StdEncoding.DecodeString(env.EncryptedPayload)
	if err != nil {
		return nil, ErrMalformed
	}

	sharedSecret, err := cryptoprim.ECDHDeriveBits(bankPriv, peerPub)
	if err != nil {
		return nil, cryptoprim.ErrDecryptFailed
	}

	wrapKey, err := cryptoprim.HKDFSHA256(sharedSecret, nil, hkdfInfo, wrappedKeyLen)
	if err != nil {
		return nil, cryptoprim.ErrDecryptFailed
	}

	innerKey, err := cryptoprim.AESGCMDecrypt(wrapKey, wrapIV, wrapCiphertext)
	if err != nil {
		return nil, cryptoprim.ErrDecryptFailed
	}
	if len(innerKey) != wrappedKeyLen {
		return nil, cryptoprim.ErrDecryptFailed
	}

	plaintext, err := cryptoprim.AESGCMDecrypt(innerKey, payloadIV, payloadCiphertext)
	if err != nil {
		return nil, cryptoprim.ErrDecryptFailed
	}

	return plaintext, nil
}
