package cryptoprim

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"math/big"
)

// ErrUnsupportedKey is returned for a JWK that is not a P-256 EC key.
var ErrUnsupportedKey = errors.New("cryptoprim: unsupported or malformed JWK")

// JWK is the subset of RFC 7517 used by this service: a NIST P-256 EC key,
// public or private, as exchanged with the web-crypto front-ends.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

func b64urlEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func b64urlDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// fixedWidth left-pads b with zeroes to the given byte width, as P-256
// coordinates must always be exactly 32 bytes in JWK form.
func fixedWidth(b []byte, width int) []byte {
	if len(b) >= width {
		return b[len(b)-width:]
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}

// ECDSAPublicKeyToJWK converts a P-256 ECDSA public key to JWK form.
func ECDSAPublicKeyToJWK(pub *ecdsa.PublicKey) JWK {
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   b64urlEncode(fixedWidth(pub.X.Bytes(), 32)),
		Y:   b64urlEncode(fixedWidth(pub.Y.Bytes(), 32)),
	}
}

// ParseECDSAPublicKey parses a JWK into a P-256 ECDSA public key.
func ParseECDSAPublicKey(jwk JWK) (*ecdsa.PublicKey, error) {
	if jwk.Kty != "EC" || jwk.Crv != "P-256" {
		return nil, ErrUnsupportedKey
	}
	x, y, err := decodeCoords(jwk)
	if err != nil {
		return nil, err
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	if !pub.Curve.IsOnCurve(x, y) {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

func decodeCoords(jwk JWK) (x, y *big.Int, err error) {
	if jwk.X == "" || jwk.Y == "" {
		return nil, nil, ErrUnsupportedKey
	}
	xb, err := b64urlDecode(jwk.X)
	if err != nil {
		return nil, nil, ErrUnsupportedKey
	}
	yb, err := b64urlDecode(jwk.Y)
	if err != nil {
		return nil, nil, ErrUnsupportedKey
	}
	return new(big.Int).SetBytes(xb), new(big.Int).SetBytes(yb), nil
}

// ECDHPublicKeyToJWK converts a P-256 ECDH public key to JWK form.
func ECDHPublicKeyToJWK(pub *ecdh.PublicKey) (JWK, error) {
	raw := pub.Bytes() // uncompressed point: 0x04 || X || Y
	if len(raw) != 65 || raw[0] != 0x04 {
		return JWK{}, ErrUnsupportedKey
	}
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   b64urlEncode(raw[1:33]),
		Y:   b64urlEncode(raw[33:65]),
	}, nil
}

// ParseECDHPublicKey parses a JWK into a P-256 ECDH public key.
func ParseECDHPublicKey(jwk JWK) (*ecdh.PublicKey, error) {
	if jwk.Kty != "EC" || jwk.Crv != "P-256" {
		return nil, ErrUnsupportedKey
	}
	x, err := b64urlDecode(jwk.X)
	if err != nil || len(x) != 32 {
		return nil, ErrUnsupportedKey
	}
	y, err := b64urlDecode(jwk.Y)
	if err != nil || len(y) != 32 {
		return nil, ErrUnsupportedKey
	}
	raw := append([]byte{0x04}, append(x, y...)...)
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

// ECDHPrivateKeyToJWK converts a P-256 ECDH private key (with its public
// half) to JWK form, including the private "d" component.
func ECDHPrivateKeyToJWK(priv *ecdh.PrivateKey) (JWK, error) {
	pubJWK, err := ECDHPublicKeyToJWK(priv.PublicKey())
	if err != nil {
		return JWK{}, err
	}
	pubJWK.D = b64urlEncode(fixedWidth(priv.Bytes(), 32))
	return pubJWK, nil
}

// ParseECDHPrivateKey parses a JWK (with its "d" component) into a P-256
// ECDH private key.
func ParseECDHPrivateKey(jwk JWK) (*ecdh.PrivateKey, error) {
	if jwk.Kty != "EC" || jwk.Crv != "P-256" || jwk.D == "" {
		return nil, ErrUnsupportedKey
	}
	d, err := b64urlDecode(jwk.D)
	if err != nil || len(d) != 32 {
		return nil, ErrUnsupportedKey
	}
	priv, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, ErrUnsupportedKey
	}
	return priv, nil
}
