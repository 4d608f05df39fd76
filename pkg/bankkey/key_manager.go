// Package bankkey maintains the bank's long-lived ECDH-P256 keypair used to
// unwrap envelopes addressed to it. The keypair is loaded from disk if
// present, otherwise generated and persisted; both halves are stored in
// JWK form.
package bankkey

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/certen/bank-settlement-core/pkg/cryptoprim"
)

// KeyManager owns the bank's ECDH-P256 keypair for the process lifetime.
// It is initialized once at startup and is read-only thereafter; no
// locking is required after LoadOrGenerate returns.
type KeyManager struct {
	keyPath string
	priv    *ecdh.PrivateKey
}

// New creates a KeyManager backed by the given on-disk JSON file path.
func New(keyPath string) *KeyManager {
	return &KeyManager{keyPath: keyPath}
}

// onDiskKey is the JSON shape persisted to keyPath: both halves of the
// keypair in JWK form.
type onDiskKey struct {
	Private cryptoprim.JWK `json:"private_jwk"`
}

// LoadOrGenerate loads the existing keypair from disk, or generates and
// persists a new one if the file does not yet exist.
func (km *KeyManager) LoadOrGenerate() error {
	if km.keyPath != "" {
		if _, err := os.Stat(km.keyPath); err == nil {
			return km.load()
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("bankkey: stat key file: %w", err)
		}
	}
	return km.generateAndSave()
}

func (km *KeyManager) load() error {
	data, err := os.ReadFile(km.keyPath)
	if err != nil {
		return fmt.Errorf("bankkey: read key file: %w", err)
	}
	var onDisk onDiskKey
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return fmt.Errorf("bankkey: parse key file: %w", err)
	}
	priv, err := cryptoprim.ParseECDHPrivateKey(onDisk.Private)
	if err != nil {
		return fmt.Errorf("bankkey: parse private key: %w", err)
	}
	km.priv = priv
	return nil
}

func (km *KeyManager) generateAndSave() error {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("bankkey: generate key: %w", err)
	}
	km.priv = priv

	if km.keyPath == "" {
		return nil
	}
	return km.save()
}

func (km *KeyManager) save() error {
	privJWK, err := cryptoprim.ECDHPrivateKeyToJWK(km.priv)
	if err != nil {
		return fmt.Errorf("bankkey: marshal private key: %w", err)
	}

	dir := filepath.Dir(km.keyPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("bankkey: create key directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(onDiskKey{Private: privJWK}, "", "  ")
	if err != nil {
		return fmt.Errorf("bankkey: encode key file: %w", err)
	}
	if err := os.WriteFile(km.keyPath, data, 0o600); err != nil {
		return fmt.Errorf("bankkey: write key file: %w", err)
	}
	return nil
}

// PrivateKey returns the bank's ECDH private key, for envelope unwrap.
func (km *KeyManager) PrivateKey() *ecdh.PrivateKey {
	return km.priv
}

// PublicJWK returns the bank's ECDH public key in JWK form.
func (km *KeyManager) PublicJWK() (cryptoprim.JWK, error) {
	return cryptoprim.ECDHPublicKeyToJWK(km.priv.PublicKey())
}
