package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair holds an identity's encryption (X25519) and signing (Ed25519) key pairs.
type KeyPair struct {
	EncryptionPublic  *[32]byte
	EncryptionPrivate *[32]byte
	SigningPublic     ed25519.PublicKey
	SigningPrivate    ed25519.PrivateKey
}

// PublicKeys are the halves of a KeyPair that may be shared with contacts.
type PublicKeys struct {
	Encryption *[32]byte
	Signing    ed25519.PublicKey
}

// GenerateKeyPair creates fresh encryption and signing key pairs.
func GenerateKeyPair() (*KeyPair, error) {
	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &KeyPair{
		EncryptionPublic:  encPub,
		EncryptionPrivate: encPriv,
		SigningPublic:     sigPub,
		SigningPrivate:    sigPriv,
	}, nil
}

// Public returns the shareable half of the key pair.
func (k *KeyPair) Public() PublicKeys {
	return PublicKeys{Encryption: k.EncryptionPublic, Signing: k.SigningPublic}
}

// Complete reports whether both public keys are present and well-sized.
func (p PublicKeys) Complete() bool {
	return p.Encryption != nil && len(p.Signing) == ed25519.PublicKeySize
}

// EncodeKey renders raw key bytes as standard base64.
func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeEncryptionKey parses a base64 X25519 key.
func DecodeEncryptionKey(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("decode encryption key: expected 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// DecodeSigningPublicKey parses a base64 Ed25519 public key.
func DecodeSigningPublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode signing key: expected %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSigningPrivateKey parses a base64 Ed25519 private key.
func DecodeSigningPrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signing private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode signing private key: expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// DecodePublicKeys parses a contact's published keys.
func DecodePublicKeys(encryption, signing string) (PublicKeys, error) {
	enc, err := DecodeEncryptionKey(encryption)
	if err != nil {
		return PublicKeys{}, err
	}
	sig, err := DecodeSigningPublicKey(signing)
	if err != nil {
		return PublicKeys{}, err
	}
	return PublicKeys{Encryption: enc, Signing: sig}, nil
}
