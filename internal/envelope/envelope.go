// Package envelope builds and opens the signed, dual-encrypted payloads exchanged between contacts.
//
// A plaintext is serialized once, signed once with the author's Ed25519 key, and sealed twice with
// anonymous NaCl boxes: once to the author's own X25519 key and once to the counterpart's. Either copy
// decrypts to the exact bytes the signature covers.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Chase-Garrett/courier/internal/protocol"
	"golang.org/x/crypto/nacl/box"
)

// Overhead is the number of bytes a sealed box adds to its plaintext.
const Overhead = box.AnonymousOverhead

// ErrUnreadable is returned for any ciphertext that cannot be decrypted and verified.
// The cause is attached for local logging only.
var ErrUnreadable = errors.New("envelope: unreadable message")

// Sealed is the output of Build, ready to be placed into a protocol.Envelope.
type Sealed struct {
	EncryptedForSelf    string
	EncryptedForContact string
	Signature           string
}

// Build serializes plaintext, signs it with the author's signing key, and seals it for both parties.
func Build(signing ed25519.PrivateKey, selfEncryption, contactEncryption *[32]byte, plaintext any) (*Sealed, error) {
	if len(signing) != ed25519.PrivateKeySize {
		return nil, errors.New("envelope: invalid signing key")
	}
	if selfEncryption == nil || contactEncryption == nil {
		return nil, errors.New("envelope: missing encryption key")
	}

	msg, err := json.Marshal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("serialize plaintext: %w", err)
	}

	sig := ed25519.Sign(signing, msg)

	forSelf, err := box.SealAnonymous(nil, msg, selfEncryption, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal for self: %w", err)
	}
	forContact, err := box.SealAnonymous(nil, msg, contactEncryption, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal for contact: %w", err)
	}

	return &Sealed{
		EncryptedForSelf:    base64.StdEncoding.EncodeToString(forSelf),
		EncryptedForContact: base64.StdEncoding.EncodeToString(forContact),
		Signature:           base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Seal builds an envelope for payload addressed from self to contact.
func Seal(self *KeyPair, contact PublicKeys, payload protocol.Payload) (*Sealed, error) {
	if self == nil {
		return nil, errors.New("envelope: missing key pair")
	}
	return Build(self.SigningPrivate, self.EncryptionPublic, contact.Encryption, payload)
}

// SigningKeyFor picks the key the signature must verify against: our own when we authored the
// copy, the counterpart's otherwise.
func SigningKeyFor(dir protocol.Direction, self *KeyPair, counterpart ed25519.PublicKey) ed25519.PublicKey {
	if dir == protocol.DirectionUser {
		if self == nil {
			return nil
		}
		return self.SigningPublic
	}
	return counterpart
}

// Open decrypts the ciphertext addressed to self and verifies the author's signature over it.
// Any failure yields ErrUnreadable; partially verified content is never returned.
func Open(dir protocol.Direction, self *KeyPair, counterpartSigning ed25519.PublicKey, ciphertext, signature string) ([]byte, error) {
	if self == nil || self.EncryptionPublic == nil || self.EncryptionPrivate == nil {
		return nil, fmt.Errorf("%w: no decryption key", ErrUnreadable)
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrUnreadable)
	}
	msg, ok := box.OpenAnonymous(nil, sealed, self.EncryptionPublic, self.EncryptionPrivate)
	if !ok {
		return nil, fmt.Errorf("%w: decryption failed", ErrUnreadable)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: malformed signature", ErrUnreadable)
	}
	verifyKey := SigningKeyFor(dir, self, counterpartSigning)
	if len(verifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: no verification key", ErrUnreadable)
	}
	if !ed25519.Verify(verifyKey, msg, sig) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrUnreadable)
	}
	return msg, nil
}

// OpenPayload is Open followed by decoding the plaintext as a protocol.Payload.
func OpenPayload(dir protocol.Direction, self *KeyPair, counterpartSigning ed25519.PublicKey, ciphertext, signature string) (protocol.Payload, error) {
	msg, err := Open(dir, self, counterpartSigning, ciphertext, signature)
	if err != nil {
		return protocol.Payload{}, err
	}
	var p protocol.Payload
	if err := json.Unmarshal(msg, &p); err != nil {
		return protocol.Payload{}, fmt.Errorf("%w: malformed plaintext", ErrUnreadable)
	}
	return p, nil
}
