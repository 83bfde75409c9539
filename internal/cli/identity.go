package cli

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/Chase-Garrett/courier/internal/envelope"
)

// Identity is the local key file: both private keys plus the last issued token.
type Identity struct {
	ID                   string `json:"id"`
	ServerURL            string `json:"server_url"`
	Token                string `json:"token,omitempty"`
	EncryptionPublicKey  string `json:"encryption_public_key"`
	EncryptionPrivateKey string `json:"encryption_private_key"`
	SigningPublicKey     string `json:"signing_public_key"`
	SigningPrivateKey    string `json:"signing_private_key"`
}

func NewIdentity(id, serverURL string, kp *envelope.KeyPair) *Identity {
	return &Identity{
		ID:                   id,
		ServerURL:            serverURL,
		EncryptionPublicKey:  envelope.EncodeKey(kp.EncryptionPublic[:]),
		EncryptionPrivateKey: envelope.EncodeKey(kp.EncryptionPrivate[:]),
		SigningPublicKey:     envelope.EncodeKey(kp.SigningPublic),
		SigningPrivateKey:    envelope.EncodeKey(kp.SigningPrivate),
	}
}

func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Errorf("no identity at %s; run 'courier register' first", path)
		}
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, errors.Wrapf(err, "parse identity %s", path)
	}
	return &id, nil
}

func SaveIdentity(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// KeyPair decodes the stored keys.
func (i *Identity) KeyPair() (*envelope.KeyPair, error) {
	encPub, err := envelope.DecodeEncryptionKey(i.EncryptionPublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "encryption public key")
	}
	encPriv, err := envelope.DecodeEncryptionKey(i.EncryptionPrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "encryption private key")
	}
	sigPub, err := envelope.DecodeSigningPublicKey(i.SigningPublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing public key")
	}
	sigPriv, err := envelope.DecodeSigningPrivateKey(i.SigningPrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing private key")
	}
	return &envelope.KeyPair{
		EncryptionPublic:  encPub,
		EncryptionPrivate: encPriv,
		SigningPublic:     sigPub,
		SigningPrivate:    sigPriv,
	}, nil
}
