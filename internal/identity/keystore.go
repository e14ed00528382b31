package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// PersistentIdentity is the on-disk form of a key.
type PersistentIdentity struct {
	PrivateKey string         `json:"private_key"`
	Address    common.Address `json:"address"`
}

// SaveIdentity writes the key to path with owner-only permissions.
func SaveIdentity(path string, k *KeyManager) error {
	data, err := json.MarshalIndent(PersistentIdentity{
		PrivateKey: k.PrivateKeyHex(),
		Address:    k.Address(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadIdentity reads a key previously written by SaveIdentity.
func LoadIdentity(path string) (*KeyManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity file %s: %w", path, err)
	}
	k, err := FromPrivateKeyHex(id.PrivateKey)
	if err != nil {
		return nil, err
	}
	if id.Address != "" && id.Address != k.Address() {
		return nil, fmt.Errorf("identity file %s: address %s does not match key", path, id.Address)
	}
	return k, nil
}

// LoadOrCreate loads the identity at path, generating and saving a new one
// when the file does not exist.
func LoadOrCreate(path string) (*KeyManager, bool, error) {
	k, err := LoadIdentity(path)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	k, err = NewKeyManager()
	if err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(path, k); err != nil {
		return nil, false, fmt.Errorf("failed to save identity: %w", err)
	}
	return k, true, nil
}
