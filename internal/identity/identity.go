// Package identity is the node's Identity Provider: it owns the secp256k1 key,
// derives the EIP-55 checksummed address and produces EIP-191 personal-message
// signatures compatible with Ethereum wallets.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// KeyManager holds one private key. It is read-only after construction and
// safe for concurrent use.
type KeyManager struct {
	key     *secp256k1.PrivateKey
	address common.Address
}

var _ common.IdentityProvider = (*KeyManager)(nil)

// NewKeyManager generates a fresh random identity.
func NewKeyManager() (*KeyManager, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return fromKey(key), nil
}

// FromPrivateKeyHex restores an identity from a 32-byte hex private key.
func FromPrivateKeyHex(s string) (*KeyManager, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	return fromKey(secp256k1.PrivKeyFromBytes(raw)), nil
}

func fromKey(key *secp256k1.PrivateKey) *KeyManager {
	return &KeyManager{key: key, address: PubKeyToAddress(key.PubKey())}
}

// Address returns the checksummed address of this identity.
func (k *KeyManager) Address() common.Address {
	return k.address
}

// PrivateKeyHex exports the key for persistence.
func (k *KeyManager) PrivateKeyHex() string {
	return hex.EncodeToString(k.key.Serialize())
}

// Sign returns a 65-byte r||s||v personal-message signature as 0x hex.
func (k *KeyManager) Sign(message []byte) (string, error) {
	compact := ecdsa.SignCompact(k.key, personalHash(message), false)
	// compact is v||r||s; wallets expect r||s||v
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid personal-message signature of
// message by signer.
func (k *KeyManager) Verify(signature string, message []byte, signer common.Address) bool {
	recovered, err := Recover(signature, message)
	if err != nil {
		return false
	}
	return strings.EqualFold(string(recovered), string(signer))
}

// Recover returns the address that produced signature over message.
func Recover(signature string, message []byte) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return "", errors.New("signature must be 65 bytes")
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, personalHash(message))
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return PubKeyToAddress(pub), nil
}

// PubKeyToAddress derives the checksummed address of a public key.
func PubKeyToAddress(pub *secp256k1.PublicKey) common.Address {
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	return ToChecksumAddress(hex.EncodeToString(digest[12:]))
}

// ToChecksumAddress applies EIP-55 mixed-case checksumming to a hex address.
func ToChecksumAddress(addr string) common.Address {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	digest := hex.EncodeToString(Keccak256([]byte(lower)))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return common.Address("0x" + string(out))
}

// IsChecksumAddress reports whether addr is a well-formed EIP-55 address.
func IsChecksumAddress(addr string) bool {
	if len(addr) != 42 || !common.IsHexAddress(addr) {
		return false
	}
	return string(ToChecksumAddress(addr)) == addr
}

// Keccak256 is the legacy (pre-NIST) keccak used by Ethereum.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func personalHash(message []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))
	return Keccak256([]byte(prefix), message)
}
