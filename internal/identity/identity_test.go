package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

func TestChecksumAddress_EIP55Vectors(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, v := range vectors {
		assert.Equal(t, common.Address(v), ToChecksumAddress(v[2:]))
		assert.True(t, IsChecksumAddress(v))
	}
	assert.False(t, IsChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
	assert.False(t, IsChecksumAddress("0x1234"))
}

func TestKeyManager_SignVerify(t *testing.T) {
	alice, err := NewKeyManager()
	require.NoError(t, err)
	bob, err := NewKeyManager()
	require.NoError(t, err)

	assert.True(t, IsChecksumAddress(string(alice.Address())))
	assert.NotEqual(t, alice.Address(), bob.Address())

	msg := []byte(`{"amount":"0x19","from":"a","to":"b"}`)
	sig, err := alice.Sign(msg)
	require.NoError(t, err)
	assert.Len(t, sig, 2+130)

	assert.True(t, bob.Verify(sig, msg, alice.Address()))
	assert.False(t, bob.Verify(sig, msg, bob.Address()))
	assert.False(t, bob.Verify(sig, []byte("tampered"), alice.Address()))
	assert.False(t, bob.Verify("0x1234", msg, alice.Address()))

	// Deterministic (RFC 6979) nonces make repeated signatures identical.
	again, err := alice.Sign(msg)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	recovered, err := Recover(sig, msg)
	require.NoError(t, err)
	assert.Equal(t, alice.Address(), recovered)
}

func TestKeyManager_KnownKey(t *testing.T) {
	// Private key 0x...01 maps to the well-known generator-point address.
	k, err := FromPrivateKeyHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, common.Address("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"), k.Address())

	_, err = FromPrivateKeyHex("abcd")
	assert.Error(t, err)
	_, err = FromPrivateKeyHex("zz")
	assert.Error(t, err)
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Address(), second.Address())
}

func TestLoadIdentity_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, _, err := LoadOrCreate(path)
	assert.Error(t, err)
}
