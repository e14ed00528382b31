package transport

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

func TestFrame_SmallIsText(t *testing.T) {
	env := common.Envelope{Message: json.RawMessage(`["ping"]`), Signature: "0xabc"}
	data, binary, err := encodeFrame(env, 1024)
	require.NoError(t, err)
	assert.False(t, binary)

	got, err := decodeFrame(data, true)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestFrame_LargeIsCompressed(t *testing.T) {
	state := `{"balances":{"0x01":"` + strings.Repeat("ab", 4000) + `"}}`
	env := common.Envelope{
		Message:   json.RawMessage(`["ORC20_COIN","state",` + state + `]`),
		Signature: "0xabc",
	}
	data, binary, err := encodeFrame(env, 256)
	require.NoError(t, err)
	assert.True(t, binary)
	assert.Less(t, len(data), len(env.Message))

	got, err := decodeFrame(data, false)
	require.NoError(t, err)
	assert.JSONEq(t, string(env.Message), string(got.Message))
	assert.Equal(t, env.Signature, got.Signature)
}

func TestFrame_Malformed(t *testing.T) {
	cases := map[string]struct {
		data     []byte
		isString bool
	}{
		"not json":          {[]byte("hello"), true},
		"missing signature": {[]byte(`{"message":["ping"]}`), true},
		"missing message":   {[]byte(`{"signature":"0x1"}`), true},
		"bad brotli":        {[]byte{0xff, 0x00, 0x13}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeFrame(tc.data, tc.isString)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrMalformedMessage))
		})
	}
}
