package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// Canonical returns the deterministic encoding of v: its JSON form decoded
// generically and re-encoded as msgpack with sorted map keys. Two values
// are the same state iff their canonical encodings are byte-equal.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalRaw(raw)
}

func canonicalRaw(raw []byte) ([]byte, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Fingerprint is the sha256 of the canonical encoding, hex encoded.
func Fingerprint(v interface{}) string {
	canon, err := Canonical(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// Equal compares two states structurally.
func Equal(a, b interface{}) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// CanonicalJSON re-encodes a JSON document with sorted object keys and
// numbers preserved verbatim.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	generic, err := decodeGeneric(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// SigningPayload is the byte string a call signature covers: the call
// arguments without their "signature" field, as canonical JSON.
func SigningPayload(args json.RawMessage) ([]byte, error) {
	generic, err := decodeGeneric(args)
	if err != nil {
		return nil, err
	}
	fields, ok := generic.(map[string]interface{})
	if !ok {
		return nil, common.Validationf("call arguments must be an object")
	}
	delete(fields, "signature")
	return json.Marshal(fields)
}

// SignArgs signs call arguments for submission, returning them with the
// "signature" field set. args must marshal to a JSON object.
func SignArgs(id common.IdentityProvider, args interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	payload, err := SigningPayload(raw)
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(payload)
	if err != nil {
		return nil, err
	}

	generic, _ := decodeGeneric(raw)
	fields := generic.(map[string]interface{})
	fields["signature"] = sig
	return json.Marshal(fields)
}

func decodeGeneric(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return generic, nil
}

// clone deep-copies a state through its JSON form.
func clone[S any](s S) (S, error) {
	var out S
	raw, err := json.Marshal(s)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
