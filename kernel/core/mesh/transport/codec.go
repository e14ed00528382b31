package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/nmxmxh/openstar/kernel/core/mesh/common"
)

// maxFrameSize bounds a decompressed frame.
const maxFrameSize = 16 << 20

// encodeFrame serializes an envelope. Frames over threshold bytes are brotli
// compressed and must be sent as binary; the rest go out as text.
func encodeFrame(env common.Envelope, threshold int) ([]byte, bool, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, false, err
	}
	if threshold <= 0 || len(data) <= threshold {
		return data, false, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func decodeFrame(data []byte, isString bool) (common.Envelope, error) {
	var env common.Envelope

	if !isString {
		r := io.LimitReader(brotli.NewReader(bytes.NewReader(data)), maxFrameSize+1)
		plain, err := io.ReadAll(r)
		if err != nil {
			return env, common.WrapProtocolError(common.ErrCodeMalformedMessage, "failed to decompress frame", err)
		}
		if len(plain) > maxFrameSize {
			return env, common.NewProtocolError(common.ErrCodeMalformedMessage, "frame too large")
		}
		data = plain
	}

	if err := json.Unmarshal(data, &env); err != nil {
		return env, common.WrapProtocolError(common.ErrCodeMalformedMessage, "failed to decode envelope", err)
	}
	if len(env.Message) == 0 || env.Signature == "" {
		return env, common.NewProtocolError(common.ErrCodeMalformedMessage,
			fmt.Sprintf("incomplete envelope (message %d bytes)", len(env.Message)))
	}
	return env, nil
}
