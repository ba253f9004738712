package lz4frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameCompressedData(t *testing.T, payload []byte) []byte {
	t.Helper()

	compressed := make([]byte, len(payload)+16)
	n, err := lz4.CompressBlock(payload, compressed, nil)
	require.NoError(t, err)
	if n == 0 {
		// incompressible input: lz4.CompressBlock returns 0 when the result
		// would not be smaller than the source; fall back to storing raw
		// bytes is not supported by UncompressBlock, so pick a compressible
		// payload in tests instead.
		t.Fatal("test payload did not compress; use a longer, repetitive payload")
	}
	compressed = compressed[:n]

	body := make([]byte, 4+len(compressed))
	binary.BigEndian.PutUint32(body[:4], uint32(len(payload)))
	copy(body[4:], compressed)

	header := make([]byte, 5)
	header[0] = compressedDataType
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)+4))

	return append(header, body...)
}

func frameRawMessage(t byte, body []byte) []byte {
	header := make([]byte, 5)
	header[0] = t
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)+4))
	return append(header, body...)
}

func TestReaderDecodesCompressedFrame(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("redshift-wire-protocol-payload "), 32)
	frame := frameCompressedData(t, payload)

	r := NewReader(bytes.NewReader(frame))

	got := make([]byte, len(payload))
	_, err := readFullFromReader(r, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReaderPassesThroughUncompressedMessages(t *testing.T) {
	t.Parallel()

	msg := frameRawMessage('Z', []byte{'I'})
	r := NewReader(bytes.NewReader(msg))

	got := make([]byte, len(msg))
	_, err := readFullFromReader(r, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestReaderHandlesMixedStream(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 8)
	var stream bytes.Buffer
	stream.Write(frameRawMessage('S', []byte("ok\x00")))
	stream.Write(frameCompressedData(t, payload))
	stream.Write(frameRawMessage('Z', []byte{'I'}))

	r := NewReader(&stream)

	want := append(frameRawMessage('S', []byte("ok\x00")), append(payload, frameRawMessage('Z', []byte{'I'})...)...)
	got := make([]byte, len(want))
	_, err := readFullFromReader(r, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func readFullFromReader(r *Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
