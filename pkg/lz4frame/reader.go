// Package lz4frame implements the read side of the pgwire LZ4 compression
// extension: once a backend acknowledges compression (SetCompression 'k' /
// CompressionAck 'z'), its CompressedData ('m') messages carry one
// LZ4-block-compressed chunk of protocol bytes apiece. Reader strips those
// frames out of the stream and hands back the decompressed protocol bytes
// transparently, so the rest of the driver never has to know compression is
// active — the same way crypto/tls sits underneath a net.Conn.
package lz4frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// MaxMessageSize bounds a single frame's decompressed size.
const MaxMessageSize = 16 * 1024

// compressedDataType is the pgwire message type byte ('m') this package
// intercepts. Hardcoded rather than imported from pkg/types to keep this
// package dependency-free of the rest of the driver's wire format.
const compressedDataType = 'm'

// Reader wraps src, decoding CompressedData frames and passing every other
// message through unmodified.
type Reader struct {
	src     *bufio.Reader
	pending []byte
}

// NewReader wraps src with transparent CompressedData decoding.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: bufio.NewReaderSize(src, MaxMessageSize+5)}
}

// Read implements io.Reader, installed under *buffer.Reader via SetSource.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// fill reads one wire message. A CompressedData frame is decompressed into
// r.pending; any other message is reassembled byte-for-byte so the caller's
// own framing parses it identically to an uncompressed connection.
func (r *Reader) fill() error {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r.src, header); err != nil {
		return err
	}

	size := int(binary.BigEndian.Uint32(header[1:])) - 4
	if size < 0 {
		return fmt.Errorf("lz4frame: negative message length")
	}

	body := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r.src, body); err != nil {
			return err
		}
	}

	if header[0] != compressedDataType {
		r.pending = append(header, body...)
		return nil
	}

	if len(body) < 4 {
		return fmt.Errorf("lz4frame: truncated compressed frame")
	}

	uncompressedLen := int(binary.BigEndian.Uint32(body[:4]))
	switch {
	case uncompressedLen < 0 || uncompressedLen > MaxMessageSize:
		return fmt.Errorf("lz4frame: invalid uncompressed length %d", uncompressedLen)
	case uncompressedLen == 0:
		return nil // an empty payload decompresses to 0 bytes without advancing state.
	}

	dst := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(body[4:], dst)
	if err != nil {
		return fmt.Errorf("lz4frame: decompressing frame: %w", err)
	}

	r.pending = dst[:n]
	return nil
}
