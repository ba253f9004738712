package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExtensibleDigest(t *testing.T) {
	t.Parallel()

	const username = "analyst"
	const password = "hunter2"
	const serverNonce = "server-nonce-xyz"

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reader := buffer.NewReader(slog.Default(), client, 8192)
	writer := buffer.NewWriter(slog.Default(), client)

	// Simulate auth.go already having consumed the message type and the
	// AuthType subtype, leaving the algorithm name and server nonce as the
	// remaining body.
	body := append([]byte("SHA256"), 0)
	body = append(body, append([]byte(serverNonce), 0)...)
	reader.Msg = body

	serverErr := make(chan error, 1)
	var clientNonce, digest string
	go func() {
		serverErr <- func() error {
			header := make([]byte, 5)
			if _, err := io.ReadFull(server, header); err != nil {
				return err
			}
			length := binary.BigEndian.Uint32(header[1:])
			msgBody := make([]byte, length-4)
			if _, err := io.ReadFull(server, msgBody); err != nil {
				return err
			}

			nulIdx := indexByte(msgBody, 0)
			clientNonce = string(msgBody[:nulIdx])
			digest = string(msgBody[nulIdx+1 : len(msgBody)-1])
			return nil
		}()
	}()

	require.NoError(t, runExtensibleDigest(reader, writer, username, password))
	require.NoError(t, <-serverErr)

	assert.NotEmpty(t, clientNonce)

	h := sha256.New()
	h.Write([]byte(username))
	h.Write([]byte(password))
	h.Write([]byte(serverNonce))
	h.Write([]byte(clientNonce))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), digest)
}

func TestRunExtensibleDigestRejectsUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reader := buffer.NewReader(slog.Default(), client, 8192)
	writer := buffer.NewWriter(slog.Default(), client)

	body := append([]byte("MD5"), 0)
	body = append(body, append([]byte("nonce"), 0)...)
	reader.Msg = body

	go io.Copy(io.Discard, server)

	err := runExtensibleDigest(reader, writer, "u", "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthNotSupported)
}
