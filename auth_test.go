package wire

import (
	"context"
	"crypto/md5" //nolint:gosec // matching the protocol's own MD5 challenge
	"encoding/binary"
	"encoding/hex"
	"net"
	"testing"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAuthRequest(conn net.Conn, subtype types.AuthType, payload []byte) error {
	body := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(body[:4], uint32(subtype))
	copy(body[4:], payload)
	return writeServerFrame(conn, types.ServerAuth, body)
}

func TestRunAuthLoopCleartextPassword(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cfg := NewConfig(WithCredentials("analyst", "s3cret"))
	reader := buffer.NewReader(testLogger(), client, 8192)
	writer := buffer.NewWriter(testLogger(), client)

	serverErr := make(chan error, 1)
	var gotPassword string
	go func() {
		serverErr <- func() error {
			if err := writeAuthRequest(server, types.AuthCleartextPassword, nil); err != nil {
				return err
			}

			typ, body, err := readClientFrame(server)
			if err != nil {
				return err
			}
			if typ != types.ClientPassword {
				return assertionError("expected PasswordMessage")
			}
			gotPassword = string(body[:len(body)-1])

			return writeAuthRequest(server, types.AuthOK, nil)
		}()
	}()

	require.NoError(t, runAuthLoop(context.Background(), cfg, reader, writer))
	require.NoError(t, <-serverErr)
	assert.Equal(t, "s3cret", gotPassword)
}

func TestRunAuthLoopMD5Password(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cfg := NewConfig(WithCredentials("analyst", "s3cret"))
	reader := buffer.NewReader(testLogger(), client, 8192)
	writer := buffer.NewWriter(testLogger(), client)

	salt := []byte{0x01, 0x02, 0x03, 0x04}

	serverErr := make(chan error, 1)
	var gotPassword string
	go func() {
		serverErr <- func() error {
			if err := writeAuthRequest(server, types.AuthMD5Password, salt); err != nil {
				return err
			}

			typ, body, err := readClientFrame(server)
			if err != nil {
				return err
			}
			if typ != types.ClientPassword {
				return assertionError("expected PasswordMessage")
			}
			gotPassword = string(body[:len(body)-1])

			return writeAuthRequest(server, types.AuthOK, nil)
		}()
	}()

	require.NoError(t, runAuthLoop(context.Background(), cfg, reader, writer))
	require.NoError(t, <-serverErr)

	inner := md5.Sum([]byte("s3cret" + "analyst")) //nolint:gosec
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt...)) //nolint:gosec
	assert.Equal(t, "md5"+hex.EncodeToString(outer[:]), gotPassword)
}

func TestRunAuthLoopRejectsUnsupportedSubtype(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cfg := NewConfig(WithCredentials("analyst", "s3cret"))
	reader := buffer.NewReader(testLogger(), client, 8192)
	writer := buffer.NewWriter(testLogger(), client)

	go writeAuthRequest(server, types.AuthType(999), nil)

	err := runAuthLoop(context.Background(), cfg, reader, writer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthNotSupported)
}

func readClientFrame(conn net.Conn) (types.ClientMessage, []byte, error) {
	header := make([]byte, 5)
	if _, err := readFull(conn, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := readFull(conn, body); err != nil {
			return 0, nil, err
		}
	}
	return types.ClientMessage(header[0]), body, nil
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
