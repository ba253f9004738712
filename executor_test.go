package wire

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/redshiftdb/rswire/internal/mock"
	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
	"github.com/stretchr/testify/require"
)

func newPipeReader(t *testing.T, cfg *Config, conn net.Conn) *buffer.Reader {
	t.Helper()
	return buffer.NewReader(cfg.Logger, conn, cfg.BufferedMsgSize)
}

func newPipeWriter(cfg *Config, conn net.Conn) *buffer.Writer {
	return buffer.NewWriter(cfg.Logger, conn)
}

// newTestConn builds a Conn wired directly to one half of a net.Pipe, with
// the mock.Backend on the other half, skipping Dial's handshake/auth phase
// entirely — the executor's extended-query cycle doesn't depend on how the
// connection was established.
func newTestConn(t *testing.T) (*Conn, *mock.Backend) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	cfg := NewConfig(WithSSLMode(SSLDisable))
	reader := newPipeReader(t, cfg, client)
	writer := newPipeWriter(cfg, client)

	conn := newConn(cfg, client, reader, writer, 1, 1, Parameters{}, TxStatus('I'))
	backend := mock.NewBackend(server)
	return conn, backend
}

func writeEmptyMessage(b *mock.Backend, t types.ServerMessage) error {
	return b.WriteMessage(t, nil)
}

func writeCommandComplete(b *mock.Backend, tag string) error {
	body := append([]byte(tag), 0)
	return b.WriteMessage(types.ServerCommandComplete, body)
}

func writeParameterDescription(b *mock.Backend, oids ...uint32) error {
	body := make([]byte, 2+4*len(oids))
	binary.BigEndian.PutUint16(body[0:2], uint16(len(oids)))
	for i, o := range oids {
		binary.BigEndian.PutUint32(body[2+4*i:6+4*i], o)
	}
	return b.WriteMessage(types.ServerParameterDescription, body)
}

func TestConnExecRoundTrip(t *testing.T) {
	t.Parallel()

	conn, backend := newTestConn(t)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- driveExecNoRows(backend, "INSERT 0 1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tag, err := conn.Exec(ctx, "INSERT INTO accounts (name) VALUES ('John')")
	require.NoError(t, err)
	require.Equal(t, "INSERT 0 1", tag)
	require.NoError(t, <-serverErr)
}

// driveExecNoRows answers exactly the message sequence executeOnce sends for
// a no-rows Exec against a statement with zero bind parameters: Parse,
// Describe(Statement), Sync — then Bind, Execute, Close(Portal), Sync.
func driveExecNoRows(b *mock.Backend, tag string) error {
	if err := expectMessage(b, types.ClientParse); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientDescribe); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerParseComplete); err != nil {
		return err
	}
	if err := writeParameterDescription(b); err != nil {
		return err
	}
	if err := writeEmptyMessage(b, types.ServerNoData); err != nil {
		return err
	}
	if err := b.WriteMessage(types.ServerReady, []byte{'I'}); err != nil {
		return err
	}

	if err := expectMessage(b, types.ClientBind); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientExecute); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientClose); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerBindComplete); err != nil {
		return err
	}
	if err := writeCommandComplete(b, tag); err != nil {
		return err
	}
	if err := writeEmptyMessage(b, types.ServerCloseComplete); err != nil {
		return err
	}
	return b.WriteMessage(types.ServerReady, []byte{'I'})
}

func expectMessage(b *mock.Backend, want types.ClientMessage) error {
	got, _, err := b.ReadMessage()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("unexpected message %s, wanted %s", got, want)
	}
	return nil
}
