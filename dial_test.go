package wire

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/redshiftdb/rswire/internal/mock"
	"github.com/stretchr/testify/require"
)

// listenMockBackend starts a one-shot TCP listener and returns its address
// plus a channel delivering the accepted connection, so a test can drive a
// mock.Backend against a real Dial without a live cluster.
func listenMockBackend(t *testing.T) (host string, port uint16, conns <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	ch := make(chan net.Conn, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- conn
	}()

	return addr.IP.String(), uint16(addr.Port), ch
}

func TestDialAuthenticatesAndReachesReady(t *testing.T) {
	t.Parallel()

	host, port, conns := listenMockBackend(t)

	serverErr := make(chan error, 1)
	go func() {
		conn := <-conns
		if conn == nil {
			serverErr <- nil
			return
		}
		defer conn.Close()

		backend := mock.NewBackend(conn)
		if _, err := backend.ReadUntyped(); err != nil { // StartupMessage
			serverErr <- err
			return
		}
		serverErr <- backend.AuthOK(4242, 99)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := NewConfig(
		WithHosts(host),
		WithPort(port),
		WithCredentials("postgres", "password"),
		WithDatabase("postgres"),
		WithSSLMode(SSLDisable),
	)

	conn, err := Dial(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, <-serverErr)
	require.Equal(t, int32(4242), conn.ProcessID())
	require.Equal(t, int32(99), conn.SecretKey())
	require.Equal(t, "15.0 Redshift Mock", conn.ServerParameters()["server_version"])
}

func TestDialRunsInitStatements(t *testing.T) {
	t.Parallel()

	host, port, conns := listenMockBackend(t)

	serverErr := make(chan error, 1)
	go func() {
		conn := <-conns
		if conn == nil {
			serverErr <- nil
			return
		}
		defer conn.Close()

		backend := mock.NewBackend(conn)
		if _, err := backend.ReadUntyped(); err != nil {
			serverErr <- err
			return
		}
		if err := backend.AuthOK(1, 1); err != nil {
			serverErr <- err
			return
		}

		// simple query sub-protocol round trip for the init statement.
		typ, _, err := backend.ReadMessage()
		if err != nil {
			serverErr <- err
			return
		}
		if typ != 'Q' {
			serverErr <- errUnexpectedMessage(typ)
			return
		}

		tag := append([]byte("SET"), 0)
		if err := backend.WriteMessage('C', tag); err != nil {
			serverErr <- err
			return
		}
		serverErr <- backend.WriteMessage('Z', []byte{'I'})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := NewConfig(
		WithHosts(host),
		WithPort(port),
		WithCredentials("postgres", "password"),
		WithDatabase("postgres"),
		WithSSLMode(SSLDisable),
		WithInitStatements("SET search_path TO public"),
	)

	conn, err := Dial(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-serverErr)
}

type errUnexpectedMessage byte

func (e errUnexpectedMessage) Error() string {
	return "unexpected client message type " + strconv.Itoa(int(e))
}
