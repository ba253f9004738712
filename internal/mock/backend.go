// Package mock provides a minimal, hand-rolled Postgres backend used to
// drive a *wire.Conn through handshake, authentication, and simple query
// exchanges in tests without a real server or network dependency beyond
// net.Pipe.
package mock

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/redshiftdb/rswire/pkg/types"
)

// Backend is the server side of an in-process Postgres wire connection.
type Backend struct {
	Conn net.Conn
}

// NewBackend wraps the server half of a net.Pipe (or any net.Conn) as a
// Backend.
func NewBackend(conn net.Conn) *Backend {
	return &Backend{Conn: conn}
}

// WriteMessage frames and writes a single typed server message.
func (b *Backend) WriteMessage(t types.ServerMessage, body []byte) error {
	header := make([]byte, 5)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)+4))

	if _, err := b.Conn.Write(header); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := b.Conn.Write(body)
	return err
}

// ReadMessage reads a single typed client message.
func (b *Backend) ReadMessage() (types.ClientMessage, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(b.Conn, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(b.Conn, body); err != nil {
			return 0, nil, err
		}
	}

	return types.ClientMessage(header[0]), body, nil
}

// ReadUntyped reads a pre-startup message (SSLRequest, StartupMessage, or
// CancelRequest): a 4-byte length-inclusive-of-itself prefix with no
// leading type byte.
func (b *Backend) ReadUntyped() ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(b.Conn, lenBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf)
	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(b.Conn, body); err != nil {
			return nil, err
		}
	}

	return body, nil
}

// RejectSSL answers a pending SSLRequest with 'N' (unencrypted).
func (b *Backend) RejectSSL() error {
	_, err := b.Conn.Write([]byte{'N'})
	return err
}

// AcceptSSL answers a pending SSLRequest with 'S' (proceed to TLS).
func (b *Backend) AcceptSSL() error {
	_, err := b.Conn.Write([]byte{'S'})
	return err
}

// AuthOK performs the simplest possible handshake tail: AuthenticationOK,
// a couple of ParameterStatus messages, BackendKeyData, and
// ReadyForQuery(idle). Callers that already consumed the SSLRequest and
// StartupMessage (see ReadUntyped) call this to finish the handshake.
func (b *Backend) AuthOK(pid, secret int32) error {
	authOK := make([]byte, 4)
	binary.BigEndian.PutUint32(authOK, 0)
	if err := b.WriteMessage(types.ServerAuth, authOK); err != nil {
		return err
	}

	for key, value := range map[string]string{
		"server_version":   "15.0 Redshift Mock",
		"client_encoding":  "UTF8",
		"server_encoding":  "UTF8",
		"is_superuser":     "off",
		"DateStyle":        "ISO, MDY",
	} {
		if err := b.writeCString(key, value); err != nil {
			return err
		}
	}

	keyData := make([]byte, 8)
	binary.BigEndian.PutUint32(keyData[0:4], uint32(pid))
	binary.BigEndian.PutUint32(keyData[4:8], uint32(secret))
	if err := b.WriteMessage(types.ServerBackendKeyData, keyData); err != nil {
		return err
	}

	return b.WriteMessage(types.ServerReady, []byte{'I'})
}

func (b *Backend) writeCString(key, value string) error {
	body := append([]byte(key), 0)
	body = append(body, []byte(value)...)
	body = append(body, 0)
	return b.WriteMessage(types.ServerParameterStatus, body)
}
