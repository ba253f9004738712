package wire

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
)

// CancelRequest identifies a running query to a CancelRequest dial: the
// process ID and secret key the backend handed out in BackendKeyData
// during the original connection's handshake. Obtain one from Conn via
// CancelHandle.
type CancelRequest struct {
	Host   string
	Port   uint16
	PID    int32
	Secret int32
	TLS    bool
}

// CancelHandle captures this connection's process ID, secret key, and
// dial target into a CancelRequest that can be used — from any goroutine,
// at any later time, even after this Conn has been closed — to ask the
// backend to cancel whatever the connection is currently running.
func (c *Conn) CancelHandle() CancelRequest {
	host := ""
	port := uint16(0)
	if addr, ok := c.netConn.RemoteAddr().(*net.TCPAddr); ok {
		host = addr.IP.String()
		port = uint16(addr.Port)
	}

	return CancelRequest{
		Host:   host,
		Port:   port,
		PID:    c.pid,
		Secret: c.secret,
		TLS:    c.cfg.SSLMode != SSLDisable,
	}
}

// Cancel dials a fresh connection to the backend and sends a CancelRequest
// for req. Postgres processes CancelRequest asynchronously and without
// authentication — the backend closes the connection immediately after
// reading it, giving no indication of whether a matching query was found,
// so a nil return only means the request was delivered, not that anything
// was actually cancelled. This mirrors jackc/pgx's PgConn.CancelRequest.
func Cancel(ctx context.Context, req CancelRequest) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	writer := buffer.NewWriter(slog.Default(), conn)
	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionCancel))
	writer.AddInt32(req.PID)
	writer.AddInt32(req.Secret)
	if err := writer.EndUntyped(); err != nil {
		return err
	}

	// The backend closes the connection without replying; read until EOF
	// (or the context deadline) purely to observe that close rather than
	// to race ahead and tear the socket down from this side first.
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			return nil
		}
	}
}
