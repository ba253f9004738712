package wire

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"

	rserr "github.com/redshiftdb/rswire/errors"
	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
)

// Dial opens and authenticates a connection using cfg, iterating cfg.Hosts
// in order and applying cfg.TargetSessionAttrs to decide whether a backend
// that answered is acceptable or whether the factory should move on to the
// next host — the same multi-host failover libpq and the JDBC driver
// support for Multi-AZ / read-replica topologies.
func Dial(ctx context.Context, cfg *Config) (*Conn, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts configured")
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var lastErr error
	for _, host := range cfg.Hosts {
		conn, err := dialOne(ctx, cfg, host)
		if err != nil {
			lastErr = err
			cfg.Logger.Warn("failed to establish connection", "host", host, "err", err)
			continue
		}

		if !acceptable(cfg.TargetSessionAttrs, conn.ServerParameters()) {
			cfg.Logger.Debug("host rejected by target_session_attrs", "host", host, "target", cfg.TargetSessionAttrs)
			conn.Close()
			lastErr = fmt.Errorf("host %s does not satisfy target_session_attrs=%s", host, cfg.TargetSessionAttrs)
			continue
		}

		for _, stmt := range cfg.InitStatements {
			if err := conn.simpleExec(ctx, stmt); err != nil {
				conn.Close()
				return nil, fmt.Errorf("running init statement %q: %w", stmt, err)
			}
		}

		return conn, nil
	}

	return nil, fmt.Errorf("could not establish a usable connection to any configured host: %w", lastErr)
}

func dialOne(ctx context.Context, cfg *Config, host string) (*Conn, error) {
	dialer := &net.Dialer{}
	addr := net.JoinHostPort(host, strconv.Itoa(int(cfg.Port)))

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	netConn, reader, writer, err := handshake(ctx, cfg, netConn)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	if err := runAuthLoop(ctx, cfg, reader, writer); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("authenticating with %s: %w", addr, err)
	}

	pid, secret, params, status, err := readUntilReady(ctx, cfg, netConn, reader)
	if err != nil {
		netConn.Close()
		var pgErr *rserr.Error
		if stderrors.As(err, &pgErr) {
			return nil, pgErr
		}
		return nil, fmt.Errorf("completing startup with %s: %w", addr, err)
	}

	return newConn(cfg, netConn, reader, writer, pid, secret, params, status), nil
}

// acceptable reports whether a connection's reported server parameters
// satisfy attrs. Only read-write/read-only/any are checked directly
// against transaction_read_only; prefer-standby additionally needs
// pg_is_in_recovery(), which this driver does not query automatically —
// callers wanting that distinction should pass TargetReadOnly instead and
// rely on transaction_read_only, which Redshift (having no standby
// replicas in the Postgres sense) always reports as "off".
func acceptable(attrs TargetSessionAttrs, params Parameters) bool {
	switch attrs {
	case "", TargetAny:
		return true
	case TargetReadWrite:
		return params[ParameterStatus("transaction_read_only")] != "on"
	case TargetReadOnly:
		return params[ParameterStatus("transaction_read_only")] == "on"
	case TargetPreferStandby:
		return true
	default:
		return true
	}
}

// ServerParameters returns the connection parameters the backend announced
// during startup.
func (c *Conn) ServerParameters() Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverParams
}

// Close terminates the connection by sending Terminate and closing the
// underlying socket. It does not wait for the backend to acknowledge.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closedCh)

	_ = sendTerminate(c.writer)
	return c.netConn.Close()
}

func sendTerminate(writer *buffer.Writer) error {
	writer.Start(types.ClientTerminate)
	return writer.End()
}
