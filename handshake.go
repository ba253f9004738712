package wire

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"runtime"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/lz4frame"
	"github.com/redshiftdb/rswire/pkg/types"
)

// clientVersion identifies this driver in the startup message and to
// Redshift's IDP-token auth machinery.
const clientVersion = "0.1.0"

// handshake performs the client side of the connection handshake: an
// optional TLS upgrade followed by the startup message, and returns the
// (possibly upgraded) net.Conn plus framed reader/writer pair ready for the
// authentication phase. This is the inverse of the teacher's
// Server.Handshake: where the server reads a version and reacts, the client
// here decides the version and the server reacts.
func handshake(ctx context.Context, cfg *Config, conn net.Conn) (net.Conn, *buffer.Reader, *buffer.Writer, error) {
	reader := buffer.NewReader(cfg.Logger, conn, cfg.BufferedMsgSize)
	writer := buffer.NewWriter(cfg.Logger, conn)

	conn, reader, writer, err := maybeUpgradeTLS(cfg, conn, reader, writer)
	if err != nil {
		return conn, reader, writer, err
	}

	if err := sendStartupMessage(cfg, writer); err != nil {
		return conn, reader, writer, err
	}

	return conn, reader, writer, nil
}

// maybeUpgradeTLS negotiates TLS according to cfg.SSLMode. disable skips
// negotiation entirely; allow/prefer/require/verify-ca/verify-full all send
// an SSLRequest first, differing in what happens when the backend declines.
func maybeUpgradeTLS(cfg *Config, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) (net.Conn, *buffer.Reader, *buffer.Writer, error) {
	if cfg.SSLMode == SSLDisable {
		return conn, reader, writer, nil
	}

	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionSSLRequest))
	if err := writer.EndUntyped(); err != nil {
		return conn, reader, writer, err
	}

	resp, err := reader.Buffer.ReadByte()
	if err != nil {
		return conn, reader, writer, fmt.Errorf("reading SSL negotiation response: %w", err)
	}

	switch sslResponse(resp) {
	case sslResponseUnsupported:
		if cfg.SSLMode == SSLRequire || cfg.SSLMode == SSLVerifyCA || cfg.SSLMode == SSLVerifyFull {
			return conn, reader, writer, fmt.Errorf("server does not support TLS but sslmode=%s requires it", cfg.SSLMode)
		}
		return conn, reader, writer, nil
	case sslResponseSupported:
		cfg.Logger.Debug("upgrading connection to TLS")

		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{
				InsecureSkipVerify: cfg.SSLMode == SSLRequire || cfg.SSLMode == SSLAllow || cfg.SSLMode == SSLPrefer, //nolint:gosec // explicit opt-out via sslmode
			}
		}

		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			return conn, reader, writer, fmt.Errorf("TLS handshake failed: %w", err)
		}

		conn = tlsConn
		reader = buffer.NewReader(cfg.Logger, conn, cfg.BufferedMsgSize)
		writer = buffer.NewWriter(cfg.Logger, conn)
		return conn, reader, writer, nil
	default:
		return conn, reader, writer, fmt.Errorf("unexpected SSL negotiation response byte %q", resp)
	}
}

// sendStartupMessage writes the StartupMessage containing the protocol
// version and connection parameters, including the Redshift-specific
// extensions (server_protocol_version, compression, IDP/client metadata).
func sendStartupMessage(cfg *Config, writer *buffer.Writer) error {
	params := map[string]string{
		"user":                string(cfg.Username),
		"database":            cfg.Database,
		"client_encoding":     "UTF8",
		"server_protocol_version": "2",
		"driver_version":      clientVersion,
		"os_version":          runtime.GOOS,
	}

	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}

	if cfg.EnableCompression {
		params["_pq_.compression"] = "lz4"
	}

	for key, value := range cfg.RuntimeParams {
		if key == "token" {
			continue // consumed directly by the IDP-token auth strategy, not a startup parameter
		}
		params[key] = value
	}

	writer.StartUntyped()
	writer.AddInt32(int32(types.Version30))

	for key, value := range params {
		writer.AddString(key)
		writer.AddNullTerminate()
		writer.AddString(value)
		writer.AddNullTerminate()
	}
	writer.AddNullTerminate()

	return writer.EndUntyped()
}

// readUntilReady consumes BackendKeyData and ParameterStatus messages
// following a successful authentication, until ReadyForQuery arrives. It
// also completes compression negotiation: once the backend acks compression
// (and cfg.EnableCompression is set), it installs an lz4frame decoder
// directly atop netConn so every later read transparently decompresses
// CompressedData frames. Returns the process ID/secret key pair needed for
// CancelRequest, the reported server parameters, and the initial
// transaction status.
func readUntilReady(ctx context.Context, cfg *Config, netConn net.Conn, reader *buffer.Reader) (pid, secret int32, params Parameters, status TxStatus, err error) {
	params = Parameters{}

	for {
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return 0, 0, nil, 0, err
		}

		switch t {
		case types.ServerSetCompression:
			method, err := reader.GetString()
			if err != nil {
				return 0, 0, nil, 0, err
			}
			cfg.Logger.Debug("server announced compression method", slog.String("method", method))

		case types.ServerCompressionAck:
			if cfg.EnableCompression {
				cfg.Logger.Debug("installing lz4 decompressor")
				reader.SetSource(lz4frame.NewReader(netConn))
			}

		case types.ServerBackendKeyData:
			pid, err = reader.GetInt32()
			if err != nil {
				return 0, 0, nil, 0, err
			}
			secret, err = reader.GetInt32()
			if err != nil {
				return 0, 0, nil, 0, err
			}

		case types.ServerParameterStatus:
			key, err := reader.GetString()
			if err != nil {
				return 0, 0, nil, 0, err
			}
			value, err := reader.GetString()
			if err != nil {
				return 0, 0, nil, 0, err
			}
			cfg.Logger.Debug("server parameter", slog.String("key", key), slog.String("value", value))
			params[ParameterStatus(key)] = value

		case types.ServerNoticeResponse:
			desc, err := parseErrorFields(reader)
			if err != nil {
				return 0, 0, nil, 0, err
			}
			cfg.Logger.Warn("notice from server", slog.String("message", desc.Message))

		case types.ServerReady:
			b, err := reader.GetBytes(1)
			if err != nil {
				return 0, 0, nil, 0, err
			}
			return pid, secret, params, TxStatus(b[0]), nil

		case types.ServerErrorResponse:
			desc, err := parseErrorFields(reader)
			if err != nil {
				return 0, 0, nil, 0, err
			}
			return 0, 0, nil, 0, desc

		default:
			return 0, 0, nil, 0, fmt.Errorf("unexpected message %s while waiting for ReadyForQuery", t)
		}
	}
}
