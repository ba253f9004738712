package wire

import (
	"context"
	"crypto/md5" //nolint:gosec // required by the wire protocol's MD5 auth mechanism
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
)

// ErrAuthNotSupported is returned when the backend requests an
// authentication subtype this driver (or its configured GSSStrategy) cannot
// satisfy.
var ErrAuthNotSupported = errors.New("authentication method not supported")

// GSSStrategy is an injectable implementation of GSSAPI/SSPI authentication
// (auth subtypes 7/8/9). Left unimplemented by default: like the teacher,
// this driver does not ship GSS encryption support out of the box.
// https://www.postgresql.org/docs/current/gssapi-auth.html
type GSSStrategy interface {
	// Negotiate runs one leg of the GSS exchange, writing a PasswordMessage
	// containing the next token and returning whether negotiation is done.
	Negotiate(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer, challenge []byte) (done bool, err error)
}

// runAuthLoop drives the authentication phase of the connection: it reads
// Authentication ('R') messages until AuthOK (or an error) arrives,
// dispatching each subtype to the matching strategy. This is the client-side
// mirror of the teacher's handleAuth/AuthStrategy dispatch, inverted: the
// teacher picks one strategy and announces it; the driver must react to
// whichever subtype the backend actually requests.
func runAuthLoop(ctx context.Context, cfg *Config, reader *buffer.Reader, writer *buffer.Writer) error {
	for {
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return fmt.Errorf("reading authentication message: %w", err)
		}

		if t != types.ServerAuth {
			return fmt.Errorf("expected authentication message, got %s", t)
		}

		subtype, err := reader.GetInt32()
		if err != nil {
			return err
		}

		cfg.Logger.Debug("authentication step", slog.String("type", types.AuthType(subtype).String()))

		switch types.AuthType(subtype) {
		case types.AuthOK:
			return nil
		case types.AuthCleartextPassword:
			if err := sendCleartextPassword(writer, cfg.Password); err != nil {
				return err
			}
		case types.AuthMD5Password:
			salt, err := reader.GetBytes(4)
			if err != nil {
				return err
			}
			if err := sendMD5Password(writer, cfg.Username, cfg.Password, salt); err != nil {
				return err
			}
		case types.AuthSASL:
			if err := runSASLExchange(reader, writer, cfg.Password); err != nil {
				return err
			}
		case types.AuthExtensibleDigest:
			if err := runExtensibleDigest(reader, writer, cfg.Username, cfg.Password); err != nil {
				return err
			}
		case types.AuthIDPToken:
			if err := sendIDPToken(writer, cfg); err != nil {
				return err
			}
		case types.AuthGSS, types.AuthSSPI:
			if cfg.GSS == nil {
				return ErrAuthNotSupported
			}
			if err := runGSS(ctx, cfg.GSS, reader, writer, nil); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: subtype %d", ErrAuthNotSupported, subtype)
		}
	}
}

func sendPasswordMessage(writer *buffer.Writer, password string) error {
	writer.Start(types.ClientPassword)
	writer.AddString(password)
	writer.AddNullTerminate()
	return writer.End()
}

func sendCleartextPassword(writer *buffer.Writer, password string) error {
	return sendPasswordMessage(writer, password)
}

// sendMD5Password implements Postgres's MD5 challenge: md5(md5(password +
// username) + salt), hex-encoded and prefixed with "md5".
func sendMD5Password(writer *buffer.Writer, username, password string, salt []byte) error {
	inner := md5.Sum([]byte(password + username)) //nolint:gosec
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.Sum(append([]byte(innerHex), salt...)) //nolint:gosec
	outerHex := hex.EncodeToString(outer[:])

	return sendPasswordMessage(writer, "md5"+outerHex)
}

// sendIDPToken implements the Redshift IDP-token auth subtype (14): the
// bearer token is transmitted as if it were a password, after the driver has
// obtained it out of band (e.g. via an external identity provider plugin
// named by the idp_type/plugin_name startup parameters).
func sendIDPToken(writer *buffer.Writer, cfg *Config) error {
	token := cfg.RuntimeParams["token"]
	if token == "" {
		return errors.New("idp token authentication requested but no token configured (set RuntimeParams[\"token\"])")
	}
	return sendPasswordMessage(writer, token)
}

func runGSS(ctx context.Context, gss GSSStrategy, reader *buffer.Reader, writer *buffer.Writer, challenge []byte) error {
	for {
		done, err := gss.Negotiate(ctx, reader, writer, challenge)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}
		if t != types.ServerAuth {
			return fmt.Errorf("expected GSS continuation, got %s", t)
		}

		subtype, err := reader.GetInt32()
		if err != nil {
			return err
		}
		if types.AuthType(subtype) != types.AuthGSSContinue {
			return fmt.Errorf("expected GSSContinue, got %s", types.AuthType(subtype))
		}

		challenge = reader.Msg
	}
}

// IsSuperUser reports whether the connection's ParameterStatus reports
// is_superuser = on.
func IsSuperUser(ctx context.Context) bool {
	return ServerParameters(ctx)[ParamIsSuperuser] == "on"
}

// AuthenticatedUsername returns the username this connection authenticated
// as, read back from the session_authorization parameter status.
func AuthenticatedUsername(ctx context.Context) string {
	return ServerParameters(ctx)[ParamSessionAuthorization]
}
