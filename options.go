package wire

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// OptionFn configures a Config constructed via NewConfig/ParseConfig,
// following the same functional-options shape the teacher uses for its
// server: each OptionFn mutates the struct being built rather than
// returning a new one, so options compose by simple concatenation.
type OptionFn func(*Config)

// WithHosts sets the list of backend hosts Dial iterates through in order.
func WithHosts(hosts ...string) OptionFn {
	return func(cfg *Config) { cfg.Hosts = hosts }
}

// WithPort sets the backend port, shared across all configured hosts.
func WithPort(port uint16) OptionFn {
	return func(cfg *Config) { cfg.Port = port }
}

// WithCredentials sets the username/password used during authentication.
func WithCredentials(username, password string) OptionFn {
	return func(cfg *Config) {
		cfg.Username = username
		cfg.Password = password
	}
}

// WithDatabase selects the database to connect to.
func WithDatabase(database string) OptionFn {
	return func(cfg *Config) { cfg.Database = database }
}

// WithSSLMode sets the TLS negotiation mode.
func WithSSLMode(mode SSLMode) OptionFn {
	return func(cfg *Config) { cfg.SSLMode = mode }
}

// WithTLSConfig supplies an explicit *tls.Config to use once the backend
// agrees to upgrade the connection, overriding any SSLMode-derived default.
func WithTLSConfig(tlsConfig *tls.Config) OptionFn {
	return func(cfg *Config) { cfg.TLSConfig = tlsConfig }
}

// WithApplicationName sets the application_name startup parameter.
func WithApplicationName(name string) OptionFn {
	return func(cfg *Config) { cfg.ApplicationName = name }
}

// WithRuntimeParam adds an arbitrary startup parameter, for parameters this
// package does not model explicitly (e.g. Redshift's idp_type/provider_name
// family used by IDP token auth).
func WithRuntimeParam(key, value string) OptionFn {
	return func(cfg *Config) {
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = map[string]string{}
		}
		cfg.RuntimeParams[key] = value
	}
}

// WithTargetSessionAttrs restricts which host in a multi-host Dial the
// factory is allowed to settle on.
func WithTargetSessionAttrs(attrs TargetSessionAttrs) OptionFn {
	return func(cfg *Config) { cfg.TargetSessionAttrs = attrs }
}

// WithConnectTimeout bounds how long Dial waits for the TCP connect plus
// handshake/authentication to complete.
func WithConnectTimeout(timeout time.Duration) OptionFn {
	return func(cfg *Config) { cfg.ConnectTimeout = timeout }
}

// WithBufferedMsgSize overrides the framed-stream reader's buffer/maximum
// message size.
func WithBufferedMsgSize(size int) OptionFn {
	return func(cfg *Config) { cfg.BufferedMsgSize = size }
}

// WithStatementCacheLimits bounds the prepared-statement cache by entry
// count and total cached SQL text bytes.
func WithStatementCacheLimits(maxEntries, maxBytes int) OptionFn {
	return func(cfg *Config) {
		cfg.MaxCachedStatements = maxEntries
		cfg.MaxCachedStatementBytes = maxBytes
	}
}

// WithCompression enables LZ4 stream compression negotiation.
func WithCompression(enabled bool) OptionFn {
	return func(cfg *Config) { cfg.EnableCompression = enabled }
}

// WithLogger overrides the *slog.Logger threaded through every subsystem.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(cfg *Config) { cfg.Logger = logger }
}

// WithGSSStrategy installs a caller-supplied GSSAPI/SSPI implementation.
func WithGSSStrategy(gss GSSStrategy) OptionFn {
	return func(cfg *Config) { cfg.GSS = gss }
}

// WithInitStatements adds statements run once, in order, immediately after
// a connection authenticates and before Dial returns it.
func WithInitStatements(stmts ...string) OptionFn {
	return func(cfg *Config) { cfg.InitStatements = append(cfg.InitStatements, stmts...) }
}
