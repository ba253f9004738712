package wire

// sslResponse represents the single-byte response the backend sends after
// an SSLRequest: 'S' to proceed with a TLS handshake, 'N' to continue
// unencrypted, or (only ever seen from a pre-v3 server) 'E' for ErrorResponse.
type sslResponse byte

const (
	sslResponseSupported   sslResponse = 'S'
	sslResponseUnsupported sslResponse = 'N'
	sslResponseError       sslResponse = 'E'
)
