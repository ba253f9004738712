package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
)

// runExtensibleDigest implements Redshift's extensible-digest authentication
// (AuthType 13): the server announces a digest algorithm name and a server
// nonce, the client replies with its own nonce and
// digest(password || serverNonce || clientNonce) hex-encoded. Only the
// "SHA256" algorithm is implemented; any other algorithm name is rejected
// since this driver has no grounded reference implementation for it.
func runExtensibleDigest(reader *buffer.Reader, writer *buffer.Writer, username, password string) error {
	algo, err := reader.GetString()
	if err != nil {
		return fmt.Errorf("reading digest algorithm: %w", err)
	}

	serverNonce, err := reader.GetString()
	if err != nil {
		return fmt.Errorf("reading digest server nonce: %w", err)
	}

	if algo != "SHA256" {
		return fmt.Errorf("%w: extensible digest algorithm %q", ErrAuthNotSupported, algo)
	}

	clientNonce, err := randomNonce()
	if err != nil {
		return err
	}

	h := sha256.New()
	h.Write([]byte(username))
	h.Write([]byte(password))
	h.Write([]byte(serverNonce))
	h.Write([]byte(clientNonce))
	digest := hex.EncodeToString(h.Sum(nil))

	writer.Start(types.ClientPassword)
	writer.AddString(clientNonce)
	writer.AddNullTerminate()
	writer.AddString(digest)
	writer.AddNullTerminate()
	return writer.End()
}
