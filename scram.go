package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
	"golang.org/x/crypto/pbkdf2"
)

const scramMechanism = "SCRAM-SHA-256"

// runSASLExchange drives a SASL/SCRAM-SHA-256 authentication exchange
// (RFC 5802, channel binding disabled) in response to an AuthenticationSASL
// message already consumed by the caller. It sends the client-first-message
// as a SASLInitialResponse, processes the server-first-message delivered via
// AuthenticationSASLContinue, sends the client-final-message, and verifies
// the server's signature delivered via AuthenticationSASLFinal. The trailing
// AuthenticationOk is left for the caller's auth loop to read.
func runSASLExchange(reader *buffer.Reader, writer *buffer.Writer, password string) error {
	clientNonce, err := randomNonce()
	if err != nil {
		return err
	}

	clientFirstBare := "n=,r=" + clientNonce
	clientFirst := "n,," + clientFirstBare

	if err := sendSASLInitial(writer, scramMechanism, clientFirst); err != nil {
		return err
	}

	serverFirst, err := readSASLContinue(reader)
	if err != nil {
		return err
	}

	serverNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("scram: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := sendSASLResponse(writer, clientFinal); err != nil {
		return err
	}

	serverFinal, err := readSASLFinal(reader)
	if err != nil {
		return err
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSignature := hmacSHA256(serverKey, []byte(authMessage))
	gotSignature, err := parseServerFinal(serverFinal)
	if err != nil {
		return err
	}

	if !hmac.Equal(expectedSignature, gotSignature) {
		return fmt.Errorf("scram: server signature verification failed")
	}

	return nil
}

func sendSASLInitial(writer *buffer.Writer, mechanism, clientFirst string) error {
	writer.Start(types.ClientPassword)
	writer.AddString(mechanism)
	writer.AddNullTerminate()
	writer.AddInt32(int32(len(clientFirst)))
	writer.AddString(clientFirst)
	return writer.End()
}

func sendSASLResponse(writer *buffer.Writer, response string) error {
	writer.Start(types.ClientPassword)
	writer.AddString(response)
	return writer.End()
}

func readSASLContinue(reader *buffer.Reader) (string, error) {
	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return "", err
	}
	if t != types.ServerAuth {
		return "", fmt.Errorf("expected SASL continuation, got %s", t)
	}

	subtype, err := reader.GetInt32()
	if err != nil {
		return "", err
	}
	if types.AuthType(subtype) != types.AuthSASLContinue {
		return "", fmt.Errorf("expected AuthSASLContinue, got %s", types.AuthType(subtype))
	}

	return string(reader.Msg), nil
}

func readSASLFinal(reader *buffer.Reader) (string, error) {
	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return "", err
	}
	if t != types.ServerAuth {
		return "", fmt.Errorf("expected SASL final, got %s", t)
	}

	subtype, err := reader.GetInt32()
	if err != nil {
		return "", err
	}
	if types.AuthType(subtype) != types.AuthSASLFinal {
		return "", fmt.Errorf("expected AuthSASLFinal, got %s", types.AuthType(subtype))
	}

	return string(reader.Msg), nil
}

// parseServerFirst parses a SCRAM server-first-message: r=<nonce>,s=<salt>,i=<count>
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: parsing iteration count: %w", err)
			}
		}
	}

	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("scram: malformed server-first-message")
	}

	return nonce, salt, iterations, nil
}

// parseServerFinal parses a SCRAM server-final-message: v=<signature>
func parseServerFinal(msg string) ([]byte, error) {
	for _, part := range strings.Split(msg, ",") {
		if strings.HasPrefix(part, "v=") {
			return base64.StdEncoding.DecodeString(part[2:])
		}
	}
	return nil, fmt.Errorf("scram: malformed server-final-message")
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randomNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}
