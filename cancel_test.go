package wire

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/redshiftdb/rswire/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelSendsRequestAndWaitsForClose(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	received := make(chan [12]byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var body [12]byte
		if _, err := io.ReadFull(conn, body[:]); err != nil {
			return
		}
		received <- body
		// close immediately, mirroring a real backend's CancelRequest handling.
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := CancelRequest{Host: addr.IP.String(), Port: uint16(addr.Port), PID: 777, Secret: 888}
	require.NoError(t, Cancel(ctx, req))

	select {
	case body := <-received:
		version := binary.BigEndian.Uint32(body[0:4])
		pid := int32(binary.BigEndian.Uint32(body[4:8]))
		secret := int32(binary.BigEndian.Uint32(body[8:12]))
		assert.Equal(t, uint32(types.VersionCancel), version)
		assert.Equal(t, int32(777), pid)
		assert.Equal(t, int32(888), secret)
	default:
		t.Fatal("backend never received the cancel request body")
	}
}

func TestCancelHandleCapturesProcessIdentity(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConn(t)
	handle := conn.CancelHandle()

	assert.Equal(t, int32(1), handle.PID)
	assert.Equal(t, int32(1), handle.Secret)
	assert.False(t, handle.TLS)
}
