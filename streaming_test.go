package wire

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	rserr "github.com/redshiftdb/rswire/errors"
	"github.com/redshiftdb/rswire/internal/mock"
	"github.com/redshiftdb/rswire/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRowDescriptionOneIntColumn(b *mock.Backend) error {
	body := make([]byte, 0, 64)
	body = binary.BigEndian.AppendUint16(body, 1)
	body = append(body, "n"...)
	body = append(body, 0)
	body = binary.BigEndian.AppendUint32(body, 0) // table oid
	body = binary.BigEndian.AppendUint16(body, 0) // attno
	body = binary.BigEndian.AppendUint32(body, 23) // int4
	body = binary.BigEndian.AppendUint16(body, 4)  // type size
	body = append(body, 0, 0, 0, 0)                // type modifier
	body = binary.BigEndian.AppendUint16(body, 0)  // format code
	return b.WriteMessage(types.ServerRowDescription, body)
}

func writeIntDataRow(b *mock.Backend, n int) error {
	text := []byte(itoa(n))
	body := make([]byte, 0, 16+len(text))
	body = binary.BigEndian.AppendUint16(body, 1)
	body = binary.BigEndian.AppendUint32(body, uint32(len(text)))
	body = append(body, text...)
	return b.WriteMessage(types.ServerDataRow, body)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TestConnQueryStreamsLargeResultWithoutDeadlocking drives a result larger
// than RowRing's default buffer (DefaultRingCapacity) through the mock
// backend, proving Query returns before the whole result has been read and
// that draining it to completion via Next does not hang — the deadlock the
// old synchronous readUntilReady had for any result bigger than the ring.
func TestConnQueryStreamsLargeResultWithoutDeadlocking(t *testing.T) {
	t.Parallel()

	conn, backend := newTestConn(t)
	const rowCount = DefaultRingCapacity + 50

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- driveQueryManyRows(backend, rowCount)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ring, fields, err := conn.Query(ctx, "SELECT n FROM generate_series(1, 100000) n")
	require.NoError(t, err)
	require.Len(t, fields, 1)

	got := 0
	for {
		tuple, err := ring.Next(ctx)
		require.NoError(t, err)
		if tuple == nil {
			break
		}
		got++
	}

	assert.Equal(t, rowCount, got)
	assert.Equal(t, "SELECT "+itoa(rowCount), ring.FinalTag())
	require.NoError(t, <-serverErr)
}

func driveQueryManyRows(b *mock.Backend, rowCount int) error {
	if err := expectMessage(b, types.ClientParse); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientDescribe); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerParseComplete); err != nil {
		return err
	}
	if err := writeParameterDescription(b); err != nil {
		return err
	}
	if err := writeRowDescriptionOneIntColumn(b); err != nil {
		return err
	}
	if err := b.WriteMessage(types.ServerReady, []byte{'I'}); err != nil {
		return err
	}

	if err := expectMessage(b, types.ClientBind); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientDescribe); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientExecute); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientClose); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerBindComplete); err != nil {
		return err
	}
	if err := writeRowDescriptionOneIntColumn(b); err != nil {
		return err
	}
	for i := 1; i <= rowCount; i++ {
		if err := writeIntDataRow(b, i); err != nil {
			return err
		}
	}
	if err := writeCommandComplete(b, "SELECT "+itoa(rowCount)); err != nil {
		return err
	}
	if err := writeEmptyMessage(b, types.ServerCloseComplete); err != nil {
		return err
	}
	return b.WriteMessage(types.ServerReady, []byte{'I'})
}

// TestConnQueryDeliversNotificationMidCycle proves a NotificationResponse
// interleaved into an otherwise ordinary result is deferred into the async
// notification buffer instead of aborting the query with the old fatal
// default case.
func TestConnQueryDeliversNotificationMidCycle(t *testing.T) {
	t.Parallel()

	conn, backend := newTestConn(t)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- driveQueryWithNotification(backend)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ring, _, err := conn.Query(ctx, "SELECT 1")
	require.NoError(t, err)

	for {
		tuple, err := ring.Next(ctx)
		require.NoError(t, err)
		if tuple == nil {
			break
		}
	}
	require.NoError(t, <-serverErr)

	notifications := conn.processNotifies(time.Second)
	require.Len(t, notifications, 1)
	assert.Equal(t, "channel1", notifications[0].Channel)
	assert.Equal(t, "payload", notifications[0].Payload)
}

func driveQueryWithNotification(b *mock.Backend) error {
	if err := expectMessage(b, types.ClientParse); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientDescribe); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerParseComplete); err != nil {
		return err
	}
	if err := writeParameterDescription(b); err != nil {
		return err
	}
	if err := writeRowDescriptionOneIntColumn(b); err != nil {
		return err
	}
	if err := b.WriteMessage(types.ServerReady, []byte{'I'}); err != nil {
		return err
	}

	if err := expectMessage(b, types.ClientBind); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientDescribe); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientExecute); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientClose); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerBindComplete); err != nil {
		return err
	}
	if err := writeRowDescriptionOneIntColumn(b); err != nil {
		return err
	}

	notifyBody := make([]byte, 0, 32)
	notifyBody = binary.BigEndian.AppendUint32(notifyBody, 4242)
	notifyBody = append(notifyBody, "channel1"...)
	notifyBody = append(notifyBody, 0)
	notifyBody = append(notifyBody, "payload"...)
	notifyBody = append(notifyBody, 0)
	if err := b.WriteMessage(types.ServerNotificationResponse, notifyBody); err != nil {
		return err
	}

	if err := writeIntDataRow(b, 1); err != nil {
		return err
	}
	if err := writeCommandComplete(b, "SELECT 1"); err != nil {
		return err
	}
	if err := writeEmptyMessage(b, types.ServerCloseComplete); err != nil {
		return err
	}
	return b.WriteMessage(types.ServerReady, []byte{'I'})
}

// TestConnExecDetectsSilentRollback proves a logical COMMIT that the backend
// answers with a "ROLLBACK" tag (because an earlier statement in the same
// transaction had already failed) surfaces as an *InFailedTransactionError
// instead of looking like a successful commit.
func TestConnExecDetectsSilentRollback(t *testing.T) {
	t.Parallel()

	conn, backend := newTestConn(t)
	conn.setTxState(TxStateFailed)
	conn.recordTxFailCause(&rserr.Error{Message: "duplicate key value"})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- driveExecNoRows(backend, "ROLLBACK")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tag, err := conn.Exec(ctx, "COMMIT")
	require.Equal(t, "ROLLBACK", tag)
	require.Error(t, err)

	var silentErr *InFailedTransactionError
	require.ErrorAs(t, err, &silentErr)
	assert.Contains(t, silentErr.Cause.Error(), "duplicate key value")
	require.NoError(t, <-serverErr)
}

// TestConnQueryFlaggedForwardCursorFetch proves a FORWARD_CURSOR query that
// comes back PortalSuspended can be resumed with Cursor.Fetch, and that a
// second Fetch reaching CommandComplete reports the result as no longer
// suspended.
func TestConnQueryFlaggedForwardCursorFetch(t *testing.T) {
	t.Parallel()

	conn, backend := newTestConn(t)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- driveForwardCursorQuery(backend)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ring, _, cur, err := conn.QueryFlagged(ctx, "SELECT n FROM big_table", nil, 0, 2, FlagForwardCursor)
	require.NoError(t, err)
	require.NotNil(t, cur)

	drain(t, ctx, ring)
	assert.True(t, ring.Suspended())

	ring2, err := cur.Fetch(ctx, 2)
	require.NoError(t, err)
	drain(t, ctx, ring2)
	assert.False(t, ring2.Suspended())
	assert.Equal(t, "SELECT 3", ring2.FinalTag())

	require.NoError(t, cur.Close(ctx))
	require.NoError(t, <-serverErr)
}

func drain(t *testing.T, ctx context.Context, ring *RowRing) {
	t.Helper()
	for {
		tuple, err := ring.Next(ctx)
		require.NoError(t, err)
		if tuple == nil {
			return
		}
	}
}

func driveForwardCursorQuery(b *mock.Backend) error {
	if err := expectMessage(b, types.ClientParse); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientDescribe); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerParseComplete); err != nil {
		return err
	}
	if err := writeParameterDescription(b); err != nil {
		return err
	}
	if err := writeRowDescriptionOneIntColumn(b); err != nil {
		return err
	}
	if err := b.WriteMessage(types.ServerReady, []byte{'I'}); err != nil {
		return err
	}

	// First Execute(fetchSize=2): Bind, Describe(Portal), Execute, Sync — no
	// Close(Portal), since FlagForwardCursor keeps it open.
	if err := expectMessage(b, types.ClientBind); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientDescribe); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientExecute); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeEmptyMessage(b, types.ServerBindComplete); err != nil {
		return err
	}
	if err := writeRowDescriptionOneIntColumn(b); err != nil {
		return err
	}
	if err := writeIntDataRow(b, 1); err != nil {
		return err
	}
	if err := writeIntDataRow(b, 2); err != nil {
		return err
	}
	if err := writeEmptyMessage(b, types.ServerPortalSuspended); err != nil {
		return err
	}
	if err := b.WriteMessage(types.ServerReady, []byte{'I'}); err != nil {
		return err
	}

	// Cursor.Fetch resumes with a plain Execute + Sync against the same
	// still-open portal.
	if err := expectMessage(b, types.ClientExecute); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}

	if err := writeIntDataRow(b, 3); err != nil {
		return err
	}
	if err := writeCommandComplete(b, "SELECT 3"); err != nil {
		return err
	}
	if err := b.WriteMessage(types.ServerReady, []byte{'I'}); err != nil {
		return err
	}

	// Cursor.Close: Close(Portal) + Sync.
	if err := expectMessage(b, types.ClientClose); err != nil {
		return err
	}
	if err := expectMessage(b, types.ClientSync); err != nil {
		return err
	}
	if err := writeEmptyMessage(b, types.ServerCloseComplete); err != nil {
		return err
	}
	return b.WriteMessage(types.ServerReady, []byte{'I'})
}
