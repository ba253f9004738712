package wire

import (
	"context"
	"errors"
)

// Cursor is a forward-only portal left open by a QueryFlagged call made with
// FlagForwardCursor: the backend suspended execution once the requested
// fetchSize was reached rather than completing, and the portal stays bound
// on the server until Fetch retrieves the next chunk or Close releases it.
type Cursor struct {
	conn   *Conn
	portal string
	fields FieldDescriptors

	closed bool
}

// Fields returns the cursor's result column descriptors, known since the
// originating QueryFlagged call's Describe(Portal).
func (cur *Cursor) Fields() FieldDescriptors {
	return cur.fields
}

// Fetch resumes the cursor, retrieving up to fetchSize more rows. Like
// Query, it returns a RowRing immediately and hands the rest of the response
// cycle to a background goroutine — RowRing.Suspended reports, once the
// returned ring is Done, whether the cursor can be fetched again or has run
// to completion.
func (cur *Cursor) Fetch(ctx context.Context, fetchSize uint32) (*RowRing, error) {
	if cur.closed {
		return nil, ErrCursorClosed
	}

	c := cur.conn
	c.ioMu.Lock()
	releaseLock := true
	defer func() {
		if releaseLock {
			c.ioMu.Unlock()
		}
	}()

	if fetchSize == 0 {
		fetchSize = DefaultFetchSize
	}

	queue := NewResponseQueue()
	ring := NewRowRing(RingCountBounded, DefaultRingCapacity)
	execEvent := NewExecuteEvent()
	execEvent.Result = &ExecuteResult{Ring: ring}
	execEvent.KnownFields = cur.fields

	if err := c.sendExecute(cur.portal, fetchSize); err != nil {
		ring.closeWithError(err)
		return nil, err
	}
	queue.Enqueue(execEvent)

	if err := c.sendSync(); err != nil {
		ring.closeWithError(err)
		return nil, err
	}

	releaseLock = false
	go c.streamResponses(ctx, queue, ring, "")

	return ring, nil
}

// Close releases the portal. It runs synchronously: a cursor is always
// closed between Fetch calls, never while one is in flight, so there is no
// streaming reader to hand the socket off to.
func (cur *Cursor) Close(ctx context.Context) error {
	if cur.closed {
		return nil
	}
	cur.closed = true

	c := cur.conn
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	queue := NewResponseQueue()
	if err := c.sendClosePortal(cur.portal); err != nil {
		return err
	}
	if err := c.sendSync(); err != nil {
		return err
	}

	_, err := c.readUntilReady(ctx, queue)
	return err
}

// ErrCursorClosed is returned by Fetch once Close has run.
var ErrCursorClosed = errors.New("cursor closed")
