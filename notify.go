package wire

import (
	"context"
	"log/slog"
	"time"
)

// notificationBufferSize bounds how many async NOTIFY messages the
// connection holds before new ones are dropped. A backend delivering
// notifications faster than the application drains them indicates the
// application isn't interested in keeping up; dropping (with a logged
// warning) bounds memory instead of letting the buffer grow unboundedly or
// blocking the reader goroutine on an inattentive consumer.
const notificationBufferSize = 1024

// Notification is one asynchronous NOTIFY delivered by the backend,
// independent of any statement the connection happens to be running.
type Notification struct {
	PID     int32
	Channel string
	Payload string
}

// deliverNotification is called from the response-cycle reader whenever a
// NotificationResponse arrives. It never blocks the reader and never treats
// the message as an error: per the extended query protocol, NOTIFY can
// arrive at any time, interleaved with any other server message, and must
// be deferred rather than interpreted as part of whatever request is
// in flight.
func (c *Conn) deliverNotification(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Warn("dropping notification, buffer full",
			slog.String("channel", n.Channel), slog.Int("pid", int(n.PID)))
	}
}

// processNotifies drains every notification already buffered, then — if
// none were buffered and timeout is positive — waits up to timeout for one
// more to arrive before giving up. It never reads from the socket directly;
// notifications only ever reach the buffer via a response cycle's reader
// (synchronous or the background streaming goroutine), so this is safe to
// call at any time, including while another operation is in flight.
func (c *Conn) processNotifies(timeout time.Duration) []Notification {
	var drained []Notification

	for {
		select {
		case n := <-c.notifications:
			drained = append(drained, n)
			continue
		default:
		}
		break
	}

	if len(drained) > 0 || timeout <= 0 {
		return drained
	}

	select {
	case n := <-c.notifications:
		return append(drained, n)
	case <-time.After(timeout):
		return drained
	}
}

// WaitForNotification blocks until a NOTIFY arrives, ctx is cancelled, or
// the connection is closed, whichever happens first. Unlike processNotifies
// it can wait indefinitely (a caller supplies the deadline via ctx),
// matching pgx.PgConn.WaitForNotification's role as the blocking primitive
// LISTEN-based applications build their event loop around.
func (c *Conn) WaitForNotification(ctx context.Context) (*Notification, error) {
	select {
	case n := <-c.notifications:
		return &n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closedSignal():
		return nil, ErrConnClosed
	}
}
