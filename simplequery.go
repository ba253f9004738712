package wire

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redshiftdb/rswire/pkg/types"
)

// simpleExec runs sql through the simple query ('Q') sub-protocol: no
// Parse/Bind/Describe, a single round trip, all result columns in text
// format. The backend executes every statement sql contains and replies
// with one CommandComplete per statement, followed by a final
// ReadyForQuery. This is what the executor uses for its own bookkeeping
// (SAVEPOINT, ROLLBACK TO SAVEPOINT, SET, BEGIN/COMMIT) where no
// parameters are involved, and what SimpleQuery exposes to callers who
// don't need prepared-statement reuse or bind parameters.
func (c *Conn) simpleExec(ctx context.Context, sql string) error {
	_, err := c.SimpleQuery(ctx, sql)
	return err
}

// SimpleQuery runs sql via the simple query sub-protocol and returns the
// last CommandComplete tag seen, along with any rows produced by the last
// statement (earlier statements' rows, if sql contains more than one
// semicolon-separated statement, are drained and discarded — the simple
// query protocol gives the client no way to address them individually).
func (c *Conn) SimpleQuery(ctx context.Context, sql string) (*ExecuteResult, error) {
	c.writer.Start(types.ClientSimpleQuery)
	c.writer.AddString(sql)
	c.writer.AddNullTerminate()
	if err := c.writer.End(); err != nil {
		return nil, err
	}

	var fields FieldDescriptors
	var ring *RowRing
	var tag string
	var firstErr error

	for {
		t, _, err := c.reader.ReadTypedMsg()
		if err != nil {
			return nil, err
		}

		switch t {
		case types.ServerRowDescription:
			_, extended := c.cfg.RuntimeParams["server_protocol_version"]
			fields, err = ReadRowDescription(c.reader, extended)
			if err != nil {
				return nil, err
			}
			ring = NewRowRing(RingCountBounded, DefaultRingCapacity)

		case types.ServerDataRow:
			tuple, err := ReadDataRow(ctx, c.reader, fields, c.types)
			if err != nil {
				return nil, err
			}
			if ring == nil {
				ring = NewRowRing(RingCountBounded, DefaultRingCapacity)
			}
			if err := ring.produce(ctx, tuple); err != nil {
				return nil, err
			}

		case types.ServerCommandComplete:
			tagVal, err := c.reader.GetString()
			if err != nil {
				return nil, err
			}
			tag = tagVal
			c.maybeInvalidateCache(tag)
			if ring != nil {
				ring.setTag(tag)
				ring.closeWithError(nil)
			}

		case types.ServerEmptyQuery:
			// no-op: an empty statement produces neither rows nor a tag.

		case types.ServerCloseComplete:
			// not expected on this path today, but harmless if ever seen.

		case types.ServerNotificationResponse:
			pid, err := c.reader.GetInt32()
			if err != nil {
				return nil, err
			}
			channel, err := c.reader.GetString()
			if err != nil {
				return nil, err
			}
			payload, err := c.reader.GetString()
			if err != nil {
				return nil, err
			}
			c.deliverNotification(Notification{PID: pid, Channel: channel, Payload: payload})

		case types.ServerErrorResponse:
			desc, err := parseErrorFields(c.reader)
			if err != nil {
				return nil, err
			}
			if firstErr == nil {
				firstErr = desc
			}
			c.recordTxFailCause(desc)
			if ring != nil {
				ring.closeWithError(desc)
			}

		case types.ServerNoticeResponse:
			desc, err := parseErrorFields(c.reader)
			if err != nil {
				return nil, err
			}
			c.logger.Warn("notice from server", slog.String("message", desc.Message))

		case types.ServerParameterStatus:
			key, err := c.reader.GetString()
			if err != nil {
				return nil, err
			}
			value, err := c.reader.GetString()
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			if c.serverParams == nil {
				c.serverParams = Parameters{}
			}
			c.serverParams[ParameterStatus(key)] = value
			c.mu.Unlock()

		case types.ServerReady:
			b, err := c.reader.GetBytes(1)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.txStatus = TxStatus(b[0])
			c.mu.Unlock()
			c.setTxStateFromStatus()

			return &ExecuteResult{Ring: ring, Tag: tag}, firstErr

		default:
			return nil, fmt.Errorf("unexpected message %s during simple query cycle", t)
		}
	}
}
