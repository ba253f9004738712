package wire

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
)

// CopySignature is the 11-byte signature every binary COPY stream starts
// with, followed by a 4-byte flags field and a 4-byte header-extension
// length (both zero, for a stream with no extension data).
// https://www.postgresql.org/docs/current/sql-copy.html#id-1.9.3.55.9.4
var CopySignature = []byte("PGCOPY\n\377\r\n\000")

// CopyIn represents an in-progress COPY ... FROM STDIN upload. Construct
// one with Conn.CopyIn.
type CopyIn struct {
	conn          *Conn
	binary        bool
	columnFormats []FormatCode
	wroteHeader   bool
}

// CopyIn starts a COPY ... FROM STDIN upload: it sends sql (which must be a
// COPY ... FROM STDIN statement) and waits for the backend's
// CopyInResponse before returning a CopyIn the caller writes rows or raw
// chunks to.
func (c *Conn) CopyIn(ctx context.Context, sql string) (*CopyIn, error) {
	c.writer.Start(types.ClientSimpleQuery)
	c.writer.AddString(sql)
	c.writer.AddNullTerminate()
	if err := c.writer.End(); err != nil {
		return nil, err
	}

	for {
		t, _, err := c.reader.ReadTypedMsg()
		if err != nil {
			return nil, err
		}

		switch t {
		case types.ServerCopyInResponse:
			overall, formats, err := readCopyResponse(c.reader)
			if err != nil {
				return nil, err
			}
			return &CopyIn{conn: c, binary: overall == BinaryFormat, columnFormats: formats}, nil

		case types.ServerErrorResponse:
			desc, err := parseErrorFields(c.reader)
			if err != nil {
				return nil, err
			}
			return nil, desc

		case types.ServerNoticeResponse:
			desc, err := parseErrorFields(c.reader)
			if err != nil {
				return nil, err
			}
			c.logger.Warn("notice from server", slog.String("message", desc.Message))

		case types.ServerReady:
			if _, err := c.reader.GetBytes(1); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("backend did not enter copy-in mode for statement %q", sql)

		default:
			return nil, fmt.Errorf("unexpected message %s while starting COPY FROM STDIN", t)
		}
	}
}

func readCopyResponse(reader *buffer.Reader) (FormatCode, []FormatCode, error) {
	overall, err := reader.GetBytes(1)
	if err != nil {
		return 0, nil, err
	}

	count, err := reader.GetUint16()
	if err != nil {
		return 0, nil, err
	}

	formats := make([]FormatCode, count)
	for i := range formats {
		f, err := reader.GetUint16()
		if err != nil {
			return 0, nil, err
		}
		formats[i] = FormatCode(f)
	}

	return FormatCode(overall[0]), formats, nil
}

// WriteHeader writes the binary-copy signature and empty header extension.
// Only meaningful (and only needs calling) when the COPY was negotiated as
// binary; callers doing a text/CSV COPY should use WriteRaw directly.
func (ci *CopyIn) WriteHeader() error {
	if ci.wroteHeader || !ci.binary {
		return nil
	}
	ci.wroteHeader = true

	ci.conn.writer.Start(types.ClientCopyData)
	ci.conn.writer.AddBytes(CopySignature)
	ci.conn.writer.AddInt32(0) // flags
	ci.conn.writer.AddInt32(0) // header extension length
	return ci.conn.writer.End()
}

// WriteRow binary-encodes one row of already wire-ready values (as produced
// by the connection's pgtype codecs, matching the column formats the
// backend announced) and writes it as a CopyData message.
func (ci *CopyIn) WriteRow(values [][]byte) error {
	if err := ci.WriteHeader(); err != nil {
		return err
	}

	ci.conn.writer.Start(types.ClientCopyData)
	ci.conn.writer.AddInt16(int16(len(values)))
	for _, v := range values {
		if v == nil {
			ci.conn.writer.AddInt32(-1)
			continue
		}
		ci.conn.writer.AddInt32(int32(len(v)))
		ci.conn.writer.AddBytes(v)
	}
	return ci.conn.writer.End()
}

// WriteRaw writes data verbatim as a single CopyData message, the shape
// used for text/CSV-format COPY where the caller already has
// protocol-ready bytes (e.g. a CSV line with a trailing newline).
func (ci *CopyIn) WriteRaw(data []byte) error {
	ci.conn.writer.Start(types.ClientCopyData)
	ci.conn.writer.AddBytes(data)
	return ci.conn.writer.End()
}

// Close sends CopyDone, then reads until the backend's CommandComplete and
// ReadyForQuery, returning the completion tag.
func (ci *CopyIn) Close(ctx context.Context) (string, error) {
	if ci.binary {
		ci.conn.writer.Start(types.ClientCopyData)
		ci.conn.writer.AddInt16(-1) // binary-copy trailer
		if err := ci.conn.writer.End(); err != nil {
			return "", err
		}
	}

	ci.conn.writer.Start(types.ClientCopyDone)
	if err := ci.conn.writer.End(); err != nil {
		return "", err
	}

	return ci.drain(ctx)
}

// Abort sends CopyFail with reason, telling the backend to cancel the COPY
// and report reason as the resulting error.
func (ci *CopyIn) Abort(ctx context.Context, reason string) error {
	ci.conn.writer.Start(types.ClientCopyFail)
	ci.conn.writer.AddString(reason)
	ci.conn.writer.AddNullTerminate()
	if err := ci.conn.writer.End(); err != nil {
		return err
	}

	_, err := ci.drain(ctx)
	return err
}

func (ci *CopyIn) drain(ctx context.Context) (string, error) {
	var tag string
	var firstErr error

	for {
		t, _, err := ci.conn.reader.ReadTypedMsg()
		if err != nil {
			return "", err
		}

		switch t {
		case types.ServerCommandComplete:
			tag, err = ci.conn.reader.GetString()
			if err != nil {
				return "", err
			}

		case types.ServerErrorResponse:
			desc, err := parseErrorFields(ci.conn.reader)
			if err != nil {
				return "", err
			}
			if firstErr == nil {
				firstErr = desc
			}

		case types.ServerNoticeResponse:
			desc, err := parseErrorFields(ci.conn.reader)
			if err != nil {
				return "", err
			}
			ci.conn.logger.Warn("notice from server", slog.String("message", desc.Message))

		case types.ServerReady:
			b, err := ci.conn.reader.GetBytes(1)
			if err != nil {
				return "", err
			}
			ci.conn.mu.Lock()
			ci.conn.txStatus = TxStatus(b[0])
			ci.conn.mu.Unlock()
			ci.conn.setTxStateFromStatus()
			return tag, firstErr

		default:
			return "", fmt.Errorf("unexpected message %s while closing COPY FROM STDIN", t)
		}
	}
}

// CopyOut represents an in-progress COPY ... TO STDOUT download. Construct
// one with Conn.CopyOut.
type CopyOut struct {
	conn    *Conn
	done    bool
	tag     string
	lastErr error
}

// CopyOut starts a COPY ... TO STDOUT download: it sends sql and waits for
// the backend's CopyOutResponse before returning a CopyOut the caller reads
// row chunks from via Read.
func (c *Conn) CopyOut(ctx context.Context, sql string) (*CopyOut, error) {
	c.writer.Start(types.ClientSimpleQuery)
	c.writer.AddString(sql)
	c.writer.AddNullTerminate()
	if err := c.writer.End(); err != nil {
		return nil, err
	}

	for {
		t, _, err := c.reader.ReadTypedMsg()
		if err != nil {
			return nil, err
		}

		switch t {
		case types.ServerCopyOutResponse, types.ServerCopyBothResponse:
			if _, _, err := readCopyResponse(c.reader); err != nil {
				return nil, err
			}
			return &CopyOut{conn: c}, nil

		case types.ServerErrorResponse:
			desc, err := parseErrorFields(c.reader)
			if err != nil {
				return nil, err
			}
			return nil, desc

		case types.ServerReady:
			if _, err := c.reader.GetBytes(1); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("backend did not enter copy-out mode for statement %q", sql)

		default:
			return nil, fmt.Errorf("unexpected message %s while starting COPY TO STDOUT", t)
		}
	}
}

// Read returns the next CopyData chunk's raw bytes. It returns io.EOF, with
// nil bytes, once CopyDone and the subsequent CommandComplete/ReadyForQuery
// have been consumed.
func (co *CopyOut) Read(ctx context.Context) ([]byte, error) {
	if co.done {
		return nil, io.EOF
	}

	for {
		t, _, err := co.conn.reader.ReadTypedMsg()
		if err != nil {
			return nil, err
		}

		switch t {
		case types.ServerCopyData:
			return co.conn.reader.GetBytes(len(co.conn.reader.Msg))

		case types.ServerCopyDone:
			continue

		case types.ServerCommandComplete:
			co.tag, err = co.conn.reader.GetString()
			if err != nil {
				return nil, err
			}

		case types.ServerErrorResponse:
			desc, err := parseErrorFields(co.conn.reader)
			if err != nil {
				return nil, err
			}
			co.lastErr = desc

		case types.ServerReady:
			b, err := co.conn.reader.GetBytes(1)
			if err != nil {
				return nil, err
			}
			co.conn.mu.Lock()
			co.conn.txStatus = TxStatus(b[0])
			co.conn.mu.Unlock()
			co.conn.setTxStateFromStatus()
			co.done = true
			if co.lastErr != nil {
				return nil, co.lastErr
			}
			return nil, io.EOF

		default:
			return nil, fmt.Errorf("unexpected message %s during COPY TO STDOUT", t)
		}
	}
}

// Tag returns the completion tag reported once the COPY has fully drained.
func (co *CopyOut) Tag() string { return co.tag }
