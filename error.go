package wire

import (
	"strconv"

	"github.com/redshiftdb/rswire/codes"
	rserr "github.com/redshiftdb/rswire/errors"
	"github.com/redshiftdb/rswire/pkg/buffer"
)

// errFieldType represents the error/notice field type tags.
// http://www.postgresql.org/docs/current/static/protocol-error-fields.html
type errFieldType byte

const (
	errFieldSeverity       errFieldType = 'S'
	errFieldMsgPrimary     errFieldType = 'M'
	errFieldSQLState       errFieldType = 'C'
	errFieldDetail         errFieldType = 'D'
	errFieldHint           errFieldType = 'H'
	errFieldSrcFile        errFieldType = 'F'
	errFieldSrcLine        errFieldType = 'L'
	errFieldSrcFunction    errFieldType = 'R'
	errFieldConstraintName errFieldType = 'n'
)

// parseErrorFields decodes the body of an ErrorResponse ('E') or
// NoticeResponse ('N') message — a sequence of (byte tag, NUL-terminated
// string) fields, itself terminated by a zero byte — into a structured
// *rserr.Error. This is the client-side mirror of the teacher's ErrorCode,
// which encodes an *rserr.Error into the wire format this function decodes.
func parseErrorFields(reader *buffer.Reader) (*rserr.Error, error) {
	desc := &rserr.Error{}

	for {
		tag, err := reader.GetBytes(1)
		if err != nil {
			return nil, err
		}

		if tag[0] == 0 {
			break
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		switch errFieldType(tag[0]) {
		case errFieldSeverity:
			desc.Severity = rserr.Severity(value)
		case errFieldSQLState:
			desc.Code = codes.Code(value)
		case errFieldMsgPrimary:
			desc.Message = value
		case errFieldDetail:
			desc.Detail = value
		case errFieldHint:
			desc.Hint = value
		case errFieldConstraintName:
			desc.ConstraintName = value
		case errFieldSrcFile:
			desc.Source = ensureSource(desc.Source)
			desc.Source.File = value
		case errFieldSrcLine:
			desc.Source = ensureSource(desc.Source)
			if line, err := strconv.ParseInt(value, 10, 32); err == nil {
				desc.Source.Line = int32(line)
			}
		case errFieldSrcFunction:
			desc.Source = ensureSource(desc.Source)
			desc.Source.Function = value
		}
	}

	return desc, nil
}

func ensureSource(src *rserr.Source) *rserr.Source {
	if src == nil {
		return &rserr.Source{}
	}
	return src
}
