package wire

import "github.com/lib/pq/oid"

// Parameter represents a single bind parameter sent to the backend as part
// of an Execute request: its wire format (text/binary), the object ID the
// backend should interpret it as, and its encoded bytes. A nil Value
// encodes as a SQL NULL.
type Parameter struct {
	format FormatCode
	oid    oid.Oid
	value  []byte
}

// NewParameter constructs a parameter with an explicit format and OID.
func NewParameter(format FormatCode, typ oid.Oid, value []byte) Parameter {
	return Parameter{
		format: format,
		oid:    typ,
		value:  value,
	}
}

// NewTextParameter constructs a text-format parameter for an untyped value,
// equivalent to what lib/pq sends when the caller does not pre-declare
// parameter types.
func NewTextParameter(value []byte) Parameter {
	return Parameter{format: TextFormat, value: value}
}

func (p Parameter) Format() FormatCode { return p.format }
func (p Parameter) Oid() oid.Oid       { return p.oid }
func (p Parameter) Value() []byte      { return p.value }
func (p Parameter) IsNull() bool       { return p.value == nil }
