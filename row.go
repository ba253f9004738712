package wire

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/redshiftdb/rswire/internal/oidname"
	"github.com/redshiftdb/rswire/pkg/buffer"
)

// FieldDescriptor describes a single result column, decoded from a
// RowDescription message. When the connection has negotiated
// server_protocol_version >= 1 the extended Redshift fields (schema, table,
// catalog names and the nullable/autoincrement/readonly/searchable/
// case-sensitive bits) are populated; otherwise they are left at their zero
// values.
type FieldDescriptor struct {
	Name         string
	TableOid     oid.Oid
	AttrNo       int16
	DataTypeOid  oid.Oid
	DataTypeSize int16
	TypeModifier int32
	Format       FormatCode

	// Redshift extended metadata, populated only when negotiated.
	SchemaName      string
	TableName       string
	CatalogName     string
	IsNullable      bool
	IsAutoIncrement bool
	IsReadOnly      bool
	IsSearchable    bool
	IsCaseSensitive bool
}

// TypeName returns the field's SQL type name (e.g. "int4", "varchar") for
// logging and error messages, falling back to "oid:<n>" for types this
// driver's pgtype.Map has no registered codec for.
func (field FieldDescriptor) TypeName() string {
	return oidname.String(uint32(field.DataTypeOid))
}

// FieldDescriptors is the ordered column list carried by a RowDescription.
type FieldDescriptors []FieldDescriptor

// ReadRowDescription decodes a RowDescription ('T') message body. extended
// selects whether the Redshift per-column metadata block follows the base
// fields, per the negotiated server_protocol_version.
func ReadRowDescription(reader *buffer.Reader, extended bool) (FieldDescriptors, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	fields := make(FieldDescriptors, count)
	for i := range fields {
		name, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		tableOid, err := reader.GetUint32()
		if err != nil {
			return nil, err
		}

		attrNo, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		dataTypeOid, err := reader.GetUint32()
		if err != nil {
			return nil, err
		}

		dataTypeSize, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		typeModifier, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}

		format, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		field := FieldDescriptor{
			Name:         name,
			TableOid:     oid.Oid(tableOid),
			AttrNo:       int16(attrNo),
			DataTypeOid:  oid.Oid(dataTypeOid),
			DataTypeSize: int16(dataTypeSize),
			TypeModifier: typeModifier,
			Format:       FormatCode(format),
		}

		if extended {
			if err := field.readExtended(reader); err != nil {
				return nil, err
			}
		}

		fields[i] = field
	}

	return fields, nil
}

func (field *FieldDescriptor) readExtended(reader *buffer.Reader) error {
	var err error
	if field.SchemaName, err = reader.GetString(); err != nil {
		return err
	}
	if field.TableName, err = reader.GetString(); err != nil {
		return err
	}
	if field.CatalogName, err = reader.GetString(); err != nil {
		return err
	}

	flags, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	b := flags[0]
	field.IsNullable = b&0x01 != 0
	field.IsAutoIncrement = b&0x02 != 0
	field.IsReadOnly = b&0x04 != 0
	field.IsSearchable = b&0x08 != 0
	field.IsCaseSensitive = b&0x10 != 0
	return nil
}

// Tuple is a single decoded DataRow: one Go value per field, nil for SQL
// NULL. Decoding uses the connection's pgtype.Map so both text and binary
// format codes are handled uniformly.
type Tuple []any

// ReadDataRow decodes a DataRow ('D') message body into a Tuple, using the
// given field descriptors (column count/format/OID) and type map to decode
// each column value.
func ReadDataRow(ctx context.Context, reader *buffer.Reader, fields FieldDescriptors, typeMap *pgtype.Map) (Tuple, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	if int(count) != len(fields) {
		return nil, fmt.Errorf("data row has %d columns, row description declared %d", count, len(fields))
	}

	tuple := make(Tuple, count)
	for i, field := range fields {
		length, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}

		if length == -1 {
			tuple[i] = nil
			continue
		}

		raw, err := reader.GetBytes(int(length))
		if err != nil {
			return nil, err
		}

		value, err := decodeValue(typeMap, field, raw)
		if err != nil {
			return nil, err
		}

		tuple[i] = value
	}

	return tuple, nil
}

// decodeValue decodes a single column's raw wire bytes using the registered
// codec for its OID/format; unregistered OIDs fall back to returning the raw
// bytes (or string, for text format) unchanged, so unknown Redshift-specific
// types never abort decoding of the rest of the row.
func decodeValue(m *pgtype.Map, field FieldDescriptor, raw []byte) (any, error) {
	format := int16(field.Format)

	if _, has := m.TypeForOID(uint32(field.DataTypeOid)); !has {
		if format == int16(TextFormat) {
			return string(raw), nil
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return cp, nil
	}

	return m.DecodeValue(uint32(field.DataTypeOid), format, raw)
}
