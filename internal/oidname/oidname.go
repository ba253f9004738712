// Package oidname maps well-known PostgreSQL/Redshift type OIDs to their SQL
// type names, for logging and error messages that mention a column's type.
// The table is built once from jackc/pgx/v5/pgtype's registered built-in
// types rather than hand-maintained, so it stays in sync with whatever
// OID/name pairs the driver's own value-decoding already relies on.
package oidname

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// wellKnownOIDs lists the built-in OIDs a Postgres/Redshift result set
// commonly reports. pgtype.Map has no enumeration API, so the table is
// built by looking each of these up rather than scanning the OID space.
var wellKnownOIDs = []uint32{
	pgtype.BoolOID,
	pgtype.ByteaOID,
	pgtype.NameOID,
	pgtype.Int8OID,
	pgtype.Int2OID,
	pgtype.Int4OID,
	pgtype.TextOID,
	pgtype.OIDOID,
	pgtype.XIDOID,
	pgtype.JSONOID,
	pgtype.JSONBOID,
	pgtype.PointOID,
	pgtype.Float4OID,
	pgtype.Float8OID,
	pgtype.UnknownOID,
	pgtype.BPCharOID,
	pgtype.VarcharOID,
	pgtype.DateOID,
	pgtype.TimeOID,
	pgtype.TimestampOID,
	pgtype.TimestampOID,
	pgtype.TimestamptzOID,
	pgtype.IntervalOID,
	pgtype.NumericOID,
	pgtype.UUIDOID,
	pgtype.BoolArrayOID,
	pgtype.Int2ArrayOID,
	pgtype.Int4ArrayOID,
	pgtype.Int8ArrayOID,
	pgtype.TextArrayOID,
	pgtype.VarcharArrayOID,
	pgtype.Float4ArrayOID,
	pgtype.Float8ArrayOID,
}

var names = buildTable()

func buildTable() map[uint32]string {
	m := pgtype.NewMap()
	table := make(map[uint32]string, len(wellKnownOIDs))
	for _, oid := range wellKnownOIDs {
		if t, ok := m.TypeForOID(oid); ok {
			table[oid] = t.Name
		}
	}
	return table
}

// Lookup returns the SQL type name registered for oid (e.g. "int4",
// "varchar"), and false when oid has no known mapping — a Redshift-only or
// otherwise unregistered type.
func Lookup(oid uint32) (string, bool) {
	name, ok := names[oid]
	return name, ok
}

// String returns a printable type name for oid: its registered SQL name, or
// "oid:<n>" when unknown.
func String(oid uint32) string {
	if name, ok := names[oid]; ok {
		return name
	}
	return fmt.Sprintf("oid:%d", oid)
}
