package oidname

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
)

func TestLookupKnownOID(t *testing.T) {
	t.Parallel()

	name, ok := Lookup(pgtype.Int4OID)
	assert.True(t, ok)
	assert.Equal(t, "int4", name)
}

func TestLookupUnknownOID(t *testing.T) {
	t.Parallel()

	_, ok := Lookup(999999)
	assert.False(t, ok)
}

func TestStringKnownOID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "varchar", String(pgtype.VarcharOID))
	assert.Equal(t, "numeric", String(pgtype.NumericOID))
}

func TestStringUnknownOIDFallsBackToOidForm(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "oid:424242", String(424242))
}
