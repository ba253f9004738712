package wire

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type ctxKey int

const (
	ctxTypeInfo ctxKey = iota
	ctxServerParameters
)

// setTypeInfo attaches the connection's type map to the context.
func setTypeInfo(ctx context.Context, info *pgtype.Map) context.Context {
	return context.WithValue(ctx, ctxTypeInfo, info)
}

// TypeInfo returns the Postgres type map registered on the given context, if any.
func TypeInfo(ctx context.Context) *pgtype.Map {
	val := ctx.Value(ctxTypeInfo)
	if val == nil {
		return nil
	}

	return val.(*pgtype.Map)
}

// Parameters represents a collection of server/connection parameter status
// keys and their values, as announced by ParameterStatus ('S') messages.
type Parameters map[ParameterStatus]string

// ParameterStatus represents a metadata key announced by the backend.
// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-ASYNC
type ParameterStatus string

const (
	ParamServerEncoding       ParameterStatus = "server_encoding"
	ParamClientEncoding       ParameterStatus = "client_encoding"
	ParamIsSuperuser          ParameterStatus = "is_superuser"
	ParamSessionAuthorization ParameterStatus = "session_authorization"
	ParamApplicationName      ParameterStatus = "application_name"
	ParamDatabase             ParameterStatus = "database"
	ParamUsername             ParameterStatus = "user"
	ParamServerVersion        ParameterStatus = "server_version"
	ParamTimeZone             ParameterStatus = "TimeZone"
	ParamStandardConformingStrings ParameterStatus = "standard_conforming_strings"
)

func setServerParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxServerParameters, params)
}

// ServerParameters returns the connection parameters announced by the
// backend during startup, if present on the context.
func ServerParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxServerParameters)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// TxStatus represents the transaction status byte carried by ReadyForQuery.
type TxStatus byte

const (
	TxIdle     TxStatus = 'I'
	TxInBlock  TxStatus = 'T'
	TxFailed   TxStatus = 'E'
)

func (s TxStatus) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxInBlock:
		return "in-transaction"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}
