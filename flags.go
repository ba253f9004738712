package wire

// ExecFlags is a bit-set of per-statement execution hints, analogous to
// libpq's PQexecParams-adjacent flag arguments bundled into one value so
// Query/Exec's callers don't have to grow a new positional parameter every
// time the executor gains another knob.
type ExecFlags uint32

const (
	// FlagOneshot skips the prepared-statement cache entirely: Parse is
	// sent with an unnamed statement and never cached, for one-off SQL a
	// caller knows it will never repeat.
	FlagOneshot ExecFlags = 1 << iota
	// FlagNoMetadata skips Describe(Portal)/Describe(Statement) when the
	// caller already knows the result shape (e.g. a repeated query against
	// a cached statement) and wants to avoid the extra round-trip latency
	// of waiting for RowDescription.
	FlagNoMetadata
	// FlagNoResults tells the executor the caller will discard any rows,
	// capping the effective row budget at 1 so the backend does the least
	// work possible while still reporting whether rows would exist.
	FlagNoResults
	// FlagForwardCursor requests a cursor whose rows are fetched in bounded
	// chunks (fetchSize) rather than all at once, surfacing
	// ExecuteResult.Suspended and requiring a Cursor to retrieve further
	// chunks with Fetch.
	FlagForwardCursor
	// FlagSuppressBegin skips the implicit BEGIN the executor would
	// otherwise send before a statement run outside of any open
	// transaction, for callers managing transaction boundaries themselves
	// via explicit SQL.
	FlagSuppressBegin
	// FlagDescribeOnly sends Parse+Describe and returns the resulting
	// PreparedStatement without ever Binding or Executing it.
	FlagDescribeOnly
	// FlagBothRowsAndStatus asks the executor to retain the completion tag
	// alongside a streamed row set rather than discarding it once rows
	// start arriving (the default when wantRows is set).
	FlagBothRowsAndStatus
	// FlagForceDescribePortal sends Describe(Portal) even when the cached
	// PreparedStatement already carries column metadata, for statements
	// whose result shape can vary with the bound parameter values.
	FlagForceDescribePortal
	// FlagNoBinaryTransfer forces text format for every result column,
	// overriding any binary-format negotiation this driver would otherwise
	// prefer for fixed-width types.
	FlagNoBinaryTransfer
	// FlagExecuteAsSimple routes the statement through the simple query
	// sub-protocol instead of the extended one, for SQL that embeds
	// multiple semicolon-separated statements (which Parse/Bind cannot
	// express — the extended protocol parses exactly one statement).
	FlagExecuteAsSimple
	// FlagReadOnlyHint annotates the request as read-only for connection
	// poolers and read-replica routers that inspect it; it has no effect
	// on this driver's own wire behavior.
	FlagReadOnlyHint
)

// Has reports whether every bit set in want is also set in flags.
func (flags ExecFlags) Has(want ExecFlags) bool {
	return flags&want == want
}

// computeRowBudget derives the maxRows value to send on Execute from flags,
// the caller-supplied maxRows (0 meaning "no limit"), and fetchSize (the
// chunk size for a forward cursor). FlagNoResults always wins: the backend
// need not produce more than one row to prove rows would exist. Otherwise a
// forward cursor is bounded by fetchSize so the backend has a chance to
// reply PortalSuspended instead of streaming the whole result in one reply;
// any other case passes maxRows through unchanged.
func computeRowBudget(flags ExecFlags, maxRows uint32, fetchSize uint32) uint32 {
	switch {
	case flags.Has(FlagNoResults):
		return 1
	case flags.Has(FlagForwardCursor):
		if fetchSize == 0 {
			return DefaultFetchSize
		}
		return fetchSize
	default:
		return maxRows
	}
}

// DefaultFetchSize is the forward-cursor chunk size used when a caller sets
// FlagForwardCursor without specifying an explicit fetchSize.
const DefaultFetchSize = 1000
