package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	rserr "github.com/redshiftdb/rswire/errors"
	"github.com/redshiftdb/rswire/pkg/buffer"
	"github.com/redshiftdb/rswire/pkg/types"
)

// TxState is the executor's own view of transaction health, layered on top
// of the raw wire-level TxStatus reported by ReadyForQuery. It exists
// because a backend in TxInBlock can still be usable (a statement failed
// but was recovered via ROLLBACK TO SAVEPOINT) or unusable (the whole
// transaction is poisoned and every statement until the next ROLLBACK/COMMIT
// will be rejected) — a distinction ReadyForQuery's three bytes don't
// directly expose.
type TxState int

const (
	TxStateIdle TxState = iota
	TxStateOpen
	TxStateFailed
)

func (s TxState) String() string {
	switch s {
	case TxStateIdle:
		return "idle"
	case TxStateOpen:
		return "open"
	case TxStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// autosavePrefix names the savepoints the executor creates transparently
// before a statement run inside an open transaction, so a single failed
// statement can be recovered with ROLLBACK TO SAVEPOINT instead of forcing
// the caller to abort and retry the entire transaction. This mirrors the
// Redshift/Postgres JDBC drivers' autosave behavior.
const autosavePrefix = "rswire_autosave_"

// defaultDeadlockAvoidanceThreshold bounds how many estimated bytes of
// still-unread responses the executor will let accumulate before forcing a
// Flush. Without this, a client that pipelines many large Execute requests
// without reading results risks a mutual deadlock: the backend blocks
// writing its output because the client isn't reading, while the client
// blocks writing more requests because the backend isn't reading either,
// both sides' TCP buffers full.
const defaultDeadlockAvoidanceThreshold = 256 << 10 // 256KiB

// ErrConnClosed is returned by operations that block on server activity
// (e.g. WaitForNotification) when Close is called concurrently.
var ErrConnClosed = errors.New("connection closed")

// Conn is a single authenticated connection to a Postgres/Redshift backend,
// implementing the client side of the extended query protocol: prepared
// statement caching, request pipelining ahead of Sync, and transaction
// recovery via autosavepoints.
type Conn struct {
	cfg     *Config
	netConn net.Conn
	reader  *buffer.Reader
	writer  *buffer.Writer
	cache   *StatementCache
	types   *pgtype.Map
	logger  *slog.Logger

	pid, secret  int32
	serverParams Parameters

	// ioMu serializes access to the socket across whole response cycles: held
	// from the moment a pipeline is written until ReadyForQuery is consumed,
	// whether that happens on the caller's own goroutine (Exec) or on a
	// background reader goroutine this call hands off to (Query). This is
	// what makes "wait for any outstanding ring-buffer reader to finish
	// before starting a new query" true by construction instead of by
	// convention: a new operation simply blocks on the same mutex the prior
	// one's reader goroutine still holds.
	ioMu sync.Mutex

	mu                sync.Mutex
	txStatus          TxStatus
	txState           TxState
	savepointSeq      uint64
	stmtSeq           atomic.Uint64
	portalSeq         atomic.Uint64
	pendingStmtCloses []string // server-side names queued by cache eviction, flushed by prepare
	lastTxFailCause   error    // last ErrorResponse seen since the transaction went idle

	estimatedReceiveBytes int

	notifications chan Notification

	closed   bool
	closedCh chan struct{}
}

func newConn(cfg *Config, netConn net.Conn, reader *buffer.Reader, writer *buffer.Writer, pid, secret int32, params Parameters, status TxStatus) *Conn {
	c := &Conn{
		cfg:           cfg,
		netConn:       netConn,
		reader:        reader,
		writer:        writer,
		cache:         NewStatementCache(cfg.MaxCachedStatements, cfg.MaxCachedStatementBytes),
		types:         pgtype.NewMap(),
		logger:        cfg.Logger,
		pid:           pid,
		secret:        secret,
		serverParams:  params,
		txStatus:      status,
		notifications: make(chan Notification, notificationBufferSize),
		closedCh:      make(chan struct{}),
	}
	c.cache.SetEvictCallback(c.queueStatementClose)
	return c
}

// closedSignal returns a channel closed once Close has run, for select
// statements that need to unblock on connection shutdown.
func (c *Conn) closedSignal() <-chan struct{} {
	return c.closedCh
}

// queueStatementClose records name (a server-side prepared statement,
// evicted from the cache) so the next prepare call sends a CloseStatement
// for it ahead of its own Parse, instead of leaking the server-side
// statement for the rest of the connection's life.
func (c *Conn) queueStatementClose(name string) {
	c.mu.Lock()
	c.pendingStmtCloses = append(c.pendingStmtCloses, name)
	c.mu.Unlock()
}

// flushPendingCloses sends a Close(Statement) for every name queued by
// cache eviction since the last flush. The resulting CloseComplete replies
// are consumed by readUntilReady's no-op case, interleaved ahead of
// whichever replies the caller's own pipeline is waiting for — Postgres
// processes client messages strictly in arrival order, so prepending these
// doesn't disturb the FIFO matching the response queue relies on.
func (c *Conn) flushPendingCloses() error {
	c.mu.Lock()
	pending := c.pendingStmtCloses
	c.pendingStmtCloses = nil
	c.mu.Unlock()

	for _, name := range pending {
		if err := c.sendCloseStatement(name); err != nil {
			return err
		}
	}
	return nil
}

// ProcessID and SecretKey, together, identify this connection to a
// CancelRequest sent over a fresh connection.
func (c *Conn) ProcessID() int32 { return c.pid }
func (c *Conn) SecretKey() int32 { return c.secret }

func (c *Conn) nextStatementName() string {
	return fmt.Sprintf("rswire_stmt_%d", c.stmtSeq.Add(1))
}

func (c *Conn) nextPortalName() string {
	return fmt.Sprintf("rswire_portal_%d", c.portalSeq.Add(1))
}

// TxStatus reports the backend's last-reported transaction status byte.
func (c *Conn) TxStatus() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

// prepare resolves sql to a PreparedStatement, borrowing from the
// connection's StatementCache when an identical SQL text is already parsed
// under a cached name, and transparently Parse+Describe-ing it otherwise.
func (c *Conn) prepare(ctx context.Context, sql string) (*PreparedStatement, error) {
	if err := c.flushPendingCloses(); err != nil {
		return nil, err
	}

	if cached := c.cache.Borrow(sql); cached != nil {
		return cached, nil
	}

	name := c.nextStatementName()

	queue := NewResponseQueue()
	if err := c.sendParse(name, sql, nil); err != nil {
		return nil, err
	}
	queue.Enqueue(NewParseCompleteEvent())

	if err := c.sendDescribe(types.DescribeStatement, name); err != nil {
		return nil, err
	}
	queue.Enqueue(NewStmtDescribeEvent())

	if err := c.sendSync(); err != nil {
		return nil, err
	}

	events, err := c.readUntilReady(ctx, queue)
	if err != nil {
		return nil, err
	}

	var stmt *PreparedStatement
	for _, event := range events {
		if event.Kind == ResponseStmtDescribe {
			stmt = &PreparedStatement{
				Name:      name,
				SQL:       sql,
				ParamOids: oidsToUint32(event.ParamOids),
				Fields:    event.Fields,
			}
		}
	}

	if stmt == nil {
		return nil, errors.New("backend did not return a statement description for Parse")
	}

	c.cache.Put(sql, stmt)
	return stmt, nil
}

func oidsToUint32(oids []oid.Oid) []uint32 {
	out := make([]uint32, len(oids))
	for i, o := range oids {
		out[i] = uint32(o)
	}
	return out
}

// Exec runs sql to completion, discarding any result rows, and returns the
// backend's completion tag (e.g. "INSERT 0 1"). If sql was a logical COMMIT
// or PREPARE TRANSACTION and the backend silently rolled the transaction
// back instead (because an earlier statement had already poisoned it),
// Exec returns an *InFailedTransactionError alongside the "ROLLBACK" tag.
func (c *Conn) Exec(ctx context.Context, sql string, params ...Parameter) (string, error) {
	res, err := c.execute(ctx, sql, params, 0, false)
	if err != nil {
		return "", err
	}
	if silentErr := c.detectSilentRollback(sql, res.Tag); silentErr != nil {
		return res.Tag, silentErr
	}
	return res.Tag, nil
}

// Query runs sql and returns a RowRing the caller drains with Next, plus
// the result's column descriptors. A background goroutine owns the rest of
// the response cycle (reading DataRow/CommandComplete/ReadyForQuery off the
// wire and feeding the ring) from the moment Query returns, so a result
// larger than the ring's buffer drains normally instead of deadlocking
// against a caller that can't call Next until this call returns.
func (c *Conn) Query(ctx context.Context, sql string, params ...Parameter) (*RowRing, FieldDescriptors, error) {
	ring, fields, _, err := c.queryStreaming(ctx, sql, params, 0, 0, 0)
	return ring, fields, err
}

// QueryFlagged is Query with explicit ExecFlags and an effective row
// budget derived from maxRows/fetchSize (see computeRowBudget). When flags
// includes FlagForwardCursor, the returned Cursor is non-nil and the portal
// stays open — the result may arrive Suspended (check RowRing.Suspended
// once Done() fires) rather than complete, and the caller retrieves
// further chunks with Cursor.Fetch.
func (c *Conn) QueryFlagged(ctx context.Context, sql string, params []Parameter, maxRows, fetchSize uint32, flags ExecFlags) (*RowRing, FieldDescriptors, *Cursor, error) {
	ring, fields, portal, err := c.queryStreaming(ctx, sql, params, maxRows, fetchSize, flags)
	if err != nil {
		return nil, nil, nil, err
	}

	var cur *Cursor
	if flags.Has(FlagForwardCursor) {
		cur = &Cursor{conn: c, portal: portal, fields: fields}
	}
	return ring, fields, cur, nil
}

// execute runs the Parse(cached)/Bind/Describe/Execute/Sync cycle for one
// statement, applying an autosavepoint first if the connection is inside an
// open transaction, and recovering via ROLLBACK TO SAVEPOINT on a statement
// error so the surrounding transaction is not unconditionally poisoned.
// Holds ioMu for its whole duration: the entire cycle runs synchronously on
// the caller's own goroutine (no streaming reader to hand the socket off
// to), so the lock is acquired and released here in one place.
func (c *Conn) execute(ctx context.Context, sql string, params []Parameter, maxRows uint32, wantRows bool) (*ExecuteResult, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.detectSearchPathChange(sql)

	needsSavepoint := c.beginStatementCycle()

	var savepoint string
	if needsSavepoint {
		var err error
		savepoint, err = c.pushSavepoint(ctx)
		if err != nil {
			return nil, err
		}
	}

	res, err := c.executeOnce(ctx, sql, params, maxRows, wantRows)
	if err != nil && savepoint != "" && isRecoverableStatementError(err) {
		if rbErr := c.rollbackToSavepoint(ctx, savepoint); rbErr != nil {
			c.logger.Warn("failed to roll back to autosavepoint after statement error", slog.String("savepoint", savepoint), slog.Any("err", rbErr))
		} else {
			c.setTxState(TxStateOpen)
		}
	}

	return res, err
}

func (c *Conn) executeOnce(ctx context.Context, sql string, params []Parameter, maxRows uint32, wantRows bool) (*ExecuteResult, error) {
	stmt, err := c.prepare(ctx, sql)
	if err != nil {
		c.setTxState(TxStateFailed)
		return nil, err
	}

	portal := c.nextPortalName()
	queue := NewResponseQueue()

	if err := c.sendBind(portal, stmt.Name, params); err != nil {
		return nil, err
	}
	queue.Enqueue(NewBindCompleteEvent())

	if wantRows {
		if err := c.sendDescribe(types.DescribePortal, portal); err != nil {
			return nil, err
		}
		queue.Enqueue(NewPortalDescribeEvent())
	}

	execEvent := NewExecuteEvent()
	if err := c.sendExecute(portal, maxRows); err != nil {
		return nil, err
	}
	queue.Enqueue(execEvent)

	if err := c.sendClosePortal(portal); err != nil {
		return nil, err
	}

	if err := c.sendSync(); err != nil {
		return nil, err
	}

	events, err := c.readUntilReady(ctx, queue)
	if err != nil {
		c.setTxState(TxStateFailed)
		return nil, err
	}

	for _, event := range events {
		if event.Kind == ResponseExecute && event.Result != nil {
			c.setTxStateFromStatus()
			return event.Result, nil
		}
	}

	c.setTxStateFromStatus()
	return &ExecuteResult{}, nil
}

// queryStreaming is Query/QueryFlagged's shared implementation. It creates
// the RowRing and, when the portal's shape is known (from the cached
// PreparedStatement — Describe(Statement) already reported it during
// prepare), returns immediately with a background goroutine
// (streamResponses) left to drain the rest of the cycle into the ring.
// ioMu is acquired here and released by that goroutine, not by this
// function, so a second query on the same connection blocks until the
// first's reader has finished rather than racing it for the socket.
func (c *Conn) queryStreaming(ctx context.Context, sql string, params []Parameter, maxRows, fetchSize uint32, flags ExecFlags) (ring *RowRing, fields FieldDescriptors, portal string, err error) {
	c.ioMu.Lock()
	releaseLock := true
	defer func() {
		if releaseLock {
			c.ioMu.Unlock()
		}
	}()

	c.detectSearchPathChange(sql)

	needsSavepoint := c.beginStatementCycle()

	var savepoint string
	if needsSavepoint {
		savepoint, err = c.pushSavepoint(ctx)
		if err != nil {
			return nil, nil, "", err
		}
	}

	stmt, err := c.prepare(ctx, sql)
	if err != nil {
		c.setTxState(TxStateFailed)
		return nil, nil, "", err
	}

	portal = c.nextPortalName()
	queue := NewResponseQueue()

	if err = c.sendBind(portal, stmt.Name, params); err != nil {
		return nil, nil, "", err
	}
	queue.Enqueue(NewBindCompleteEvent())

	if err = c.sendDescribe(types.DescribePortal, portal); err != nil {
		return nil, nil, "", err
	}
	queue.Enqueue(NewPortalDescribeEvent())

	ring = NewRowRing(RingCountBounded, DefaultRingCapacity)
	execEvent := NewExecuteEvent()
	execEvent.Result = &ExecuteResult{Ring: ring}

	budget := computeRowBudget(flags, maxRows, fetchSize)
	if err = c.sendExecute(portal, budget); err != nil {
		ring.closeWithError(err)
		return nil, nil, "", err
	}
	queue.Enqueue(execEvent)

	if !flags.Has(FlagForwardCursor) {
		if err = c.sendClosePortal(portal); err != nil {
			ring.closeWithError(err)
			return nil, nil, "", err
		}
	}

	if err = c.sendSync(); err != nil {
		ring.closeWithError(err)
		return nil, nil, "", err
	}

	releaseLock = false
	go c.streamResponses(ctx, queue, ring, savepoint)

	return ring, stmt.Fields, portal, nil
}

// streamResponses runs on its own goroutine, handed ownership of the
// socket (via ioMu, acquired by the caller that spawned it) until
// ReadyForQuery arrives. It applies the same autosavepoint-recovery policy
// execute() applies synchronously; the difference is purely that the
// caller has already returned by the time any of this runs, so recovery
// can only be observed through the connection's own transaction state, not
// through a return value.
func (c *Conn) streamResponses(ctx context.Context, queue *ResponseQueue, ring *RowRing, savepoint string) {
	defer c.ioMu.Unlock()

	_, err := c.readUntilReady(ctx, queue)
	if err != nil {
		c.setTxState(TxStateFailed)
		ring.closeWithError(err)
		if savepoint != "" && isRecoverableStatementError(err) {
			if rbErr := c.rollbackToSavepoint(ctx, savepoint); rbErr != nil {
				c.logger.Warn("failed to roll back to autosavepoint after statement error", slog.String("savepoint", savepoint), slog.Any("err", rbErr))
			} else {
				c.setTxState(TxStateOpen)
			}
		}
		return
	}

	c.setTxStateFromStatus()
}

// BatchStatement is one statement within an ExecBatch call.
type BatchStatement struct {
	SQL    string
	Params []Parameter
}

// ExecBatch pipelines a whole slice of statements ahead of a single Sync:
// every Parse/Bind/Execute is written back-to-back, with a Flush forced
// whenever the estimated size of not-yet-read responses crosses
// defaultDeadlockAvoidanceThreshold, so a batch large enough to fill both
// sides' socket buffers can't wedge the connection with the backend
// blocked writing results the client hasn't started reading and the client
// blocked writing further requests the backend hasn't started reading.
func (c *Conn) ExecBatch(ctx context.Context, stmts []BatchStatement) ([]ExecuteResult, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	c.beginStatementCycle()

	queue := NewResponseQueue()
	events := make([]*ResponseEvent, 0, len(stmts))

	for _, b := range stmts {
		c.detectSearchPathChange(b.SQL)

		stmt, err := c.prepare(ctx, b.SQL)
		if err != nil {
			c.setTxState(TxStateFailed)
			return nil, err
		}

		portal := c.nextPortalName()
		if err := c.sendBind(portal, stmt.Name, b.Params); err != nil {
			return nil, err
		}
		queue.Enqueue(NewBindCompleteEvent())

		execEvent := NewExecuteEvent()
		if err := c.sendExecute(portal, 0); err != nil {
			return nil, err
		}
		queue.Enqueue(execEvent)
		events = append(events, execEvent)

		if err := c.sendClosePortal(portal); err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.estimatedReceiveBytes += len(b.SQL) + 64
		c.mu.Unlock()

		if err := c.maybeFlush(defaultDeadlockAvoidanceThreshold); err != nil {
			return nil, err
		}
	}

	if err := c.sendSync(); err != nil {
		return nil, err
	}

	if _, err := c.readUntilReady(ctx, queue); err != nil {
		c.setTxState(TxStateFailed)
		return nil, err
	}
	c.setTxStateFromStatus()

	results := make([]ExecuteResult, len(events))
	var silentErr error
	for i, event := range events {
		if event.Result != nil {
			results[i] = *event.Result
		}
		if silentErr == nil {
			if err := c.detectSilentRollback(stmts[i].SQL, results[i].Tag); err != nil {
				silentErr = err
			}
		}
	}
	return results, silentErr
}

// pushSavepoint issues SAVEPOINT <name> as a simple query and returns the
// savepoint name, or an error if the SAVEPOINT itself failed.
func (c *Conn) pushSavepoint(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.savepointSeq++
	name := fmt.Sprintf("%s%d", autosavePrefix, c.savepointSeq)
	c.mu.Unlock()

	if err := c.simpleExec(ctx, "SAVEPOINT "+name); err != nil {
		return "", fmt.Errorf("creating autosavepoint: %w", err)
	}
	return name, nil
}

func (c *Conn) rollbackToSavepoint(ctx context.Context, name string) error {
	return c.simpleExec(ctx, "ROLLBACK TO SAVEPOINT "+name)
}

// isRecoverableStatementError reports whether err represents an ordinary
// statement-level failure (a constraint violation, a syntax error, a
// type mismatch) as opposed to a connection-level failure, determining
// whether rolling back to the autosavepoint can restore a usable session.
func isRecoverableStatementError(err error) bool {
	var pgErr *rserr.Error
	if !errors.As(err, &pgErr) {
		return false
	}

	switch pgErr.Severity {
	case rserr.LevelFatal, rserr.LevelPanic:
		return false
	}

	// Connection-class SQLSTATEs (08xxx) indicate the link itself is gone;
	// no savepoint rollback can recover from those.
	if strings.HasPrefix(string(pgErr.Code), "08") {
		return false
	}

	return true
}

func (c *Conn) setTxState(state TxState) {
	c.mu.Lock()
	c.txState = state
	c.mu.Unlock()
}

// beginStatementCycle reports whether a fresh autosavepoint is needed (the
// connection is inside an already-open transaction) and, if the connection
// is currently idle, clears lastTxFailCause: that cause must survive long
// enough for the very statement that ends a failed transaction (a COMMIT
// the backend turns into a ROLLBACK) to still observe it via
// detectSilentRollback, so it cannot be cleared by setTxStateFromStatus the
// instant the backend reports TxIdle — only once a new, unrelated statement
// cycle begins.
func (c *Conn) beginStatementCycle() (needsSavepoint bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txState == TxStateIdle {
		c.lastTxFailCause = nil
	}
	return c.txState == TxStateOpen
}

func (c *Conn) setTxStateFromStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.txStatus {
	case TxIdle:
		c.txState = TxStateIdle
	case TxInBlock:
		if c.txState != TxStateFailed {
			c.txState = TxStateOpen
		}
	case TxFailed:
		c.txState = TxStateFailed
	}
}

func (c *Conn) sendParse(name, sql string, paramOids []oid.Oid) error {
	c.writer.Start(types.ClientParse)
	c.writer.AddString(name)
	c.writer.AddNullTerminate()
	c.writer.AddString(sql)
	c.writer.AddNullTerminate()
	c.writer.AddInt16(int16(len(paramOids)))
	for _, o := range paramOids {
		c.writer.AddInt32(int32(o))
	}
	return c.writer.End()
}

func (c *Conn) sendBind(portal, stmt string, params []Parameter) error {
	c.writer.Start(types.ClientBind)
	c.writer.AddString(portal)
	c.writer.AddNullTerminate()
	c.writer.AddString(stmt)
	c.writer.AddNullTerminate()

	c.writer.AddInt16(int16(len(params)))
	for _, p := range params {
		c.writer.AddInt16(int16(p.Format()))
	}

	c.writer.AddInt16(int16(len(params)))
	for _, p := range params {
		if p.IsNull() {
			c.writer.AddInt32(-1)
			continue
		}
		c.writer.AddInt32(int32(len(p.Value())))
		c.writer.AddBytes(p.Value())
	}

	// result-column format count 0: all columns use the default text format.
	c.writer.AddInt16(0)

	return c.writer.End()
}

func (c *Conn) sendDescribe(kind types.DescribeMessage, name string) error {
	c.writer.Start(types.ClientDescribe)
	c.writer.AddByte(byte(kind))
	c.writer.AddString(name)
	c.writer.AddNullTerminate()
	return c.writer.End()
}

func (c *Conn) sendExecute(portal string, maxRows uint32) error {
	c.writer.Start(types.ClientExecute)
	c.writer.AddString(portal)
	c.writer.AddNullTerminate()
	c.writer.AddInt32(int32(maxRows))
	return c.writer.End()
}

func (c *Conn) sendClosePortal(portal string) error {
	c.writer.Start(types.ClientClose)
	c.writer.AddByte(byte(types.DescribePortal))
	c.writer.AddString(portal)
	c.writer.AddNullTerminate()
	return c.writer.End()
}

// sendCloseStatement sends Close(Statement) for a server-side prepared
// statement name, used to release statements the cache has evicted so they
// don't leak for the rest of the connection's life.
func (c *Conn) sendCloseStatement(name string) error {
	c.writer.Start(types.ClientClose)
	c.writer.AddByte(byte(types.DescribeStatement))
	c.writer.AddString(name)
	c.writer.AddNullTerminate()
	return c.writer.End()
}

func (c *Conn) sendSync() error {
	c.writer.Start(types.ClientSync)
	return c.writer.End()
}

func (c *Conn) sendFlush() error {
	c.writer.Start(types.ClientFlush)
	return c.writer.End()
}

// readUntilReady drives the reader side of one request cycle: it consumes
// messages off the wire, resolving queue events as their replies arrive,
// until ReadyForQuery closes the cycle. Returns the resolved events in
// arrival order.
func (c *Conn) readUntilReady(ctx context.Context, queue *ResponseQueue) ([]*ResponseEvent, error) {
	var firstErr error
	var currentFields FieldDescriptors
	var currentTag string
	resolved := make([]*ResponseEvent, 0, queue.Len())

	// A streaming caller (queryStreaming/Cursor.Fetch) pre-creates the
	// RowRing and attaches it to the Execute event before this loop ever
	// runs, so the caller can hand it back immediately; recover that ring
	// here instead of waiting for the first DataRow to create one.
	var currentRing *RowRing
	if event := queue.PendingExecute(); event != nil {
		if event.Result != nil {
			currentRing = event.Result.Ring
		}
		if event.KnownFields != nil {
			currentFields = event.KnownFields
		}
	}

	for {
		t, _, err := c.reader.ReadTypedMsg()
		if err != nil {
			return nil, err
		}

		switch t {
		case types.ServerParseComplete:
			if event := queue.Pop(); event != nil {
				resolved = append(resolved, event)
			}

		case types.ServerBindComplete:
			if event := queue.Pop(); event != nil {
				resolved = append(resolved, event)
			}

		case types.ServerParameterDescription:
			count, err := c.reader.GetUint16()
			if err != nil {
				return nil, err
			}
			oids := make([]oid.Oid, count)
			for i := range oids {
				v, err := c.reader.GetUint32()
				if err != nil {
					return nil, err
				}
				oids[i] = oid.Oid(v)
			}

			if event := queue.Peek(); event != nil && event.Kind == ResponseStmtDescribe {
				event.ParamOids = oids
			}

		case types.ServerRowDescription:
			_, extended := c.cfg.RuntimeParams["server_protocol_version"]
			fields, err := ReadRowDescription(c.reader, extended)
			if err != nil {
				return nil, err
			}

			if event := queue.Peek(); event != nil {
				switch event.Kind {
				case ResponseStmtDescribe:
					event.Fields = fields
					queue.Pop()
					resolved = append(resolved, event)
				case ResponsePortalDescribe:
					event.PortalFields = fields
					currentFields = fields
					queue.Pop()
					resolved = append(resolved, event)
				}
			}

		case types.ServerNoData:
			if event := queue.Peek(); event != nil {
				switch event.Kind {
				case ResponseStmtDescribe:
					queue.Pop()
					resolved = append(resolved, event)
				case ResponsePortalDescribe:
					queue.Pop()
					resolved = append(resolved, event)
				}
			}

		case types.ServerDataRow:
			tuple, err := ReadDataRow(ctx, c.reader, currentFields, c.types)
			if err != nil {
				return nil, err
			}

			if currentRing == nil {
				currentRing = NewRowRing(RingCountBounded, DefaultRingCapacity)
				if event := c.findExecuteEvent(queue); event != nil {
					event.Result = &ExecuteResult{Ring: currentRing}
				}
			}

			if err := currentRing.produce(ctx, tuple); err != nil {
				return nil, err
			}

		case types.ServerPortalSuspended:
			// The backend stopped short of completion because Execute's row
			// limit (a forward-cursor fetchSize) was reached; the portal
			// stays open and the caller resumes it with Cursor.Fetch.
			if currentRing != nil {
				currentRing.setSuspended(true)
				currentRing.closeWithError(nil)
			}

			if event := queue.Pop(); event != nil && event.Kind == ResponseExecute {
				result := event.Result
				if result == nil {
					result = &ExecuteResult{Ring: currentRing}
				}
				result.Suspended = true
				event.Result = result
				if event.ResultChannel != nil {
					event.ResultChannel <- result
				}
				resolved = append(resolved, event)
			}

			currentRing = nil
			currentFields = nil

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

		case types.ServerCommandComplete:
			tag, err := c.reader.GetString()
			if err != nil {
				return nil, err
			}
			currentTag = tag
			c.maybeInvalidateCache(tag)

			if currentRing != nil {
				currentRing.setTag(currentTag)
				currentRing.closeWithError(nil)
			}

			if event := queue.Pop(); event != nil && event.Kind == ResponseExecute {
				result := event.Result
				if result == nil {
					result = &ExecuteResult{Ring: currentRing}
				}
				result.Tag = currentTag
				event.Result = result
				if event.ResultChannel != nil {
					event.ResultChannel <- result
				}
				resolved = append(resolved, event)
			}

			currentRing = nil
			currentFields = nil
			currentTag = ""

		case types.ServerEmptyQuery:
			if event := queue.Pop(); event != nil {
				resolved = append(resolved, event)
			}

		case types.ServerCloseComplete:
			// Close(Portal) acked; no queued event tracks this explicitly.

		case types.ServerErrorResponse:
			desc, err := parseErrorFields(c.reader)
			if err != nil {
				return nil, err
			}
			if firstErr == nil {
				firstErr = desc
			}
			c.recordTxFailCause(desc)
			if currentRing != nil {
				currentRing.closeWithError(desc)
				currentRing = nil
			}
			if event := queue.Pop(); event != nil {
				if event.Kind == ResponseExecute && event.ResultChannel != nil {
					event.ResultChannel <- &ExecuteResult{Err: desc}
				}
				resolved = append(resolved, event)
			}

		case types.ServerNoticeResponse:
			desc, err := parseErrorFields(c.reader)
			if err != nil {
				return nil, err
			}
			c.logger.Warn("notice from server", slog.String("message", desc.Message))

		case types.ServerReady:
			b, err := c.reader.GetBytes(1)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.txStatus = TxStatus(b[0])
			c.mu.Unlock()

			// queue should be fully drained by a well-formed cycle; DrainAll
			// here only catches events a backend never replied to (e.g. after
			// an error aborts the rest of the pipeline).
			resolved = append(resolved, queue.DrainAll()...)
			return resolved, firstErr

		default:
			return nil, fmt.Errorf("unexpected message %s during extended query cycle", t)
		}
	}
}

func (c *Conn) findExecuteEvent(queue *ResponseQueue) *ResponseEvent {
	if event := queue.Peek(); event != nil && event.Kind == ResponseExecute {
		return event
	}
	return nil
}

// maybeFlush issues a Flush once estimatedReceiveBytes crosses the
// deadlock-avoidance threshold, forcing the backend to send whatever it has
// buffered so far instead of waiting for a Sync that may not arrive for a
// while if the caller is still building up a large pipelined batch.
func (c *Conn) maybeFlush(threshold int) error {
	c.mu.Lock()
	exceeded := c.estimatedReceiveBytes >= threshold
	if exceeded {
		c.estimatedReceiveBytes = 0
	}
	c.mu.Unlock()

	if exceeded {
		return c.sendFlush()
	}
	return nil
}
