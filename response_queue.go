package wire

import (
	"context"

	"github.com/lib/pq/oid"
)

// ResponseEventKind identifies which extended-query request a ResponseEvent
// corresponds to.
type ResponseEventKind uint8

const (
	// ResponseParseComplete represents a ParseComplete ack.
	ResponseParseComplete ResponseEventKind = iota + 1
	// ResponseBindComplete represents a BindComplete ack.
	ResponseBindComplete
	// ResponseStmtDescribe represents a composite ParameterDescription +
	// RowDescription for a statement (from Describe Statement).
	ResponseStmtDescribe
	// ResponsePortalDescribe represents a RowDescription for a portal (from
	// Describe Portal).
	ResponsePortalDescribe
	// ResponseExecute represents an Execute and its eventual result (a row
	// stream plus a completion tag, or an error).
	ResponseExecute
)

// ExecuteResult is the outcome of one Execute request: either a streamed
// row set (Ring non-nil) or a tag-only completion (e.g. an INSERT/UPDATE
// count), never both, plus any error the backend reported for it. Suspended
// reports that the backend stopped short of completion because the
// Execute's row limit (a forward-cursor fetchSize) was reached — the portal
// is still open and more rows can be retrieved with a further Fetch.
type ExecuteResult struct {
	Ring      *RowRing
	Tag       string
	Suspended bool
	Err       error
}

// ResponseEvent represents one pending reply the executor is waiting on,
// in the order its request was sent. Use the constructor functions
// (NewParseCompleteEvent, etc.) to build one.
type ResponseEvent struct {
	Kind ResponseEventKind

	// For ResponseStmtDescribe: parameter OIDs and the statement's result
	// column descriptors.
	ParamOids []oid.Oid
	Fields    FieldDescriptors

	// For ResponsePortalDescribe: result column descriptors for the bound
	// portal (empty if the portal returns no rows).
	PortalFields FieldDescriptors

	// For ResponseExecute: delivered once the backend's reply for this
	// Execute has fully arrived.
	ResultChannel chan *ExecuteResult
	Result        *ExecuteResult

	// KnownFields, for a ResponseExecute whose cycle has no Describe(Portal)
	// of its own (a Cursor.Fetch resuming an already-described portal),
	// tells the reader loop how to decode DataRow without waiting on a
	// RowDescription that will never arrive this cycle.
	KnownFields FieldDescriptors
}

func NewParseCompleteEvent() *ResponseEvent {
	return &ResponseEvent{Kind: ResponseParseComplete}
}

func NewBindCompleteEvent() *ResponseEvent {
	return &ResponseEvent{Kind: ResponseBindComplete}
}

func NewStmtDescribeEvent() *ResponseEvent {
	return &ResponseEvent{Kind: ResponseStmtDescribe}
}

func NewPortalDescribeEvent() *ResponseEvent {
	return &ResponseEvent{Kind: ResponsePortalDescribe}
}

func NewExecuteEvent() *ResponseEvent {
	return &ResponseEvent{
		Kind:          ResponseExecute,
		ResultChannel: make(chan *ExecuteResult, 1),
	}
}

// ResponseQueue maintains, in arrival order, every request the executor has
// sent but not yet fully processed. Postgres's extended-query protocol lets
// a client pipeline Parse/Bind/Describe/Execute requests before a single
// Sync; the backend replies to them in the same order, so a FIFO queue is
// enough to match each reply to the request that caused it without
// threading per-request correlation IDs through the wire format.
type ResponseQueue struct {
	events []*ResponseEvent
}

func NewResponseQueue() *ResponseQueue {
	return &ResponseQueue{events: make([]*ResponseEvent, 0, 4)}
}

// Enqueue records a new in-flight request.
func (q *ResponseQueue) Enqueue(event *ResponseEvent) {
	q.events = append(q.events, event)
}

// Peek returns the oldest not-yet-removed event without removing it, or nil
// if the queue is empty. The executor's response-reading loop uses this to
// decide how to interpret the next message off the wire.
func (q *ResponseQueue) Peek() *ResponseEvent {
	if len(q.events) == 0 {
		return nil
	}
	return q.events[0]
}

// Pop removes and returns the oldest event.
func (q *ResponseQueue) Pop() *ResponseEvent {
	if len(q.events) == 0 {
		return nil
	}
	event := q.events[0]
	q.events = q.events[1:]
	return event
}

// PendingExecute returns the not-yet-resolved ResponseExecute event in the
// queue, if any, without removing it. Used to recover a RowRing the caller
// already pre-created for a streaming Execute before the first DataRow (or
// the terminating reply, for a zero-row result) arrives.
func (q *ResponseQueue) PendingExecute() *ResponseEvent {
	for _, event := range q.events {
		if event.Kind == ResponseExecute {
			return event
		}
	}
	return nil
}

// DrainSync waits for every still-outstanding ResponseExecute event to
// receive its result, returning early if the context is cancelled or a
// result carries an error. It is called once a Sync has been sent and the
// reader goroutine is expected to deliver every queued reply.
func (q *ResponseQueue) DrainSync(ctx context.Context) ([]*ResponseEvent, error) {
	processed := make([]*ResponseEvent, 0, len(q.events))

	for _, event := range q.events {
		if event.Kind == ResponseExecute && event.ResultChannel != nil {
			select {
			case res := <-event.ResultChannel:
				event.Result = res
				if res != nil && res.Err != nil {
					return processed, res.Err
				}
			case <-ctx.Done():
				return processed, ctx.Err()
			}
		}

		processed = append(processed, event)
	}

	return processed, nil
}

// DrainAll returns every event in arrival order and empties the queue.
func (q *ResponseQueue) DrainAll() []*ResponseEvent {
	result := q.events
	q.events = make([]*ResponseEvent, 0, 4)
	return result
}

// Clear empties the queue without waiting on any outstanding results, used
// when an error aborts the cycle before Sync.
func (q *ResponseQueue) Clear() {
	q.events = make([]*ResponseEvent, 0, 4)
}

// Len returns the number of not-yet-removed events.
func (q *ResponseQueue) Len() int {
	return len(q.events)
}
