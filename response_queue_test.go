package wire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseQueueBasicOperations(t *testing.T) {
	t.Parallel()

	queue := NewResponseQueue()
	queue.Enqueue(NewParseCompleteEvent())
	queue.Enqueue(NewBindCompleteEvent())

	assert.Equal(t, 2, queue.Len())

	events := queue.DrainAll()
	require.Len(t, events, 2)
	assert.Equal(t, ResponseParseComplete, events[0].Kind)
	assert.Equal(t, ResponseBindComplete, events[1].Kind)
	assert.Equal(t, 0, queue.Len())
}

func TestResponseQueuePeekAndPop(t *testing.T) {
	t.Parallel()

	queue := NewResponseQueue()
	assert.Nil(t, queue.Peek(), "peek on empty queue returns nil")
	assert.Nil(t, queue.Pop(), "pop on empty queue returns nil")

	queue.Enqueue(NewParseCompleteEvent())
	queue.Enqueue(NewBindCompleteEvent())

	peeked := queue.Peek()
	require.NotNil(t, peeked)
	assert.Equal(t, ResponseParseComplete, peeked.Kind)
	assert.Equal(t, 2, queue.Len(), "peek must not remove the event")

	popped := queue.Pop()
	require.NotNil(t, popped)
	assert.Equal(t, ResponseParseComplete, popped.Kind)
	assert.Equal(t, 1, queue.Len())

	assert.Equal(t, ResponseBindComplete, queue.Peek().Kind)
}

func TestResponseQueueStmtDescribeEventFields(t *testing.T) {
	t.Parallel()

	event := NewStmtDescribeEvent()
	event.ParamOids = []oid.Oid{oid.T_int8}
	event.Fields = FieldDescriptors{{Name: "id", DataTypeOid: oid.T_int8}}

	assert.Equal(t, ResponseStmtDescribe, event.Kind)
	assert.Len(t, event.ParamOids, 1)
	assert.Len(t, event.Fields, 1)
}

func TestResponseQueuePortalDescribeEventFields(t *testing.T) {
	t.Parallel()

	event := NewPortalDescribeEvent()
	event.PortalFields = FieldDescriptors{{Name: "result"}}

	assert.Equal(t, ResponsePortalDescribe, event.Kind)
	assert.Len(t, event.PortalFields, 1)
}

func TestResponseQueueClear(t *testing.T) {
	t.Parallel()

	queue := NewResponseQueue()
	queue.Enqueue(NewParseCompleteEvent())
	queue.Enqueue(NewBindCompleteEvent())
	assert.Equal(t, 2, queue.Len())

	queue.Clear()
	assert.Equal(t, 0, queue.Len())

	queue.Enqueue(NewParseCompleteEvent())
	events := queue.DrainAll()
	assert.Equal(t, ResponseParseComplete, events[0].Kind)
}

func TestResponseQueueDrainSyncWaitsForExecuteResults(t *testing.T) {
	t.Parallel()

	queue := NewResponseQueue()
	queue.Enqueue(NewParseCompleteEvent())

	execEvent := NewExecuteEvent()
	queue.Enqueue(execEvent)
	execEvent.ResultChannel <- &ExecuteResult{Tag: "SELECT 1"}

	events, err := queue.DrainSync(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[1].Result)
	assert.Equal(t, "SELECT 1", events[1].Result.Tag)
}

func TestResponseQueueDrainSyncPropagatesExecuteError(t *testing.T) {
	t.Parallel()

	queue := NewResponseQueue()
	execEvent := NewExecuteEvent()
	queue.Enqueue(execEvent)

	boom := errors.New("boom")
	execEvent.ResultChannel <- &ExecuteResult{Err: boom}

	_, err := queue.DrainSync(context.Background())
	assert.Equal(t, boom, err)
}

func TestResponseQueueDrainSyncContextCancellation(t *testing.T) {
	t.Parallel()

	queue := NewResponseQueue()
	queue.Enqueue(NewExecuteEvent()) // never delivered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := queue.DrainSync(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponseQueueDrainSyncEmptyQueue(t *testing.T) {
	t.Parallel()

	queue := NewResponseQueue()
	events, err := queue.DrainSync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}
