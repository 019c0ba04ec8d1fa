package urb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitThenCompleteDeliversCompletion(t *testing.T) {
	tr := NewFakeTransport()
	e := New(tr, 4)

	u := &Urb{Seqnum: 1, Endpoint: 0, Direction: DirIn, Type: Control}
	require.NoError(t, e.Submit(context.Background(), u))
	assert.Equal(t, 1, e.InFlightCount())

	tr.Complete(Completion{Seqnum: 1, Status: 0, ActualLength: 18})

	select {
	case c := <-e.Completions():
		assert.Equal(t, uint32(1), c.Seqnum)
		assert.Equal(t, uint32(18), c.ActualLength)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.Equal(t, 0, e.InFlightCount())
}

func TestSubmitRejectedAtSubmitTimeDoesNotRegister(t *testing.T) {
	tr := NewFakeTransport()
	tr.RejectSubmit = assert.AnError
	e := New(tr, 4)

	err := e.Submit(context.Background(), &Urb{Seqnum: 2})
	require.Error(t, err)
	assert.Equal(t, 0, e.InFlightCount())
}

func TestUnlinkBeforeCompletionCancels(t *testing.T) {
	tr := NewFakeTransport()
	e := New(tr, 4)

	require.NoError(t, e.Submit(context.Background(), &Urb{Seqnum: 7}))
	result := e.Unlink(7)
	assert.Equal(t, Cancelled, result)
	assert.True(t, tr.WasCanceled(7))

	// Even if the OS still fires a late completion, it must be suppressed.
	tr.Complete(Completion{Seqnum: 7, Status: 0})
	select {
	case c := <-e.Completions():
		t.Fatalf("unexpected completion delivered after cancel: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnlinkAfterCompletionReportsAlreadyCompleted(t *testing.T) {
	tr := NewFakeTransport()
	e := New(tr, 4)

	require.NoError(t, e.Submit(context.Background(), &Urb{Seqnum: 9}))
	tr.Complete(Completion{Seqnum: 9, Status: 0})
	<-e.Completions()

	result := e.Unlink(9)
	assert.Equal(t, AlreadyCompleted, result)
}

func TestUnlinkUnknownSeqnumIsNotFound(t *testing.T) {
	e := New(NewFakeTransport(), 4)
	assert.Equal(t, NotFound, e.Unlink(404))
}

func TestSubmitRefusedWhenEndpointHalted(t *testing.T) {
	e := New(NewFakeTransport(), 4)
	e.SetHalt(1, DirIn, true)

	err := e.Submit(context.Background(), &Urb{Seqnum: 3, Endpoint: 1, Direction: DirIn})
	var halted *EndpointHalted
	require.ErrorAs(t, err, &halted)

	e.SetHalt(1, DirIn, false)
	require.NoError(t, e.Submit(context.Background(), &Urb{Seqnum: 4, Endpoint: 1, Direction: DirIn}))
}

func TestCancelAllSuppressesAllCompletions(t *testing.T) {
	tr := NewFakeTransport()
	e := New(tr, 8)

	require.NoError(t, e.Submit(context.Background(), &Urb{Seqnum: 10}))
	require.NoError(t, e.Submit(context.Background(), &Urb{Seqnum: 11}))
	e.CancelAll()
	assert.Equal(t, 0, e.InFlightCount())
	assert.True(t, tr.WasCanceled(10))
	assert.True(t, tr.WasCanceled(11))

	select {
	case c := <-e.Completions():
		t.Fatalf("unexpected completion after CancelAll: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOrderedCompletionsPerEndpointPreserveFIFO(t *testing.T) {
	tr := NewFakeTransport()
	e := New(tr, 8)

	require.NoError(t, e.Submit(context.Background(), &Urb{Seqnum: 20, Endpoint: 2, Direction: DirIn, Type: Bulk}))
	require.NoError(t, e.Submit(context.Background(), &Urb{Seqnum: 21, Endpoint: 2, Direction: DirIn, Type: Bulk}))

	tr.Complete(Completion{Seqnum: 20})
	tr.Complete(Completion{Seqnum: 21})

	first := <-e.Completions()
	second := <-e.Completions()
	assert.Equal(t, uint32(20), first.Seqnum)
	assert.Equal(t, uint32(21), second.Seqnum)
}
