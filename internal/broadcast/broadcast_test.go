package broadcast

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"arbor/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSingleProducerPerConversation(t *testing.T) {
	h := NewHub()

	p, err := h.Start("conv-1")
	require.NoError(t, err)

	_, err = h.Start("conv-1")
	assert.ErrorIs(t, err, ErrRunActive, "second start must be rejected")

	// A different conversation is unaffected.
	p2, err := h.Start("conv-2")
	require.NoError(t, err)
	p2.Close()

	p.Close()

	// After completion a fresh start succeeds.
	p3, err := h.Start("conv-1")
	require.NoError(t, err)
	p3.Close()
}

func TestGetActive(t *testing.T) {
	h := NewHub()

	_, ok := h.GetActive("conv-1")
	assert.False(t, ok)

	p, err := h.Start("conv-1")
	require.NoError(t, err)

	status, ok := h.GetActive("conv-1")
	require.True(t, ok)
	assert.Equal(t, StatusStreaming, status)

	p.Close()
	_, ok = h.GetActive("conv-1")
	assert.False(t, ok, "entry removed after completion")
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	p, err := h.Start("conv-1")
	require.NoError(t, err)

	var a, b []stream.Event
	subA, ok := h.Subscribe("conv-1", func(ev stream.Event) error { a = append(a, ev); return nil })
	require.True(t, ok)
	subB, ok := h.Subscribe("conv-1", func(ev stream.Event) error { b = append(b, ev); return nil })
	require.True(t, ok)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	p.Publish(stream.Content("one"))
	p.Publish(stream.Done())
	p.Close()

	require.Len(t, a, 2)
	require.Len(t, b, 2)
	assert.Equal(t, stream.KindDone, a[1].Kind)
}

func TestFailingSubscriberTolerated(t *testing.T) {
	h := NewHub()
	p, err := h.Start("conv-1")
	require.NoError(t, err)
	defer p.Close()

	bad, ok := h.Subscribe("conv-1", func(stream.Event) error { return errors.New("client gone") })
	require.True(t, ok)
	defer bad.Unsubscribe()

	var good []stream.Event
	sub, ok := h.Subscribe("conv-1", func(ev stream.Event) error { good = append(good, ev); return nil })
	require.True(t, ok)
	defer sub.Unsubscribe()

	p.Publish(stream.Content("x"))
	p.Publish(stream.Content("y"))

	assert.Len(t, good, 2, "healthy subscriber unaffected by failing one")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	p, err := h.Start("conv-1")
	require.NoError(t, err)
	defer p.Close()

	var got []stream.Event
	sub, ok := h.Subscribe("conv-1", func(ev stream.Event) error { got = append(got, ev); return nil })
	require.True(t, ok)

	p.Publish(stream.Content("before"))
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	p.Publish(stream.Content("after"))

	require.Len(t, got, 1)
	assert.Equal(t, "before", got[0].Content)
}

func TestSubscribeNoActiveRun(t *testing.T) {
	h := NewHub()
	_, ok := h.Subscribe("nope", func(stream.Event) error { return nil })
	assert.False(t, ok, "no active run means nothing to reconnect to")
}

func TestDoneSignalsCompletion(t *testing.T) {
	h := NewHub()
	p, err := h.Start("conv-1")
	require.NoError(t, err)

	sub, ok := h.Subscribe("conv-1", func(stream.Event) error { return nil })
	require.True(t, ok)

	select {
	case <-sub.Done():
		t.Fatal("done fired before run completed")
	default:
	}

	go p.Close()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done did not fire after producer close")
	}
}
