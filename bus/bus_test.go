package bus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/events"
)

func drain(t *testing.T, sub *bus.Subscription, n int) []events.Event {
	t.Helper()
	var out []events.Event
	for i := 0; i < n; i++ {
		e, ok := <-sub.Events()
		require.True(t, ok, "channel closed early")
		out = append(out, e)
	}
	return out
}

func TestOrderingIsStrictFIFO(t *testing.T) {
	b := bus.New(16)
	sub := b.Subscribe()

	b.Publish(events.StepStart{Base: events.NewBase(events.TypeStepStart, "p1"), StepNumber: 0})
	b.Publish(events.StepEnd{Base: events.NewBase(events.TypeStepEnd, "p1"), StepNumber: 0, Success: true})
	b.Publish(events.Done{Base: events.NewBase(events.TypeDone, "p1")})

	got := drain(t, sub, 3)
	var last uint64
	for i, e := range got {
		if i > 0 {
			assert.Greater(t, e.Seq(), last)
		}
		last = e.Seq()
	}
	assert.Equal(t, events.TypeStepStart, got[0].Type())
	assert.Equal(t, events.TypeStepEnd, got[1].Type())
	assert.Equal(t, events.TypeDone, got[2].Type())
}

func TestProgressCoalescesToLatest(t *testing.T) {
	b := bus.New(4)
	sub := b.Subscribe()

	// Publish three progress updates for the same step before the
	// subscriber reads anything: only the last should survive in the
	// buffer.
	msg := func(m string) events.StepProgress {
		return events.StepProgress{
			Base:         events.NewBase(events.TypeStepProgress, "p1"),
			StepNumber:   2,
			ProgressType: events.ProgressGeneric,
			Message:      m,
		}
	}
	b.Publish(msg("first"))
	b.Publish(msg("second"))
	b.Publish(msg("third"))

	got := drain(t, sub, 1)
	require.Len(t, got, 1)
	sp, ok := got[0].(events.StepProgress)
	require.True(t, ok)
	assert.Equal(t, "third", sp.Message)
}

func TestCriticalEventsNeverDropped(t *testing.T) {
	b := bus.New(2)
	sub := b.Subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(events.StepEnd{Base: events.NewBase(events.TypeStepEnd, "p1"), StepNumber: i, Success: true})
	}
	got := drain(t, sub, 5)
	assert.Len(t, got, 5)
}

func TestSubscribeExclusivityDetachesPrior(t *testing.T) {
	b := bus.New(8)
	first := b.Subscribe()
	b.Publish(events.StepStart{Base: events.NewBase(events.TypeStepStart, "p1"), StepNumber: 0})

	second := b.Subscribe()
	_, open := <-first.Events()
	assert.False(t, open, "first subscription must be closed on detach")

	got := drain(t, second, 1)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeStepStart, got[0].Type())
}
