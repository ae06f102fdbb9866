package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasegate/phasegate/internal/workflow"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	b.PublishNew(EventGateAwaiting, workflow.ModeRegular, "criteria", "", nil)

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventGateAwaiting, ev.Type)
			assert.Equal(t, workflow.ModeRegular, ev.Mode)
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)

	_, open := <-ch
	require.False(t, open, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	b.PublishNew(EventPhaseStarted, workflow.ModeMeta, "explore", "", nil)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, ch := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.PublishNew(EventPhaseFinished, workflow.ModeRegular, "code", "", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	// The subscriber still holds the first event.
	assert.Len(t, ch, 1)
}
