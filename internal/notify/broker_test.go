package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSessionSubscribers(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	defer cancel()
	other, cancelOther := b.Subscribe("s2")
	defer cancelOther()

	b.Publish(NewEvent(EventChunkTranscribed, "s1", ChunkTranscribedData("c1", 0, "hello", "Speaker 1")))

	ev := <-ch
	assert.Equal(t, EventChunkTranscribed, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "hello", ev.Data["text"])

	select {
	case <-other:
		t.Fatal("event leaked to another session's subscriber")
	default:
	}
}

func TestBrokerDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	defer cancel()

	// Publish past the buffer without draining; must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(NewEvent(EventChunkTranscribed, "s1", nil))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	b := NewBroker()
	// No subscribers registered; must be a no-op.
	b.Publish(NewEvent(EventSessionCompleted, "ghost", nil))
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	require.Equal(t, 1, b.Subscribers("s1"))

	cancel()
	cancel() // second cancel is safe

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers("s1"))
}
