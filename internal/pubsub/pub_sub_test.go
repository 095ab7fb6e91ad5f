package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testEvent EventType = iota
	otherEvent
)

func TestPubSub_PublishSubscribe(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))
	defer p.GracefulShutdown()

	ch := make(chan *Event[uint64], 10)
	Subscribe(p, testEvent, ch, SubscriptionOptions{IsBlocking: true})

	other := make(chan *Event[string], 10)
	Subscribe(p, otherEvent, other, SubscriptionOptions{})

	Publish(p, NewEvent(testEvent, uint64(1)))
	Publish(p, NewEvent(testEvent, uint64(2)))
	Publish(p, NewEvent(otherEvent, "hello"))

	for _, want := range []uint64{1, 2} {
		select {
		case ev := <-ch:
			assert.Equal(t, want, ev.Payload)
			assert.Equal(t, testEvent, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", want)
		}
	}

	select {
	case ev := <-other:
		assert.Equal(t, "hello", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("other event not delivered")
	}
}

func TestPubSub_NonBlockingSubscriberDropsEvents(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))

	ch := make(chan *Event[int], 1)
	Subscribe(p, testEvent, ch, SubscriptionOptions{IsBlocking: false})

	for i := 0; i < 5; i++ {
		Publish(p, NewEvent(testEvent, i))
	}
	p.GracefulShutdown()

	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, 0, ev.Payload)
}

func TestPubSub_TypeMismatchIsNotDelivered(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))

	ch := make(chan *Event[string], 1)
	Subscribe(p, testEvent, ch, SubscriptionOptions{})

	Publish(p, NewEvent(testEvent, 42))
	p.GracefulShutdown()

	assert.Len(t, ch, 0)
}

func TestPubSub_UnsubscribeClosesChannel(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))
	defer p.GracefulShutdown()

	ch := make(chan *Event[int], 1)
	id := Subscribe(p, testEvent, ch, SubscriptionOptions{})
	p.Unsubscribe(testEvent, id)

	_, open := <-ch
	assert.False(t, open)

	// Unknown ids are ignored
	p.Unsubscribe(testEvent, id)
}

func TestPubSub_PublishAfterShutdownIsDropped(t *testing.T) {
	p := NewPubSub(zaptest.NewLogger(t))

	ch := make(chan *Event[int], 1)
	Subscribe(p, testEvent, ch, SubscriptionOptions{})

	p.ForceShutdown()
	p.GracefulShutdown()
	Publish(p, NewEvent(testEvent, 1))

	assert.Len(t, ch, 0)
}
