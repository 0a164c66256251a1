package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_SubscribeAndReceiveByType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("status_change")
	defer bus.Unsubscribe(ch)

	bus.Emit("status_change", "worker", "evt-1", map[string]interface{}{"status": "active"})

	select {
	case ev := <-ch:
		assert.Equal(t, "status_change", ev.Type)
		assert.Equal(t, "evt-1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected event within timeout")
	}
}

func TestEventBus_SubscribeAll_ReceivesEveryType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Emit("card", "worker", "evt-1", nil)
	bus.Emit("facts", "worker", "evt-1", nil)

	received := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			received[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("expected event within timeout")
		}
	}
	assert.True(t, received["card"])
	assert.True(t, received["facts"])
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("card")
	bus.Unsubscribe(ch)

	bus.Emit("card", "worker", "evt-1", nil)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEventBus_SubscriberCount(t *testing.T) {
	bus := NewEventBus()
	ch1 := bus.Subscribe("card")
	ch2 := bus.Subscribe()
	defer bus.Unsubscribe(ch1)
	defer bus.Unsubscribe(ch2)

	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestCloudEvent_SSEFormat(t *testing.T) {
	ev := NewCloudEvent("status_change", "worker", "evt-1", map[string]interface{}{"x": 1})
	out, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: status_change")
	assert.Contains(t, string(out), "data: ")
}

func TestUnmarshalCloudEvent_RoundTrips(t *testing.T) {
	ev := NewCloudEvent("card", "worker", "evt-1", map[string]interface{}{"a": "b"})
	payload, err := ev.JSON()
	require.NoError(t, err)

	var out CloudEvent
	require.NoError(t, unmarshalCloudEvent(payload, &out))
	assert.Equal(t, ev.Type, out.Type)
	assert.Equal(t, ev.Subject, out.Subject)
}
