package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(hub *Hub, userID uint, buffer int) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, buffer),
		userID: userID,
	}
}

func TestPublishReachesAllUserConnections(t *testing.T) {
	hub := NewHub()
	first := testClient(hub, 7, 4)
	second := testClient(hub, 7, 4)
	other := testClient(hub, 8, 4)
	hub.register(first)
	hub.register(second)
	hub.register(other)

	require.NoError(t, hub.Publish(7, "appointment.created", map[string]interface{}{
		"appointment_id": float64(42),
	}))

	for _, client := range []*Client{first, second} {
		select {
		case raw := <-client.send:
			var msg struct {
				Event   string                 `json:"event"`
				Payload map[string]interface{} `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(raw, &msg))
			assert.Equal(t, "appointment.created", msg.Event)
			assert.Equal(t, float64(42), msg.Payload["appointment_id"])
		default:
			t.Fatal("expected a message on the client channel")
		}
	}

	select {
	case <-other.send:
		t.Fatal("message leaked to another user")
	default:
	}
}

func TestPublishToOfflineUserIsNoop(t *testing.T) {
	hub := NewHub()
	assert.NoError(t, hub.Publish(99, "appointment.updated", nil))
}

func TestUnregisterRemovesConnection(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, 7, 1)
	hub.register(client)
	require.Equal(t, 1, hub.ConnectionCount(7))

	hub.unregister(client)
	assert.Equal(t, 0, hub.ConnectionCount(7))

	_, open := <-client.send
	assert.False(t, open, "send channel must be closed on unregister")
}

func TestSlowConsumerIsDropped(t *testing.T) {
	hub := NewHub()
	client := testClient(hub, 7, 1)
	hub.register(client)

	require.NoError(t, hub.Publish(7, "appointment.created", nil))
	// Buffer is full now; the next publish must drop the connection instead
	// of blocking.
	require.NoError(t, hub.Publish(7, "appointment.updated", nil))

	assert.Equal(t, 0, hub.ConnectionCount(7))
}
