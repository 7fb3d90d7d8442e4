package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubClient(h *Hub, chatID uuid.UUID, buf int) *Client {
	return &Client{
		hub:    h,
		send:   make(chan []byte, buf),
		userID: uuid.New(),
		chatID: chatID,
	}
}

func recvFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHubBroadcastsOnlyToSubscribedChat(t *testing.T) {
	h := NewHub()
	go h.Run()

	chatA := uuid.New()
	chatB := uuid.New()
	a1 := newHubClient(h, chatA, 8)
	a2 := newHubClient(h, chatA, 8)
	b := newHubClient(h, chatB, 8)
	h.register <- a1
	h.register <- a2
	h.register <- b

	h.Broadcast(chatA, []byte("hello"))

	assert.Equal(t, []byte("hello"), recvFrame(t, a1))
	assert.Equal(t, []byte("hello"), recvFrame(t, a2))
	select {
	case frame := <-b.send:
		t.Fatalf("chat B client received foreign frame %q", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterClosesSendChannel(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := newHubClient(h, uuid.New(), 8)
	h.register <- c
	h.unregister <- c

	select {
	case _, open := <-c.send:
		require.False(t, open, "send channel must be closed on unregister")
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
}

func TestHubEvictsSlowClient(t *testing.T) {
	h := NewHub()
	go h.Run()

	chatID := uuid.New()
	slow := newHubClient(h, chatID, 1)
	fast := newHubClient(h, chatID, 8)
	h.register <- slow
	h.register <- fast

	// Fill the slow client's buffer, then force one more frame through.
	h.Broadcast(chatID, []byte("one"))
	assert.Equal(t, []byte("one"), recvFrame(t, fast))
	h.Broadcast(chatID, []byte("two"))
	assert.Equal(t, []byte("two"), recvFrame(t, fast))

	// The slow client keeps its buffered frame and then sees the
	// channel closed, marking the eviction.
	assert.Equal(t, []byte("one"), recvFrame(t, slow))
	select {
	case _, open := <-slow.send:
		require.False(t, open, "slow client's send channel must be closed")
	case <-time.After(time.Second):
		t.Fatal("slow client was not evicted")
	}

	// The fast client still receives.
	h.Broadcast(chatID, []byte("three"))
	assert.Equal(t, []byte("three"), recvFrame(t, fast))
}
