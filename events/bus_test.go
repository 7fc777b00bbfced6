package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndPoll(t *testing.T) {
	bus := NewBus()

	bus.Publish(Shutdown{})
	assert.Equal(t, 1, bus.QueueSize())

	event, ok := bus.Poll()
	require.True(t, ok)
	assert.Equal(t, "shutdown", event.Kind())
	assert.Equal(t, 0, bus.QueueSize())

	_, ok = bus.Poll()
	assert.False(t, ok)
}

func TestPriorityOrdering(t *testing.T) {
	bus := NewBus()

	bus.PublishWithPriority(Shutdown{}, PriorityLow)
	bus.PublishWithPriority(ErrorEvent{Scope: "test", Err: errors.New("boom")}, PriorityCritical)
	bus.PublishWithPriority(Heartbeat{PeerID: "peer", Timestamp: 1}, PriorityNormal)

	first, ok := bus.Poll()
	require.True(t, ok)
	assert.Equal(t, "error", first.Kind())

	second, ok := bus.Poll()
	require.True(t, ok)
	assert.Equal(t, "network.heartbeat", second.Kind())

	third, ok := bus.Poll()
	require.True(t, ok)
	assert.Equal(t, "shutdown", third.Kind())
}

func TestPublishOrderKeptWithinPriority(t *testing.T) {
	bus := NewBus()

	bus.Publish(PeerConnected{PeerID: "first"})
	bus.Publish(PeerConnected{PeerID: "second"})

	event, ok := bus.Poll()
	require.True(t, ok)
	assert.Equal(t, "first", event.(PeerConnected).PeerID)

	event, ok = bus.Poll()
	require.True(t, ok)
	assert.Equal(t, "second", event.(PeerConnected).PeerID)
}

func TestOverflowDropsLowestPriority(t *testing.T) {
	bus := NewBus()

	for i := 0; i < MaxQueueSize; i++ {
		bus.PublishWithPriority(Heartbeat{PeerID: "filler", Timestamp: uint64(i)}, PriorityLow)
	}
	require.Equal(t, MaxQueueSize, bus.QueueSize())

	bus.PublishWithPriority(ErrorEvent{Scope: "test", Err: errors.New("urgent")}, PriorityCritical)

	assert.Equal(t, MaxQueueSize, bus.QueueSize())
	assert.Equal(t, uint64(1), bus.Stats().Dropped)

	first, ok := bus.Poll()
	require.True(t, ok)
	assert.Equal(t, "error", first.Kind())
}

func TestDrainDispatchesToEveryHandler(t *testing.T) {
	bus := NewBus()

	var firstSeen, secondSeen []string
	bus.Register(NewFuncHandler("first", func(event Event) error {
		firstSeen = append(firstSeen, event.Kind())
		return nil
	}))
	bus.Register(NewFuncHandler("second", func(event Event) error {
		secondSeen = append(secondSeen, event.Kind())
		return nil
	}))

	bus.Publish(PeerConnected{PeerID: "peer"})
	bus.Publish(PeerDisconnected{PeerID: "peer"})
	bus.Drain()

	assert.Equal(t, []string{"network.peer_connected", "network.peer_disconnected"}, firstSeen)
	assert.Equal(t, []string{"network.peer_connected", "network.peer_disconnected"}, secondSeen)
	assert.Equal(t, uint64(2), bus.Stats().Processed)
}

func TestHandlerErrorDoesNotStopDispatch(t *testing.T) {
	bus := NewBus()

	var seen int
	bus.Register(NewFuncHandler("failing", func(Event) error {
		return errors.New("handler broke")
	}))
	bus.Register(NewFuncHandler("counting", func(Event) error {
		seen++
		return nil
	}))

	bus.Publish(Shutdown{})
	bus.Drain()

	assert.Equal(t, 1, seen)
}

func TestClearEmptiesQueue(t *testing.T) {
	bus := NewBus()

	bus.Publish(Shutdown{})
	bus.Publish(Shutdown{})

	assert.Equal(t, 2, bus.Clear())
	assert.Equal(t, 0, bus.QueueSize())
}

func TestRunDispatchesUntilCancelled(t *testing.T) {
	bus := NewBus()

	received := make(chan Event, 1)
	bus.Register(NewFuncHandler("capture", func(event Event) error {
		received <- event
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	bus.Publish(Heartbeat{PeerID: "peer", Timestamp: 42})

	select {
	case event := <-received:
		assert.Equal(t, "network.heartbeat", event.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}
