package eventbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/eventbus"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := eventbus.New[string]()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish("hello")

	assert.Equal(t, "hello", <-a.C())
	assert.Equal(t, "hello", <-b.C())
	assert.Equal(t, 2, bus.Len())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := eventbus.New[int]()
	sub := bus.Subscribe(1)

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, bus.Len())

	// Publishing after unsubscribe must not panic.
	bus.Publish(1)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := eventbus.New[int]()
	sub := bus.Subscribe(1)

	bus.Publish(1)
	bus.Publish(2)

	assert.Equal(t, 1, <-sub.C())
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBus_Handle(t *testing.T) {
	bus := eventbus.New[int]()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	sub := bus.Handle(func(v int) {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})
	defer sub.Unsubscribe()

	bus.Publish(1)
	bus.Publish(2)
	bus.Publish(3)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not receive events")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBus_Close(t *testing.T) {
	bus := eventbus.New[int]()
	sub := bus.Subscribe(1)

	bus.Close()
	_, open := <-sub.C()
	require.False(t, open)

	late := bus.Subscribe(1)
	_, open = <-late.C()
	assert.False(t, open)

	sub.Unsubscribe()
	bus.Publish(1)
}
