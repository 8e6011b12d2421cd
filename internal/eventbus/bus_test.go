package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitOrderingPreservedInHistory(t *testing.T) {
	bus := New(nil, 10)

	bus.Emit(Event{Type: DataReceived, Source: "modbus:host/1", Payload: map[string]interface{}{"seq": 1}})
	bus.Emit(Event{Type: DataReceived, Source: "modbus:host/1", Payload: map[string]interface{}{"seq": 2}})

	hist := bus.History()
	require.Len(t, hist, 2)
	assert.Equal(t, 1, hist[0].Payload["seq"])
	assert.Equal(t, 2, hist[1].Payload["seq"])
}

func TestHistoryBoundedFIFOEviction(t *testing.T) {
	bus := New(nil, 3)
	for i := 0; i < 5; i++ {
		bus.Emit(Event{Type: DataReceived, Payload: map[string]interface{}{"seq": i}})
	}
	hist := bus.History()
	require.Len(t, hist, 3)
	assert.Equal(t, 2, hist[0].Payload["seq"])
	assert.Equal(t, 3, hist[1].Payload["seq"])
	assert.Equal(t, 4, hist[2].Payload["seq"])
}

func TestHandlerObservesEventsInEmissionOrder(t *testing.T) {
	bus := New(nil, 1)

	const n = 100
	var mu sync.Mutex
	var seen []int
	var wg sync.WaitGroup
	wg.Add(n)

	bus.Subscribe(DataReceived, func(e Event) {
		// An artificial stall on the first event would let later events
		// overtake it if each delivery ran on its own goroutine.
		if e.Payload["seq"] == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, e.Payload["seq"].(int))
		mu.Unlock()
		wg.Done()
	})

	for i := 0; i < n; i++ {
		bus.Emit(Event{Type: DataReceived, Source: "modbus:host/1", Payload: map[string]interface{}{"seq": i}})
	}
	waitTimeout(t, &wg, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, got := range seen {
		require.Equal(t, i, got, "delivery to a single handler must preserve emission order")
	}
}

func TestHandlerKeepsReceivingAfterItsOwnPanic(t *testing.T) {
	bus := New(nil, 10)
	var wg sync.WaitGroup
	wg.Add(2)

	var delivered []int
	var mu sync.Mutex
	bus.Subscribe(DataReceived, func(e Event) {
		defer wg.Done()
		mu.Lock()
		delivered = append(delivered, e.Payload["seq"].(int))
		mu.Unlock()
		if e.Payload["seq"] == 0 {
			panic("boom")
		}
	})

	bus.Emit(Event{Type: DataReceived, Payload: map[string]interface{}{"seq": 0}})
	bus.Emit(Event{Type: DataReceived, Payload: map[string]interface{}{"seq": 1}})
	waitTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, delivered, "a panic in one invocation must not kill the handler's dispatch loop")
}

func TestHandlerPanicIsolated(t *testing.T) {
	bus := New(nil, 10)
	var wg sync.WaitGroup
	wg.Add(2)

	var goodCalled bool
	var mu sync.Mutex

	bus.Subscribe(ErrorOccurred, func(Event) {
		defer wg.Done()
		panic("boom")
	})
	bus.Subscribe(ErrorOccurred, func(Event) {
		defer wg.Done()
		mu.Lock()
		goodCalled = true
		mu.Unlock()
	})

	bus.Emit(Event{Type: ErrorOccurred})

	waitTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, goodCalled, "a panicking handler must not prevent other handlers from running")
}

func TestUnsubscribeAffectsOnlySubsequentEvents(t *testing.T) {
	bus := New(nil, 10)
	var calls int
	var mu sync.Mutex

	sub := bus.Subscribe(DataReceived, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	done := make(chan struct{})
	bus.Emit(Event{Type: DataReceived})
	go func() {
		time.Sleep(20 * time.Millisecond)
		sub.Unsubscribe()
		bus.Emit(Event{Type: DataReceived})
		close(done)
	}()
	<-done
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handlers")
	}
}
