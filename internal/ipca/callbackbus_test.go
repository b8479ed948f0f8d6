package ipca

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliverInvokesAllRegisteredListeners(t *testing.T) {
	reg := newRegistry()
	b := newBus(reg)

	var mu sync.Mutex
	var seen []string

	b.Add(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, "one:"+ev.DeviceID)
	})
	b.Add(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, "two:"+ev.DeviceID)
	})

	b.deliver(Event{Kind: EventDeviceDiscovered, DeviceID: "dev-1"})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"one:dev-1", "two:dev-1"}, seen)
}

func TestBus_RemoveStopsFurtherDelivery(t *testing.T) {
	reg := newRegistry()
	b := newBus(reg)

	count := 0
	var mu sync.Mutex
	id := b.Add(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	b.deliver(Event{Kind: EventDeviceDiscovered})
	b.Remove(id)
	b.deliver(Event{Kind: EventDeviceDiscovered})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBus_PanicInListenerDoesNotStopOthers(t *testing.T) {
	reg := newRegistry()
	b := newBus(reg)

	var mu sync.Mutex
	secondCalled := false

	b.Add(func(ev Event) {
		panic("boom")
	})
	b.Add(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		secondCalled = true
	})

	assert.NotPanics(t, func() {
		b.deliver(Event{Kind: EventDeviceDiscovered})
	})

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, secondCalled, "a panicking listener must not prevent delivery to subsequent listeners")
}
