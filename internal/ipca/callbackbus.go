package ipca

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// EventKind identifies which callback a Listener's method corresponds to
// (§4.2).
type EventKind int

const (
	EventDeviceDiscovered EventKind = iota
	EventGetComplete
	EventSetComplete
	EventCreateComplete
	EventDeleteComplete
	EventObserveUpdate
	EventRequestAccessComplete
	EventPasswordInputRequested
	EventPasswordDisplay
)

// Event is the single envelope delivered to every Listener. Only the fields
// relevant to Kind are populated; this mirrors the teacher's reused-struct
// dispatch idiom (webpa-common's Event, internal/aidiscovery's single
// analysis-result struct) rather than one Go interface per event type.
type Event struct {
	Kind EventKind

	DeviceID      string
	Responsive    bool
	Updated       bool
	Info          DeviceSummary
	ResourceTypes []string

	Status Status
	Rep    Representation
	Ctx    *CallbackInfo

	PasswordMethod PinMethod
	PasswordBuffer string
	PasswordSize   int
	PIN            string

	// Reply is non-nil only on a PasswordInputRequested event. The
	// listener that intends to answer it sends exactly one string (the
	// PIN) and must not close the channel.
	Reply chan<- string
}

// Listener receives Bus events. Implementations must not call back into any
// public Registry/Dispatcher/Client method synchronously from within the
// callback without expecting genuine re-entrancy — the Bus guarantees only
// that it itself is never holding the registry lock during delivery.
type Listener func(Event)

// listenerHandle identifies a registered listener for unregistration.
type listenerHandle uint64

// bus is the Callback Bus (C3). Registration/unregistration take the shared
// registry lock so that the snapshot taken for one event delivery is never
// torn relative to a concurrent add/remove — delivery itself always happens
// outside that lock (§4.2, §5 "single most important concurrency rule").
type bus struct {
	reg *registry

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    listenerHandle
}

type listenerEntry struct {
	id listenerHandle
	fn Listener
}

func newBus(reg *registry) *bus {
	return &bus{reg: reg}
}

// Add registers a listener and returns a handle for Remove.
func (b *bus) Add(fn Listener) listenerHandle {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	return id
}

// Remove unregisters a listener. After it returns, that listener receives no
// further events.
func (b *bus) Remove(id listenerHandle) {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// snapshot copies the listener list under lock then returns, so that
// delivery happens with the lock released (§4.2, §5).
func (b *bus) snapshot() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Listener, len(b.listeners))
	for i, l := range b.listeners {
		out[i] = l.fn
	}
	return out
}

// deliver invokes every currently-registered listener, outside any lock,
// with the given event. Listeners added after this snapshot was taken do
// not receive this event.
func (b *bus) deliver(ev Event) {
	for _, fn := range b.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("device_id", ev.DeviceID).
						Int("event_kind", int(ev.Kind)).
						Msg("recovered from panic in application listener")
				}
			}()
			fn(ev)
		}()
	}
}
