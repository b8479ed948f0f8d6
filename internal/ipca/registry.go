package ipca

import (
	"sync"
	"time"
)

// registry is the mapping from device-id to deviceEntry (C2), plus a
// secondary index from host-URI to the same entry. All mutation and
// inspection is serialized by one lock — grounded on
// webpa-common's registry (add/remove/get/visitAll) and the teacher's
// agentexec.Server map+mutex, generalized here to the two-map shape §4.1
// requires.
//
// Go has no recursive mutex, so reentrancy is modeled per spec.md §9: the
// lookup, insert, remove and evict operations each have a public variant
// that acquires mu and an unexported *Locked
// variant that assumes it is already held. Public variants never call other
// public variants; callers that must compose multiple steps under one
// critical section call the *Locked helpers directly.
type registry struct {
	mu       sync.Mutex
	byID     map[string]*deviceEntry
	byURI    map[string]*deviceEntry
}

func newRegistry() *registry {
	return &registry{
		byID:  make(map[string]*deviceEntry),
		byURI: make(map[string]*deviceEntry),
	}
}

func (r *registry) lookup(deviceID string) *deviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(deviceID)
}

func (r *registry) lookupLocked(deviceID string) *deviceEntry {
	return r.byID[deviceID]
}

func (r *registry) lookupByURI(uri string) *deviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupByURILocked(uri)
}

func (r *registry) lookupByURILocked(uri string) *deviceEntry {
	return r.byURI[uri]
}

// insertOrUpdate applies a single discovered resource record to the
// registry (§4.1). Returns the entry, whether it was newly created, and
// whether anything observable changed (new URI, resource, type, or
// interface).
func (r *registry) insertOrUpdate(rec DiscoveryRecord) (entry *deviceEntry, isNew, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertOrUpdateLocked(rec)
}

func (r *registry) insertOrUpdateLocked(rec DiscoveryRecord) (entry *deviceEntry, isNew, changed bool) {
	entry, ok := r.byID[rec.DeviceID]
	if !ok {
		entry = newDeviceEntry(rec.DeviceID)
		r.byID[rec.DeviceID] = entry
		isNew = true
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if rec.Host != "" {
		if entry.addURI(rec.Host) {
			r.byURI[rec.Host] = entry
			changed = true
		}
	}

	if rec.Path != "" {
		_, resChanged := entry.addResource(rec.Path, rec.Handle, rec.ResourceTypes, rec.ResourceInterfaces)
		if resChanged {
			changed = true
		}
	}

	return entry, isNew, changed || isNew
}

// remove erases a device entry and every URI it owns from the secondary
// index, then drops it from the primary map (§4.5 eviction, invariant 2).
func (r *registry) remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(deviceID)
}

func (r *registry) removeLocked(deviceID string) {
	entry, ok := r.byID[deviceID]
	if !ok {
		return
	}
	for _, uri := range entry.uris {
		delete(r.byURI, uri)
	}
	delete(r.byID, deviceID)
}

// snapshotDevices returns every entry currently in the primary map. Used by
// the maintenance loop's registry-size metric and the security
// orchestrator's drain, which must never hold the registry lock while doing
// their own (possibly slow) work.
func (r *registry) snapshotDevices() []*deviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*deviceEntry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}

// snapshotSummaries is the read-only DeviceSummary projection (SPEC_FULL.md
// item 1).
func (r *registry) snapshotSummaries() []DeviceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceSummary, 0, len(r.byID))
	for _, e := range r.byID {
		e.mu.Lock()
		out = append(out, e.summary())
		e.mu.Unlock()
	}
	return out
}

// classifyForMaintenance computes the three lists the maintenance loop (C6)
// needs for one tick, entirely under the registry lock as §4.5 step 1
// requires. A device classified idle is never also placed on the other two
// lists for this tick; a device may be on both the not-responding and the
// incomplete-metadata list.
func (r *registry) classifyForMaintenance(now time.Time, idleThreshold, notRespondingThreshold time.Duration) (idle, notResponding, incompleteMetadata []*deviceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.byID {
		e.mu.Lock()
		// A live observe subscription or an in-flight security worker pins
		// this entry; refuse eviction this tick even if otherwise idle (Open
		// Question resolution, see DESIGN.md) and let it fall into the other
		// classifications instead.
		if e.isIdle(now, idleThreshold) && !e.hasBoundObserve() && !e.security.isStarted {
			idle = append(idle, e)
			e.mu.Unlock()
			continue
		}
		if e.isNotResponding(now, notRespondingThreshold) {
			e.notRespondingIndicated = true
			notResponding = append(notResponding, e)
		}
		if e.needsMetadataFetch() {
			incompleteMetadata = append(incompleteMetadata, e)
		}
		e.mu.Unlock()
	}
	return idle, notResponding, incompleteMetadata
}

// evictLocked removes a device's URIs from the secondary index then the
// entry from the primary map. Must be called with r.mu held.
func (r *registry) evictLocked(e *deviceEntry) {
	for _, uri := range e.uris {
		delete(r.byURI, uri)
	}
	delete(r.byID, e.deviceID)
}

// evict acquires the lock and removes the entry (used by the maintenance
// loop between classification and listener delivery, §4.5 step 2).
func (r *registry) evict(e *deviceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(e)
}
