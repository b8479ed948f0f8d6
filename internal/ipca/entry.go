package ipca

import (
	"sync"
	"time"
)

// metadataRetryCap is the per-kind retry ceiling for device-info,
// platform-info, and maintenance-resource fetches (§3).
const metadataRetryCap = 3

// deviceInfo holds the well-known device-resource fields (§3, §4.3).
type deviceInfo struct {
	name                  string
	softwareVersion       string
	dataModelVersions     []string
	protocolIndependentID string
	available             bool
	requestCount          int
}

// platformInfo holds the 11-field platform record (§3).
type platformInfo struct {
	platformID        string
	manufacturerName  string
	manufacturerURL   string
	model             string
	manufacturingDate string
	platformVersion   string
	osVersion         string
	hardwareVersion   string
	firmwareVersion   string
	supportURL        string
	referenceTime     string
	available         bool
	requestCount      int
}

// securityState is the per-device security sub-state (§3, §4.6). completion
// is closed exactly once, by the transfer-complete callback runWorker passes
// to DoMultipleOwnershipTransfer or by a forced drain during Stop, to wake
// the worker waiting in its await-completion phase.
type securityState struct {
	isStarted  bool
	subowner   bool
	handle     MOTHandle
	phase      securityPhase
	completion chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

func (s *securityState) signalComplete() {
	s.closeOnce.Do(func() {
		if s.completion != nil {
			close(s.completion)
		}
	})
}

// resourceEntry is a resource known on a device, keyed by path in
// deviceEntry.resources.
type resourceEntry struct {
	path     string
	handle   ResourceHandle
	types    []string
	ifaces   []string
	bound    bool // true from a successful Observe until the matching StopObserve
}

// deviceEntry is the per-device aggregate (C1, §3).
type deviceEntry struct {
	mu sync.Mutex // guards the mutable fields below; taken alone as well as inside the registry's lock

	deviceID string // immutable after creation
	uris     []string
	resources map[string]*resourceEntry

	resourceTypes      map[string]struct{}
	resourceInterfaces map[string]struct{}

	info     deviceInfo
	platform platformInfo

	maintenanceAvailable    bool
	maintenanceRequestCount int

	openCount                  int
	lastCloseTime              time.Time
	lastResponseToDiscovery    time.Time
	notRespondingIndicated     bool
	lastPingTime               time.Time

	security securityState
}

func newDeviceEntry(deviceID string) *deviceEntry {
	now := time.Now()
	return &deviceEntry{
		deviceID:                deviceID,
		resources:               make(map[string]*resourceEntry),
		resourceTypes:           make(map[string]struct{}),
		resourceInterfaces:      make(map[string]struct{}),
		lastResponseToDiscovery: now,
	}
}

// addURI appends uri if not already present. Returns true if it was new.
func (e *deviceEntry) addURI(uri string) bool {
	for _, u := range e.uris {
		if u == uri {
			return false
		}
	}
	e.uris = append(e.uris, uri)
	return true
}

// addResource inserts or updates a resource record, folding its types and
// interfaces into the device-level union sets. Returns flags describing
// what changed (invariant 4: discoveredResourceTypes is always the union
// over resourceMap).
func (e *deviceEntry) addResource(path string, handle ResourceHandle, types, ifaces []string) (newResource, changed bool) {
	existing, ok := e.resources[path]
	if !ok {
		e.resources[path] = &resourceEntry{path: path, handle: handle, types: types, ifaces: ifaces}
		newResource = true
	} else {
		existing.handle = handle
		existing.types = types
		existing.ifaces = ifaces
	}

	for _, t := range types {
		if _, present := e.resourceTypes[t]; !present {
			e.resourceTypes[t] = struct{}{}
			changed = true
		}
	}
	for _, i := range ifaces {
		if _, present := e.resourceInterfaces[i]; !present {
			e.resourceInterfaces[i] = struct{}{}
			changed = true
		}
	}
	return newResource, changed || newResource
}

// hasBoundObserve reports whether any resource on this entry is currently
// pinned by a live observe subscription (used by the maintenance loop's
// eviction gate — see DESIGN.md's Open Question resolution).
func (e *deviceEntry) hasBoundObserve() bool {
	for _, r := range e.resources {
		if r.bound {
			return true
		}
	}
	return false
}

// resourceTypesSnapshot returns the union of resource types as a slice.
func (e *deviceEntry) resourceTypesSnapshot() []string {
	out := make([]string, 0, len(e.resourceTypes))
	for t := range e.resourceTypes {
		out = append(out, t)
	}
	return out
}

// isIdle reports whether the entry is open-count zero and has been closed
// longer than idleThreshold (invariant 3, §4.5 eviction rule).
func (e *deviceEntry) isIdle(now time.Time, idleThreshold time.Duration) bool {
	return e.openCount == 0 && !e.lastCloseTime.IsZero() && now.Sub(e.lastCloseTime) > idleThreshold
}

// isNotResponding reports whether the entry should be flagged not-responding
// this tick (§4.5).
func (e *deviceEntry) isNotResponding(now time.Time, threshold time.Duration) bool {
	return !e.notRespondingIndicated && now.Sub(e.lastResponseToDiscovery) > threshold
}

// needsMetadataFetch reports whether any of the three metadata kinds are
// still unavailable and under the retry cap.
func (e *deviceEntry) needsMetadataFetch() bool {
	if !e.info.available && e.info.requestCount < metadataRetryCap {
		return true
	}
	if !e.platform.available && e.platform.requestCount < metadataRetryCap {
		return true
	}
	if !e.maintenanceAvailable && e.maintenanceRequestCount < metadataRetryCap {
		return true
	}
	return false
}

// incomplete reports whether any of the three metadata availability flags
// is false, regardless of retry cap (§4.5 classification).
func (e *deviceEntry) incomplete() bool {
	return !e.info.available || !e.platform.available || !e.maintenanceAvailable
}

// DeviceSummary is the read-only projection handed to host applications via
// Client.Snapshot — an addition beyond spec.md, see SPEC_FULL.md item 1.
type DeviceSummary struct {
	DeviceID      string
	Name          string
	URIs          []string
	ResourceCount int
	ResourceTypes []string
	Responsive    bool
	OpenCount     int
}

func (e *deviceEntry) summary() DeviceSummary {
	return DeviceSummary{
		DeviceID:      e.deviceID,
		Name:          e.info.name,
		URIs:          append([]string(nil), e.uris...),
		ResourceCount: len(e.resources),
		ResourceTypes: e.resourceTypesSnapshot(),
		Responsive:    !e.notRespondingIndicated,
		OpenCount:     e.openCount,
	}
}
