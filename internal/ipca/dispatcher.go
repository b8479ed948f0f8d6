package ipca

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// operationTimeout bounds a single Get/Set/Create/Delete round trip (§4.4).
const operationTimeout = 15 * time.Second

// CallbackInfo threads an application-supplied correlation value through an
// asynchronous operation back to its completion event (§4.4's "context
// object" requirement).
type CallbackInfo struct {
	DeviceID string
	Path     string
	UserData interface{}
}

// dispatcher is the Operation Dispatcher (C5): it resolves a device/resource
// pair to a ResourceHandle and issues Get/Post/Delete/Observe against the
// protocol engine, mapping responses to Status and delivering Bus events.
// Grounded on agentexec.Server.ExecuteCommand's dispatch-then-wait shape,
// adapted from command execution to CRUDN resource operations.
type dispatcher struct {
	reg *registry
	bus *bus

	reqCounter uint64
}

func newDispatcher(reg *registry, bus *bus) *dispatcher {
	return &dispatcher{reg: reg, bus: bus}
}

var (
	errDeviceNotDiscovered = errors.New("device not discovered")
	errResourceNotFound    = errors.New("resource not found")
)

// resolveResource finds a resource handle on a device, first by exact path,
// then by falling back to the first resource matching one of the given
// resource types (§4.4 resolution order).
func (d *dispatcher) resolveResource(deviceID, path string, fallbackTypes []string) (*deviceEntry, *resourceEntry, Status) {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return nil, nil, StatusDeviceNotDiscovered
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if path != "" {
		if r, ok := entry.resources[path]; ok {
			return entry, r, StatusOK
		}
	}
	for _, t := range fallbackTypes {
		for _, r := range entry.resources {
			for _, rt := range r.types {
				if rt == t {
					return entry, r, StatusOK
				}
			}
		}
	}
	return entry, nil, StatusResourceNotFound
}

// GetProperties issues a GET against the resolved resource. The terminal
// status is delivered asynchronously via a GetComplete event (§4.4).
func (d *dispatcher) GetProperties(ctx context.Context, deviceID, path string, resourceTypes []string, query map[string]string, userData interface{}) Status {
	entry, res, status := d.resolveResource(deviceID, path, resourceTypes)
	if status != StatusOK {
		return status
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	cbCtx := &CallbackInfo{DeviceID: deviceID, Path: res.path, UserData: userData}

	err := res.handle.Get(opCtx, query, func(code ProtocolCode, rep Representation, err error) {
		defer cancel()
		st := mapProtocolStatusGetObserve(code)
		if err != nil {
			st = StatusFail
		}
		d.bus.deliver(Event{Kind: EventGetComplete, DeviceID: deviceID, Status: st, Rep: rep, Ctx: cbCtx})
	})
	if err != nil {
		cancel()
		log.Debug().Err(err).Str("device_id", deviceID).Str("path", res.path).Msg("get dispatch failed")
		return StatusFail
	}
	_ = entry
	return StatusOK
}

// OpenDevice marks a device in-use, blocking idle eviction until a matching
// CloseDevice brings the open count back to zero (§4.5's eviction gate).
func (d *dispatcher) OpenDevice(deviceID string) Status {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return StatusDeviceNotDiscovered
	}
	entry.mu.Lock()
	entry.openCount++
	entry.mu.Unlock()
	return StatusOK
}

// CloseDevice reverses OpenDevice. Once the open count returns to zero,
// lastCloseTime starts the idle-eviction clock (§4.5, entry.go's isIdle).
func (d *dispatcher) CloseDevice(deviceID string) Status {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return StatusDeviceNotDiscovered
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.openCount == 0 {
		return StatusFail
	}
	entry.openCount--
	if entry.openCount == 0 {
		entry.lastCloseTime = time.Now()
	}
	return StatusOK
}

// SetProperties issues a POST/update against the resolved resource.
func (d *dispatcher) SetProperties(ctx context.Context, deviceID, path string, resourceTypes []string, rep Representation, userData interface{}) Status {
	entry, res, status := d.resolveResource(deviceID, path, resourceTypes)
	if status != StatusOK {
		return status
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	cbCtx := &CallbackInfo{DeviceID: deviceID, Path: res.path, UserData: userData}

	err := res.handle.Post(opCtx, nil, rep, func(code ProtocolCode, repOut Representation, err error) {
		defer cancel()
		st := mapProtocolStatus(code)
		if err != nil {
			st = StatusFail
		}
		d.bus.deliver(Event{Kind: EventSetComplete, DeviceID: deviceID, Status: st, Rep: repOut, Ctx: cbCtx})
	})
	if err != nil {
		cancel()
		log.Debug().Err(err).Str("device_id", deviceID).Str("path", res.path).Msg("set dispatch failed")
		return StatusFail
	}
	_ = entry
	return StatusOK
}

// CreateResource issues a POST that creates a child resource under path.
func (d *dispatcher) CreateResource(ctx context.Context, deviceID, path string, rep Representation, userData interface{}) Status {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return StatusDeviceNotDiscovered
	}
	entry.mu.Lock()
	res, ok := entry.resources[path]
	entry.mu.Unlock()
	if !ok {
		return StatusResourceNotFound
	}

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	cbCtx := &CallbackInfo{DeviceID: deviceID, Path: path, UserData: userData}

	err := res.handle.Post(opCtx, nil, rep, func(code ProtocolCode, repOut Representation, err error) {
		defer cancel()
		st := mapProtocolStatus(code)
		if err != nil {
			st = StatusFail
		}
		d.bus.deliver(Event{Kind: EventCreateComplete, DeviceID: deviceID, Status: st, Rep: repOut, Ctx: cbCtx})
	})
	if err != nil {
		cancel()
		log.Debug().Err(err).Str("device_id", deviceID).Str("path", path).Msg("create dispatch failed")
		return StatusFail
	}
	return StatusOK
}

// DeleteResource issues a DELETE against the resolved resource.
func (d *dispatcher) DeleteResource(ctx context.Context, deviceID, path string, userData interface{}) Status {
	entry, res, status := d.resolveResource(deviceID, path, nil)
	if status != StatusOK {
		return status
	}
	_ = entry

	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	cbCtx := &CallbackInfo{DeviceID: deviceID, Path: res.path, UserData: userData}

	err := res.handle.Delete(opCtx, nil, func(code ProtocolCode, repOut Representation, err error) {
		defer cancel()
		st := mapProtocolStatus(code)
		if err != nil {
			st = StatusFail
		}
		d.bus.deliver(Event{Kind: EventDeleteComplete, DeviceID: deviceID, Status: st, Rep: repOut, Ctx: cbCtx})
	})
	if err != nil {
		cancel()
		log.Debug().Err(err).Str("device_id", deviceID).Str("path", res.path).Msg("delete dispatch failed")
		return StatusFail
	}
	return StatusOK
}

// Observe registers an observe subscription on the resolved resource;
// StopObserve cancels it. While a subscription is bound, the maintenance loop (C6) will
// not evict the owning device (§4.5 eviction gate).
func (d *dispatcher) Observe(ctx context.Context, deviceID, path string, userData interface{}) Status {
	entry, res, status := d.resolveResource(deviceID, path, nil)
	if status != StatusOK {
		return status
	}
	if !res.handle.IsObservable() {
		return StatusInvalidArgument
	}

	cbCtx := &CallbackInfo{DeviceID: deviceID, Path: res.path, UserData: userData}

	err := res.handle.Observe(ctx, ObserveRegister, nil, func(code ProtocolCode, rep Representation, err error) {
		st := mapProtocolStatusGetObserve(code)
		if err != nil {
			st = StatusFail
		}
		d.bus.deliver(Event{Kind: EventObserveUpdate, DeviceID: deviceID, Status: st, Rep: rep, Ctx: cbCtx})
	})
	if err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Str("path", res.path).Msg("observe registration failed")
		return StatusFail
	}

	entry.mu.Lock()
	res.bound = true
	entry.mu.Unlock()
	return StatusOK
}

// StopObserve cancels a live observe subscription.
func (d *dispatcher) StopObserve(ctx context.Context, deviceID, path string) Status {
	entry, res, status := d.resolveResource(deviceID, path, nil)
	if status != StatusOK {
		return status
	}

	if err := res.handle.CancelObserve(ctx); err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Str("path", path).Msg("observe cancel failed")
		return StatusFail
	}

	entry.mu.Lock()
	res.bound = false
	entry.mu.Unlock()
	return StatusOK
}

// IsObservable reports whether the named resource supports observation.
func (d *dispatcher) IsObservable(deviceID, path string) (bool, Status) {
	_, res, status := d.resolveResource(deviceID, path, nil)
	if status != StatusOK {
		return false, status
	}
	return res.handle.IsObservable(), StatusOK
}

// CopyDeviceInfo returns the device-info record if available.
func (d *dispatcher) CopyDeviceInfo(deviceID string) (DeviceInfoRecord, Status) {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return DeviceInfoRecord{}, StatusDeviceNotDiscovered
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.info.available {
		return DeviceInfoRecord{}, StatusInformationNotAvailable
	}
	return DeviceInfoRecord{
		Name:                  entry.info.name,
		SoftwareVersion:       entry.info.softwareVersion,
		DataModelVersions:     append([]string(nil), entry.info.dataModelVersions...),
		ProtocolIndependentID: entry.info.protocolIndependentID,
	}, StatusOK
}

// CopyPlatformInfo returns the platform-info record if available.
func (d *dispatcher) CopyPlatformInfo(deviceID string) (PlatformInfoRecord, Status) {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return PlatformInfoRecord{}, StatusDeviceNotDiscovered
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.platform.available {
		return PlatformInfoRecord{}, StatusInformationNotAvailable
	}
	p := entry.platform
	return PlatformInfoRecord{
		PlatformID:        p.platformID,
		ManufacturerName:  p.manufacturerName,
		ManufacturerURL:   p.manufacturerURL,
		Model:             p.model,
		ManufacturingDate: p.manufacturingDate,
		PlatformVersion:   p.platformVersion,
		OSVersion:         p.osVersion,
		HardwareVersion:   p.hardwareVersion,
		FirmwareVersion:   p.firmwareVersion,
		SupportURL:        p.supportURL,
		ReferenceTime:     p.referenceTime,
	}, StatusOK
}

// CopyResourcePaths returns every resource path known on a device.
func (d *dispatcher) CopyResourcePaths(deviceID string) ([]string, Status) {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return nil, StatusDeviceNotDiscovered
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]string, 0, len(entry.resources))
	for p := range entry.resources {
		out = append(out, p)
	}
	return out, StatusOK
}

// CopyResourceInfo returns the types and interfaces for a single resource.
func (d *dispatcher) CopyResourceInfo(deviceID, path string) (types, ifaces []string, status Status) {
	_, res, status := d.resolveResource(deviceID, path, nil)
	if status != StatusOK {
		return nil, nil, status
	}
	return append([]string(nil), res.types...), append([]string(nil), res.ifaces...), StatusOK
}

// Ping checks liveness by re-querying a cheap property, independent of the
// maintenance loop's passive not-responding detection (§4.4).
func (d *dispatcher) Ping(ctx context.Context, deviceID string, engine ProtocolEngine) Status {
	entry := d.reg.lookup(deviceID)
	if entry == nil {
		return StatusDeviceNotDiscovered
	}
	entry.mu.Lock()
	uris := append([]string(nil), entry.uris...)
	entry.mu.Unlock()
	if len(uris) == 0 {
		return StatusInformationNotAvailable
	}

	_, err := engine.GetPropertyValue(ctx, uris[0], "/oic/d", "di")
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err != nil {
		return StatusFail
	}
	entry.lastPingTime = time.Now()
	entry.lastResponseToDiscovery = entry.lastPingTime
	entry.notRespondingIndicated = false
	return StatusOK
}

func (d *dispatcher) nextRequestID() uint64 {
	return atomic.AddUint64(&d.reqCounter, 1)
}
