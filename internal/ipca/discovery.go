package ipca

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// wellKnownResourcesURI is the standard discovery path queried when the
// caller does not supply resource-type filters.
const wellKnownResourcesURI = "/oic/res"

// discoveryFetcher is the Discovery & Metadata Fetcher (C4). It owns the
// protocol engine handle and turns raw discovery/info responses into
// registry mutations and Bus events — grounded on
// internal/aidiscovery.Service's discoveryLoop/processResult pairing
// (probe → classify → store → notify), adapted from a periodic scan to an
// on-demand, response-driven fetch.
type discoveryFetcher struct {
	reg    *registry
	bus    *bus
	engine ProtocolEngine
}

func newDiscoveryFetcher(reg *registry, bus *bus, engine ProtocolEngine) *discoveryFetcher {
	return &discoveryFetcher{reg: reg, bus: bus, engine: engine}
}

// discoverAll issues a multicast/unicast findResource for every resource on
// host (empty host means multicast across the local network), per §4.3.
func (d *discoveryFetcher) discoverAll(ctx context.Context, host string) error {
	return d.engine.FindResource(ctx, host, wellKnownResourcesURI, d.onDiscoveryResponse)
}

// discoverByTypes issues a findResource filtered to the given resource
// types (§4.3, "rt=" query convention).
func (d *discoveryFetcher) discoverByTypes(ctx context.Context, host string, types []string) error {
	uri := wellKnownResourcesURI
	if len(types) > 0 {
		uri = wellKnownResourcesURI + "?rt=" + strings.Join(types, ",")
	}
	return d.engine.FindResource(ctx, host, uri, d.onDiscoveryResponse)
}

// onDiscoveryResponse is invoked by the protocol engine once per discovered
// resource. It folds the record into the registry, fires DeviceDiscovered
// when warranted, and kicks off metadata fetches for brand-new devices.
func (d *discoveryFetcher) onDiscoveryResponse(rec DiscoveryRecord) {
	if rec.DeviceID == "" {
		log.Warn().Str("host", rec.Host).Msg("discovery response missing device id, dropping")
		return
	}

	entry, isNew, changed := d.reg.insertOrUpdate(rec)

	entry.mu.Lock()
	entry.lastResponseToDiscovery = time.Now()
	entry.notRespondingIndicated = false
	summary := entry.summary()
	entry.mu.Unlock()

	if isNew || changed {
		d.bus.deliver(Event{
			Kind:          EventDeviceDiscovered,
			DeviceID:      rec.DeviceID,
			Responsive:    true,
			Updated:       changed,
			Info:          summary,
			ResourceTypes: summary.ResourceTypes,
		})
	}

	if isNew {
		go d.fetchCommonResources(context.Background(), entry, rec.Host)
	}
}

// fetchCommonResources fetches device-info, platform-info, and the
// maintenance resource for a newly discovered device, each independently
// retry-capped (§3's metadataRetryCap, §4.3). Failures are logged and leave
// the corresponding availability flag false for the maintenance loop to
// retry later.
func (d *discoveryFetcher) fetchCommonResources(ctx context.Context, entry *deviceEntry, host string) {
	d.fetchDeviceInfo(ctx, entry, host)
	d.fetchPlatformInfo(ctx, entry, host)
	d.fetchMaintenanceResource(ctx, entry, host)
}

func (d *discoveryFetcher) fetchDeviceInfo(ctx context.Context, entry *deviceEntry, host string) {
	entry.mu.Lock()
	if entry.info.available || entry.info.requestCount >= metadataRetryCap {
		entry.mu.Unlock()
		return
	}
	entry.info.requestCount++
	entry.mu.Unlock()

	err := d.engine.GetDeviceInfo(ctx, host, "/oic/d", func(device *DeviceInfoRecord, _ *PlatformInfoRecord, err error) {
		if err != nil || device == nil {
			log.Debug().Err(err).Str("device_id", entry.deviceID).Msg("device info fetch failed")
			return
		}
		entry.mu.Lock()
		entry.info.name = device.Name
		entry.info.softwareVersion = device.SoftwareVersion
		entry.info.dataModelVersions = device.DataModelVersions
		entry.info.protocolIndependentID = device.ProtocolIndependentID
		entry.info.available = true
		summary := entry.summary()
		entry.mu.Unlock()

		d.bus.deliver(Event{
			Kind:          EventDeviceDiscovered,
			DeviceID:      entry.deviceID,
			Responsive:    true,
			Updated:       true,
			Info:          summary,
			ResourceTypes: summary.ResourceTypes,
		})
	})
	if err != nil {
		log.Debug().Err(err).Str("device_id", entry.deviceID).Msg("device info request could not be sent")
	}
}

func (d *discoveryFetcher) fetchPlatformInfo(ctx context.Context, entry *deviceEntry, host string) {
	entry.mu.Lock()
	if entry.platform.available || entry.platform.requestCount >= metadataRetryCap {
		entry.mu.Unlock()
		return
	}
	entry.platform.requestCount++
	entry.mu.Unlock()

	err := d.engine.GetPlatformInfo(ctx, host, "/oic/p", func(_ *DeviceInfoRecord, platform *PlatformInfoRecord, err error) {
		if err != nil || platform == nil {
			log.Debug().Err(err).Str("device_id", entry.deviceID).Msg("platform info fetch failed")
			return
		}
		entry.mu.Lock()
		entry.platform = platformInfo{
			platformID:        platform.PlatformID,
			manufacturerName:  platform.ManufacturerName,
			manufacturerURL:   platform.ManufacturerURL,
			model:             platform.Model,
			manufacturingDate: platform.ManufacturingDate,
			platformVersion:   platform.PlatformVersion,
			osVersion:         platform.OSVersion,
			hardwareVersion:   platform.HardwareVersion,
			firmwareVersion:   platform.FirmwareVersion,
			supportURL:        platform.SupportURL,
			referenceTime:     platform.ReferenceTime,
			available:         true,
			requestCount:      entry.platform.requestCount,
		}
		entry.mu.Unlock()
	})
	if err != nil {
		log.Debug().Err(err).Str("device_id", entry.deviceID).Msg("platform info request could not be sent")
	}
}

// fetchMaintenanceResource probes for the optional maintenance resource
// (/oic/mnt). Its presence is reported through GetPropertyValue against a
// well-known key rather than a typed response, matching the engine's narrow
// surface (§6).
func (d *discoveryFetcher) fetchMaintenanceResource(ctx context.Context, entry *deviceEntry, host string) {
	entry.mu.Lock()
	if entry.maintenanceAvailable || entry.maintenanceRequestCount >= metadataRetryCap {
		entry.mu.Unlock()
		return
	}
	entry.maintenanceRequestCount++
	entry.mu.Unlock()

	_, err := d.engine.GetPropertyValue(ctx, host, "/oic/mnt", "fr")
	if err != nil {
		log.Debug().Err(err).Str("device_id", entry.deviceID).Msg("maintenance resource not available")
		return
	}
	entry.mu.Lock()
	entry.maintenanceAvailable = true
	entry.mu.Unlock()
}
