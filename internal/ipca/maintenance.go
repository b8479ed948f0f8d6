package ipca

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// maintenanceTickInterval is how often the maintenance loop reclassifies
// every registered device (§4.5).
const maintenanceTickInterval = 2 * time.Second

// idleEvictionThreshold and notRespondingThreshold bound the passive
// eviction and liveness-flagging rules (§4.5, invariant 3).
const (
	idleEvictionThreshold = 5 * time.Minute
	notRespondingThreshold = 60 * time.Second
)

// maintenanceLoop is the Maintenance Loop (C6): a single background
// goroutine that ticks on a fixed interval, classifies every device via the
// registry, evicts idle ones, flags not-responding ones, and retries
// incomplete metadata fetches. Grounded on
// internal/aidiscovery.Service.discoveryLoop's ticker/select/recover shape.
type maintenanceLoop struct {
	reg      *registry
	bus      *bus
	fetcher  *discoveryFetcher
	metrics  *metricsSet

	stopCh chan struct{}
	doneCh chan struct{}
}

func newMaintenanceLoop(reg *registry, bus *bus, fetcher *discoveryFetcher, metrics *metricsSet) *maintenanceLoop {
	return &maintenanceLoop{
		reg:     reg,
		bus:     bus,
		fetcher: fetcher,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// run is launched as a goroutine from Start (C8) and returns once stop is
// called and the current tick (if any) finishes.
func (m *maintenanceLoop) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(maintenanceTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one maintenance pass, recovering from any panic in
// classification or delivery so a single bad device entry never kills the
// loop (mirrors the teacher's discoveryLoop recover wrapper).
func (m *maintenanceLoop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic in maintenance tick")
		}
	}()

	start := time.Now()
	idle, notResponding, incomplete := m.reg.classifyForMaintenance(start, idleEvictionThreshold, notRespondingThreshold)

	for _, e := range idle {
		e.mu.Lock()
		id := e.deviceID
		summary := e.summary()
		e.mu.Unlock()

		m.reg.evict(e)
		if m.metrics != nil {
			m.metrics.evictions.Inc()
		}
		m.bus.deliver(Event{Kind: EventDeviceDiscovered, DeviceID: id, Info: summary, Updated: false})
		log.Debug().Str("device_id", id).Msg("evicted idle device")
	}

	for _, e := range notResponding {
		e.mu.Lock()
		id := e.deviceID
		e.mu.Unlock()
		m.bus.deliver(Event{Kind: EventDeviceDiscovered, DeviceID: id, Responsive: false, Updated: false})
		log.Warn().Str("device_id", id).Msg("device flagged not responding")
	}

	for _, e := range incomplete {
		e.mu.Lock()
		host := ""
		if len(e.uris) > 0 {
			host = e.uris[0]
		}
		e.mu.Unlock()
		if host == "" || m.fetcher == nil {
			continue
		}
		go m.fetcher.fetchCommonResources(ctx, e, host)
	}

	if m.metrics != nil {
		m.metrics.maintenanceTickDuration.Observe(time.Since(start).Seconds())
		m.metrics.registrySize.Set(float64(len(m.reg.snapshotDevices())))
	}
}

// stop signals the loop to exit after its current tick and waits for it to
// finish.
func (m *maintenanceLoop) stop() {
	close(m.stopCh)
	<-m.doneCh
}
