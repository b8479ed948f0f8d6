package ipca

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyStarted is returned by Start on a Client that is already
// started; ErrNotStarted is returned by Stop on a Client that was never
// started (§4.8).
var (
	ErrAlreadyStarted = errors.New("ipca: client already started")
	ErrNotStarted     = errors.New("ipca: client not started")
)

// Config carries the injected capabilities a Client needs at Start (§6).
// ProvisioningEngine may be nil if the host application never calls
// RequestAccess; RequestAccess and AwaitCompletion then return
// StatusInvalidArgument.
type Config struct {
	ProtocolEngine     ProtocolEngine
	ProvisioningEngine ProvisioningEngine
}

// Client is the Lifecycle Controller (C8) plus public façade (SPEC_FULL.md
// item 3): the single type a host application constructs, starts, drives
// through discovery/dispatch/security operations, and stops. Grounded on
// agentexec.Server's Start/Shutdown pair (startMu guarding idempotency, a
// root context cancelled on Shutdown, sync.Once for the shutdown path).
type Client struct {
	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	stopOnce sync.Once

	reg     *registry
	bus     *bus
	fetcher *discoveryFetcher
	disp    *dispatcher
	sec     *securityOrchestrator
	maint   *maintenanceLoop
	metrics *metricsSet
}

// NewClient constructs an unstarted Client. Call Start before issuing any
// discovery or dispatch operation.
func NewClient() *Client {
	reg := newRegistry()
	b := newBus(reg)
	metrics := newMetricsSet()
	b.Add(func(ev Event) {
		switch ev.Kind {
		case EventDeviceDiscovered:
			metrics.discoveryEvents.Inc()
		case EventGetComplete:
			metrics.operations.WithLabelValues("get", ev.Status.String()).Inc()
		case EventSetComplete:
			metrics.operations.WithLabelValues("set", ev.Status.String()).Inc()
		case EventCreateComplete:
			metrics.operations.WithLabelValues("create", ev.Status.String()).Inc()
		case EventDeleteComplete:
			metrics.operations.WithLabelValues("delete", ev.Status.String()).Inc()
		}
	})
	return &Client{
		reg:     reg,
		bus:     b,
		metrics: metrics,
	}
}

// Start wires the injected engines into the core components and launches
// the maintenance loop. Calling Start on an already-started Client returns
// ErrAlreadyStarted (§4.8 idempotency).
func (c *Client) Start(ctx context.Context, cfg Config) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if cfg.ProtocolEngine == nil {
		return errors.New("ipca: ProtocolEngine is required")
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.fetcher = newDiscoveryFetcher(c.reg, c.bus, cfg.ProtocolEngine)
	c.disp = newDispatcher(c.reg, c.bus)
	if cfg.ProvisioningEngine != nil {
		c.sec = newSecurityOrchestrator(c.reg, c.bus, cfg.ProvisioningEngine, c.metrics)
	}
	c.maint = newMaintenanceLoop(c.reg, c.bus, c.fetcher, c.metrics)
	c.cancel = cancel
	c.started = true
	c.stopOnce = sync.Once{}

	go c.maint.run(runCtx)

	log.Info().Msg("ipca client started")
	return nil
}

// Stop cancels the background context, drains in-flight security workers,
// and stops the maintenance loop. It is idempotent: a second call is a
// no-op (§4.8). Stop does not clear the registry (Open Question resolution,
// see DESIGN.md) so a late caller can still read summaries of devices seen
// before Stop.
func (c *Client) Stop() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if !c.started {
		if c.maint != nil {
			// Already stopped once: a repeated Stop is a no-op.
			return nil
		}
		return ErrNotStarted
	}

	c.stopOnce.Do(func() {
		if c.sec != nil {
			c.sec.drainWorkers()
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.maint != nil {
			c.maint.stop()
		}
		c.started = false
		log.Info().Msg("ipca client stopped")
	})
	return nil
}

// --- Discovery (C4) ---

func (c *Client) DiscoverAll(ctx context.Context, host string) error {
	return c.fetcher.discoverAll(ctx, host)
}

func (c *Client) DiscoverByTypes(ctx context.Context, host string, types []string) error {
	return c.fetcher.discoverByTypes(ctx, host, types)
}

// --- Callback registration (C3) ---

func (c *Client) AddListener(fn Listener) listenerHandle {
	return c.bus.Add(fn)
}

func (c *Client) RemoveListener(id listenerHandle) {
	c.bus.Remove(id)
}

// --- Dispatch (C5) ---

// OpenDevice marks deviceID in-use, preventing the maintenance loop (C6)
// from evicting it as idle until a matching CloseDevice call.
func (c *Client) OpenDevice(deviceID string) Status {
	return c.disp.OpenDevice(deviceID)
}

// CloseDevice reverses OpenDevice. Once every open on a device has been
// closed, it becomes eligible for idle eviction after §4.5's threshold.
func (c *Client) CloseDevice(deviceID string) Status {
	return c.disp.CloseDevice(deviceID)
}

func (c *Client) GetProperties(ctx context.Context, deviceID, path string, resourceTypes []string, query map[string]string, userData interface{}) Status {
	return c.disp.GetProperties(ctx, deviceID, path, resourceTypes, query, userData)
}

func (c *Client) SetProperties(ctx context.Context, deviceID, path string, resourceTypes []string, rep Representation, userData interface{}) Status {
	return c.disp.SetProperties(ctx, deviceID, path, resourceTypes, rep, userData)
}

func (c *Client) CreateResource(ctx context.Context, deviceID, path string, rep Representation, userData interface{}) Status {
	return c.disp.CreateResource(ctx, deviceID, path, rep, userData)
}

func (c *Client) DeleteResource(ctx context.Context, deviceID, path string, userData interface{}) Status {
	return c.disp.DeleteResource(ctx, deviceID, path, userData)
}

func (c *Client) Observe(ctx context.Context, deviceID, path string, userData interface{}) Status {
	return c.disp.Observe(ctx, deviceID, path, userData)
}

func (c *Client) StopObserve(ctx context.Context, deviceID, path string) Status {
	return c.disp.StopObserve(ctx, deviceID, path)
}

func (c *Client) IsObservable(deviceID, path string) (bool, Status) {
	return c.disp.IsObservable(deviceID, path)
}

func (c *Client) CopyDeviceInfo(deviceID string) (DeviceInfoRecord, Status) {
	return c.disp.CopyDeviceInfo(deviceID)
}

func (c *Client) CopyPlatformInfo(deviceID string) (PlatformInfoRecord, Status) {
	return c.disp.CopyPlatformInfo(deviceID)
}

func (c *Client) CopyResourcePaths(deviceID string) ([]string, Status) {
	return c.disp.CopyResourcePaths(deviceID)
}

func (c *Client) CopyResourceInfo(deviceID, path string) (types, ifaces []string, status Status) {
	return c.disp.CopyResourceInfo(deviceID, path)
}

// --- Security (C7) ---

func (c *Client) RequestAccess(ctx context.Context, deviceID, deviceUUID string) Status {
	if c.sec == nil {
		return StatusInvalidArgument
	}
	return c.sec.RequestAccess(ctx, deviceID, deviceUUID)
}

func (c *Client) AwaitCompletion(deviceID string) Status {
	if c.sec == nil {
		return StatusInvalidArgument
	}
	return c.sec.AwaitCompletion(deviceID)
}

// --- Registry introspection (SPEC_FULL.md item 1) ---

// Snapshot returns a read-only view of every device currently registered.
func (c *Client) Snapshot() []DeviceSummary {
	return c.reg.snapshotSummaries()
}

// Metrics exposes the Prometheus registry for the host application to mount
// under its own /metrics handler.
func (c *Client) Metrics() *prometheus.Registry {
	return c.metrics.Registry()
}
