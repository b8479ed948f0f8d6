// Package mockengine is a loopback double for the ipca.ProtocolEngine and
// ipca.ProvisioningEngine capabilities, used by package ipca's tests and by
// cmd/ipca-shell's demo mode. It carries requests over a real
// gorilla/websocket connection between an in-process server and client so
// the round trip (marshal, frame, dispatch, respond) exercises the same
// transport shape a real CoAP/TCP engine would, without any actual network
// device — grounded on agentexec.Server's websocket command/response loop.
package mockengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devicecore/ipca/internal/ipca"
)

// wireMessage is the single frame format exchanged over the loopback
// connection, mirroring agentexec's tagged-envelope wire format.
type wireMessage struct {
	Kind    string          `json:"kind"`
	ReqID   string          `json:"req_id"`
	Host    string          `json:"host,omitempty"`
	URI     string          `json:"uri,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    int             `json:"code,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// Device describes one simulated device for Engine.Seed.
type Device struct {
	DeviceID  string
	Host      string
	Resources []Resource
	Name      string
	SWVersion string
}

// Resource describes one simulated resource under a Device.
type Resource struct {
	Path        string
	Types       []string
	Interfaces  []string
	Observable  bool
	Properties  ipca.Representation
}

// Engine is the in-memory device world plus the websocket loopback server
// that fronts it. It implements ipca.ProtocolEngine directly (no network
// round trip is required for FindResource/GetDeviceInfo/GetPlatformInfo
// since those are simple map lookups); the websocket loopback is used for
// the per-resource Get/Post/Delete/Observe traffic via the handles it
// vends, so a consumer observing the wire sees realistic framed messages.
type Engine struct {
	mu      sync.Mutex
	devices map[string]*Device

	ln     net.Listener
	srv    *http.Server
	upg    websocket.Upgrader
	connMu sync.Mutex
	conns  map[string]*websocket.Conn
}

// New starts the loopback websocket server on an ephemeral localhost port.
func New() (*Engine, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	e := &Engine{
		devices: make(map[string]*Device),
		ln:      ln,
		conns:   make(map[string]*websocket.Conn),
		upg:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", e.handleWS)
	e.srv = &http.Server{Handler: mux}
	go e.srv.Serve(ln)
	return e, nil
}

// Close shuts down the loopback server.
func (e *Engine) Close() error {
	return e.srv.Close()
}

// Seed registers a simulated device so FindResource/GetDeviceInfo and
// friends can report on it.
func (e *Engine) Seed(d Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := d
	e.devices[d.DeviceID] = &cp
}

func (e *Engine) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upg.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("mockengine: websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		e.handleFrame(conn, msg)
	}
}

func (e *Engine) handleFrame(conn *websocket.Conn, msg wireMessage) {
	resp := wireMessage{Kind: "resp", ReqID: msg.ReqID}

	e.mu.Lock()
	dev, ok := e.deviceByHostLocked(msg.Host)
	e.mu.Unlock()
	if !ok {
		resp.Err = "device not found"
		conn.WriteJSON(resp)
		return
	}

	e.mu.Lock()
	var res *Resource
	for i := range dev.Resources {
		if dev.Resources[i].Path == msg.URI {
			res = &dev.Resources[i]
			break
		}
	}
	e.mu.Unlock()
	if res == nil {
		resp.Err = "resource not found"
		conn.WriteJSON(resp)
		return
	}

	switch msg.Kind {
	case "get", "observe":
		resp.Code = int(ipca.ProtocolResourceChanged)
		e.mu.Lock()
		payload, _ := json.Marshal(res.Properties)
		e.mu.Unlock()
		resp.Payload = payload
	case "post":
		var body ipca.Representation
		_ = json.Unmarshal(msg.Payload, &body)
		e.mu.Lock()
		if res.Properties == nil {
			res.Properties = ipca.Representation{}
		}
		for k, v := range body {
			res.Properties[k] = v
		}
		payload, _ := json.Marshal(res.Properties)
		e.mu.Unlock()
		resp.Code = int(ipca.ProtocolResourceChanged)
		resp.Payload = payload
	case "delete":
		resp.Code = int(ipca.ProtocolResourceDeleted)
	default:
		resp.Err = fmt.Sprintf("unknown kind %q", msg.Kind)
	}
	conn.WriteJSON(resp)
}

func (e *Engine) deviceByHostLocked(host string) (*Device, bool) {
	for _, d := range e.devices {
		if d.Host == host {
			return d, true
		}
	}
	return nil, false
}

// FindResource implements ipca.ProtocolEngine. host empty means "every
// seeded device"; otherwise only that host's resources are reported.
func (e *Engine) FindResource(ctx context.Context, host, uri string, handler ipca.DiscoveryResponseHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range e.devices {
		if host != "" && d.Host != host {
			continue
		}
		for _, r := range d.Resources {
			handler(ipca.DiscoveryRecord{
				DeviceID:           d.DeviceID,
				Host:               d.Host,
				Path:               r.Path,
				ResourceTypes:      r.Types,
				ResourceInterfaces: r.Interfaces,
				Handle:             e.handleFor(d, r),
			})
		}
	}
	return nil
}

// GetDeviceInfo implements ipca.ProtocolEngine.
func (e *Engine) GetDeviceInfo(ctx context.Context, host, uri string, handler ipca.InfoResponseHandler) error {
	e.mu.Lock()
	d, ok := e.deviceByHostLocked(host)
	e.mu.Unlock()
	if !ok {
		handler(nil, nil, fmt.Errorf("mockengine: no device at host %q", host))
		return nil
	}
	handler(&ipca.DeviceInfoRecord{
		Host:                  host,
		Name:                  d.Name,
		SoftwareVersion:       d.SWVersion,
		DataModelVersions:     []string{"res.1.3.0"},
		ProtocolIndependentID: d.DeviceID,
	}, nil, nil)
	return nil
}

// GetPlatformInfo implements ipca.ProtocolEngine with a fixed simulated
// platform record.
func (e *Engine) GetPlatformInfo(ctx context.Context, host, uri string, handler ipca.InfoResponseHandler) error {
	e.mu.Lock()
	_, ok := e.deviceByHostLocked(host)
	e.mu.Unlock()
	if !ok {
		handler(nil, nil, fmt.Errorf("mockengine: no device at host %q", host))
		return nil
	}
	handler(nil, &ipca.PlatformInfoRecord{
		Host:             host,
		PlatformID:       uuid.NewString(),
		ManufacturerName: "mockengine",
		Model:            "sim-1",
		PlatformVersion:  "1.0",
	}, nil)
	return nil
}

// GetPropertyValue implements ipca.ProtocolEngine as a single-key lookup
// used by discoveryFetcher's maintenance-resource probe and dispatcher.Ping.
func (e *Engine) GetPropertyValue(ctx context.Context, host, kind, key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.deviceByHostLocked(host)
	if !ok {
		return "", fmt.Errorf("mockengine: no device at host %q", host)
	}
	if key == "di" {
		return d.DeviceID, nil
	}
	return "", fmt.Errorf("mockengine: unknown property %q on %q", key, kind)
}

func (e *Engine) handleFor(d *Device, r Resource) ipca.ResourceHandle {
	return &resourceHandle{engine: e, device: d, path: r.Path, types: r.Types, ifaces: r.Interfaces, observable: r.Observable}
}

// wsAddr returns the loopback server's ws:// URL.
func (e *Engine) wsAddr() string {
	return "ws://" + e.ln.Addr().String() + "/ws"
}

func (e *Engine) conn() (*websocket.Conn, error) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if c, ok := e.conns["default"]; ok {
		return c, nil
	}
	c, _, err := websocket.DefaultDialer.Dial(e.wsAddr(), nil)
	if err != nil {
		return nil, err
	}
	e.conns["default"] = c
	return c, nil
}

// resourceHandle implements ipca.ResourceHandle over the loopback
// connection. Each call blocks for exactly one response frame tagged with
// a fresh request id.
type resourceHandle struct {
	engine     *Engine
	device     *Device
	path       string
	types      []string
	ifaces     []string
	observable bool

	obsMu   sync.Mutex
	obsStop chan struct{}
}

func (h *resourceHandle) URI() string                 { return h.path }
func (h *resourceHandle) Host() string                { return h.device.Host }
func (h *resourceHandle) SID() string                 { return h.device.DeviceID }
func (h *resourceHandle) ResourceTypes() []string      { return h.types }
func (h *resourceHandle) ResourceInterfaces() []string { return h.ifaces }
func (h *resourceHandle) IsObservable() bool           { return h.observable }

func (h *resourceHandle) roundTrip(ctx context.Context, kind string, payload ipca.Representation) (ipca.ProtocolCode, ipca.Representation, error) {
	conn, err := h.engine.conn()
	if err != nil {
		return ipca.ProtocolOther, nil, err
	}

	reqID := uuid.NewString()
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := conn.WriteJSON(wireMessage{Kind: kind, ReqID: reqID, Host: h.device.Host, URI: h.path, Payload: raw}); err != nil {
		return ipca.ProtocolOther, nil, err
	}

	type result struct {
		code ipca.ProtocolCode
		rep  ipca.Representation
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var resp wireMessage
		if err := conn.ReadJSON(&resp); err != nil {
			done <- result{ipca.ProtocolOther, nil, err}
			return
		}
		if resp.Err != "" {
			done <- result{ipca.ProtocolOther, nil, fmt.Errorf("mockengine: %s", resp.Err)}
			return
		}
		var rep ipca.Representation
		_ = json.Unmarshal(resp.Payload, &rep)
		done <- result{ipca.ProtocolCode(resp.Code), rep, nil}
	}()

	select {
	case r := <-done:
		return r.code, r.rep, r.err
	case <-ctx.Done():
		return ipca.ProtocolOther, nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return ipca.ProtocolOther, nil, fmt.Errorf("mockengine: timed out waiting for response")
	}
}

func (h *resourceHandle) Get(ctx context.Context, query map[string]string, handler ipca.ResponseHandler) error {
	go func() {
		code, rep, err := h.roundTrip(ctx, "get", nil)
		handler(code, rep, err)
	}()
	return nil
}

func (h *resourceHandle) Post(ctx context.Context, query map[string]string, payload ipca.Representation, handler ipca.ResponseHandler) error {
	go func() {
		code, rep, err := h.roundTrip(ctx, "post", payload)
		handler(code, rep, err)
	}()
	return nil
}

func (h *resourceHandle) Delete(ctx context.Context, query map[string]string, handler ipca.ResponseHandler) error {
	go func() {
		code, rep, err := h.roundTrip(ctx, "delete", nil)
		handler(code, rep, err)
	}()
	return nil
}

func (h *resourceHandle) Observe(ctx context.Context, obsType ipca.ObserveType, query map[string]string, handler ipca.ResponseHandler) error {
	if obsType == ipca.ObserveDeregister {
		return h.CancelObserve(ctx)
	}

	h.obsMu.Lock()
	if h.obsStop != nil {
		h.obsMu.Unlock()
		return fmt.Errorf("mockengine: already observing %s", h.path)
	}
	stop := make(chan struct{})
	h.obsStop = stop
	h.obsMu.Unlock()

	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				code, rep, err := h.roundTrip(ctx, "observe", nil)
				handler(code, rep, err)
			}
		}
	}()
	return nil
}

func (h *resourceHandle) CancelObserve(ctx context.Context) error {
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	if h.obsStop != nil {
		close(h.obsStop)
		h.obsStop = nil
	}
	return nil
}
