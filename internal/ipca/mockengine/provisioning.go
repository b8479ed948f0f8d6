package mockengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicecore/ipca/internal/ipca"
)

// Provisioner is a loopback double for ipca.ProvisioningEngine. Every
// device UUID is "discoverable" for MOT and transfers successfully after
// a short simulated delay, unless configured otherwise via FailTransfer.
type Provisioner struct {
	mu           sync.Mutex
	dbPath       string
	method       ipca.OwnershipTransferMethod
	subowner     map[string]bool
	failTransfer map[string]bool

	inputCb   ipca.InputPinCallback
	displayCb ipca.DisplayPinCallback
}

// NewProvisioner returns a Provisioner that offers MethodRandomDevicePin by
// default; call SetMethod to simulate a preconfigured-PIN device.
func NewProvisioner() *Provisioner {
	return &Provisioner{
		method:       ipca.MethodRandomDevicePin,
		subowner:     make(map[string]bool),
		failTransfer: make(map[string]bool),
	}
}

// SetMethod changes which ownership-transfer method DiscoverMultipleOwnerEnabledDevice reports.
func (p *Provisioner) SetMethod(m ipca.OwnershipTransferMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.method = m
}

// SetSubowner marks deviceUUID as already-subowned, so the next
// DiscoverMultipleOwnerEnabledDevice for it reports IsSubownerOfDevice true.
func (p *Provisioner) SetSubowner(deviceUUID string, subowner bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subowner[deviceUUID] = subowner
}

// FailTransfer marks deviceID's next DoMultipleOwnershipTransfer to fail,
// for exercising the security-failed test scenario.
func (p *Provisioner) FailTransfer(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTransfer[deviceID] = true
}

func (p *Provisioner) ProvisionInit(dbPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dbPath = dbPath
	return nil
}

func (p *Provisioner) DiscoverMultipleOwnerEnabledDevice(ctx context.Context, timeoutSeconds int, deviceUUID string) (ipca.MOTHandle, error) {
	p.mu.Lock()
	method := p.method
	subowner := p.subowner[deviceUUID]
	p.mu.Unlock()

	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &motHandle{deviceUUID: deviceUUID, method: method, subowner: subowner}, nil
}

func (p *Provisioner) DoMultipleOwnershipTransfer(ctx context.Context, handle ipca.MOTHandle, deviceID string, onComplete ipca.TransferCompleteHandler) error {
	p.mu.Lock()
	shouldFail := p.failTransfer[deviceID]
	delete(p.failTransfer, deviceID)
	p.mu.Unlock()

	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			onComplete(deviceID, ctx.Err())
			return
		}
		if shouldFail {
			onComplete(deviceID, fmt.Errorf("mockengine: simulated transfer failure"))
			return
		}
		onComplete(deviceID, nil)
	}()
	return nil
}

func (p *Provisioner) RegisterInputPinCallback(cb ipca.InputPinCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputCb = cb
	return nil
}

func (p *Provisioner) DeregisterInputPinCallback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputCb = nil
	return nil
}

func (p *Provisioner) RegisterDisplayPinCallback(cb ipca.DisplayPinCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayCb = cb
	return nil
}

func (p *Provisioner) DeregisterDisplayPinCallback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayCb = nil
	return nil
}

// motHandle implements ipca.MOTHandle for a single simulated device.
type motHandle struct {
	deviceUUID string
	method     ipca.OwnershipTransferMethod
	pin        string
	subowner   bool
}

func (h *motHandle) IsSubownerOfDevice() bool { return h.subowner }

func (h *motHandle) SelectedOwnershipTransferMethod() ipca.OwnershipTransferMethod {
	return h.method
}

func (h *motHandle) AddPreconfigPIN(pin string) error {
	h.pin = pin
	return nil
}
