package ipca

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// motDiscoveryTimeout and securityAwaitTimeout bound the two blocking steps
// of the MOT handshake (§4.6).
const (
	motDiscoveryTimeout   = 5 * time.Second
	securityAwaitTimeout  = 30 * time.Second
	maxConcurrentSecurity = 8
)

// securityPhase names the states of the per-device RequestAccess state
// machine (§4.6).
type securityPhase int

const (
	phaseIdle securityPhase = iota
	phasePreflight
	phaseDiscoverMOT
	phasePreconfigure
	phaseTransfer
	phaseAwaitCompletion
	phaseTerminal
)

// securityOrchestrator is the Security Access Orchestrator (C7). One worker
// goroutine runs the phase sequence per device; concurrency across devices
// is bounded by a weighted semaphore so a burst of RequestAccess calls can
// never spawn an unbounded number of provisioning-stack workers. Grounded on
// agentexec.Server's per-request goroutine plus pendingReqs/timeout
// rendezvous, generalized from a single request/response to a multi-phase
// state machine.
type securityOrchestrator struct {
	reg     *registry
	bus     *bus
	engine  ProvisioningEngine
	metrics *metricsSet

	sem *semaphore.Weighted
}

func newSecurityOrchestrator(reg *registry, bus *bus, engine ProvisioningEngine, metrics *metricsSet) *securityOrchestrator {
	s := &securityOrchestrator{
		reg:     reg,
		bus:     bus,
		engine:  engine,
		metrics: metrics,
		sem:     semaphore.NewWeighted(maxConcurrentSecurity),
	}

	// The provisioning engine may itself need a PIN mid-transfer (e.g. a
	// random-device-pin device that prompts during DoMultipleOwnershipTransfer
	// rather than before it); forward those requests onto the bus the same
	// way requestPin does for the preflight preconfigured-PIN case.
	_ = engine.RegisterInputPinCallback(func(deviceID string, method PinMethod) (string, error) {
		return s.requestPin(deviceID, method)
	})
	_ = engine.RegisterDisplayPinCallback(func(deviceID string, pin string) {
		s.bus.deliver(Event{Kind: EventPasswordDisplay, DeviceID: deviceID, PIN: pin})
	})

	return s
}

// RequestAccess starts (or reports in-progress for) a MOT handshake against
// deviceUUID. It returns immediately; the terminal outcome is delivered via
// a RequestAccessComplete event.
func (s *securityOrchestrator) RequestAccess(ctx context.Context, deviceID, deviceUUID string) Status {
	entry := s.reg.lookup(deviceID)
	if entry == nil {
		return StatusDeviceNotDiscovered
	}

	entry.mu.Lock()
	if entry.security.isStarted {
		entry.mu.Unlock()
		return StatusFail
	}
	entry.security = securityState{
		isStarted:  true,
		completion: make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	entry.mu.Unlock()

	go s.runWorker(ctx, entry, deviceUUID)
	return StatusOK
}

// runWorker executes the phase sequence for one device. It always closes
// workerDone on return so AwaitCompletion (and Stop's drain) never blocks
// forever on a worker that exited early.
func (s *securityOrchestrator) runWorker(ctx context.Context, entry *deviceEntry, deviceUUID string) {
	entry.mu.Lock()
	done := entry.security.workerDone
	entry.mu.Unlock()
	defer close(done)

	if s.metrics != nil {
		s.metrics.activeSecurityWorkers.Inc()
		defer s.metrics.activeSecurityWorkers.Dec()
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(entry, StatusFail, err)
		return
	}
	defer s.sem.Release(1)

	deviceID := entry.deviceID
	setPhase := func(p securityPhase) {
		entry.mu.Lock()
		entry.security.phase = p
		entry.mu.Unlock()
	}
	setPhase(phasePreflight)

	discCtx, cancel := context.WithTimeout(ctx, motDiscoveryTimeout)
	handle, err := s.engine.DiscoverMultipleOwnerEnabledDevice(discCtx, int(motDiscoveryTimeout.Seconds()), deviceUUID)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("mot discovery failed")
		s.finish(entry, StatusFail, err)
		return
	}
	setPhase(phaseDiscoverMOT)

	subowner := handle.IsSubownerOfDevice()
	entry.mu.Lock()
	entry.security.handle = handle
	entry.security.subowner = subowner
	entry.mu.Unlock()

	if subowner {
		s.finish(entry, StatusSecurityUpdateRequestFinished, nil)
		return
	}

	method := handle.SelectedOwnershipTransferMethod()
	switch method {
	case MethodRandomDevicePin, MethodPreconfiguredPin:
		setPhase(phasePreconfigure)
		if method == MethodPreconfiguredPin {
			pin, err := s.requestPin(deviceID, PinMethodPreconfigured)
			if err != nil {
				s.finish(entry, StatusFail, err)
				return
			}
			if err := handle.AddPreconfigPIN(pin); err != nil {
				s.finish(entry, StatusFail, err)
				return
			}
		}
	default:
		s.finish(entry, StatusSecurityUpdateRequestNotSupported, nil)
		return
	}

	setPhase(phaseTransfer)

	completionErrCh := make(chan error, 1)
	err = s.engine.DoMultipleOwnershipTransfer(ctx, handle, deviceID, func(completedDeviceID string, transferErr error) {
		completionErrCh <- transferErr
		entry.mu.Lock()
		entry.security.signalComplete()
		entry.mu.Unlock()
	})
	if err != nil {
		s.finish(entry, StatusFail, err)
		return
	}

	setPhase(phaseAwaitCompletion)

	entry.mu.Lock()
	completion := entry.security.completion
	entry.mu.Unlock()

	select {
	case <-completion:
		select {
		case transferErr := <-completionErrCh:
			if transferErr != nil {
				s.finish(entry, StatusSecurityUpdateRequestFailed, transferErr)
				return
			}
			s.finish(entry, StatusSecurityUpdateRequestFinished, nil)
		default:
			// completion was closed by drainWorkers, not by the transfer.
			s.finish(entry, StatusFail, context.Canceled)
		}
	case <-time.After(securityAwaitTimeout):
		s.finish(entry, StatusSecurityUpdateRequestFailed, context.DeadlineExceeded)
	case <-ctx.Done():
		s.finish(entry, StatusFail, ctx.Err())
	}
}

// requestPin delivers a PasswordInputRequested event and waits up to
// securityAwaitTimeout for a listener to reply with the PIN. It serves both
// runWorker's preconfigured-PIN step and the provisioning engine's input-pin
// callback. This package never prompts directly — PIN collection is an
// application concern (§4.6, §6).
func (s *securityOrchestrator) requestPin(deviceID string, method PinMethod) (string, error) {
	result := make(chan string, 1)
	s.bus.deliver(Event{
		Kind:           EventPasswordInputRequested,
		DeviceID:       deviceID,
		PasswordMethod: method,
		Reply:          result,
	})
	select {
	case pin := <-result:
		return pin, nil
	case <-time.After(securityAwaitTimeout):
		return "", context.DeadlineExceeded
	}
}

// finish marks the phase machine terminal and delivers RequestAccessComplete.
func (s *securityOrchestrator) finish(entry *deviceEntry, status Status, err error) {
	entry.mu.Lock()
	entry.security.isStarted = false
	entry.security.phase = phaseTerminal
	entry.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("device_id", entry.deviceID).Str("status", status.String()).Msg("security access finished")
	}
	s.bus.deliver(Event{
		Kind:     EventRequestAccessComplete,
		DeviceID: entry.deviceID,
		Status:   status,
	})
}

// AwaitCompletion blocks the caller until the device's in-flight security
// worker exits, or until securityAwaitTimeout elapses, whichever comes
// first (§4.6's synchronous convenience wrapper around the otherwise
// event-driven handshake).
func (s *securityOrchestrator) AwaitCompletion(deviceID string) Status {
	entry := s.reg.lookup(deviceID)
	if entry == nil {
		return StatusDeviceNotDiscovered
	}

	entry.mu.Lock()
	if !entry.security.isStarted {
		entry.mu.Unlock()
		return StatusOK
	}
	done := entry.security.workerDone
	entry.mu.Unlock()

	select {
	case <-done:
		return StatusOK
	case <-time.After(securityAwaitTimeout):
		return StatusFail
	}
}

// drainWorkers signals completion for every in-flight security worker (which
// ends a worker waiting for transfer completion) and then waits for each of
// those workers to exit. Used by the Lifecycle Controller (C8) during Stop so
// no security worker outlives the Client (§4.8).
func (s *securityOrchestrator) drainWorkers() {
	var pending []chan struct{}
	for _, e := range s.reg.snapshotDevices() {
		e.mu.Lock()
		if e.security.isStarted {
			e.security.signalComplete()
			pending = append(pending, e.security.workerDone)
		}
		e.mu.Unlock()
	}
	for _, done := range pending {
		<-done
	}
}
