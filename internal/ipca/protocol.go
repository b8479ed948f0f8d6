package ipca

import "context"

// ProtocolCode is a response code returned by the protocol engine. The
// engine is an injected capability (§6); this package only needs to be able
// to compare codes against the well-known ones below to derive a Status.
type ProtocolCode int

const (
	ProtocolOK               ProtocolCode = iota // OK / Continue
	ProtocolResourceChanged                      // highest code mapping to Ok for get/observe
	ProtocolResourceCreated
	ProtocolResourceDeleted
	ProtocolUnauthorized
	ProtocolOther // any other/unrecognized code; always maps to Fail
)

// Representation is an opaque protocol payload. The real engine would carry
// CBOR/CoAP content; this layer never interprets it, only forwards it.
type Representation map[string]interface{}

// ObserveType selects the observe registration/deregistration behavior on a
// resource handle.
type ObserveType int

const (
	ObserveRegister ObserveType = iota
	ObserveDeregister
)

// ResourceHandle is the opaque reference the protocol engine hands back for
// a discovered resource. The core never constructs one itself.
type ResourceHandle interface {
	URI() string
	Host() string
	SID() string
	ResourceTypes() []string
	ResourceInterfaces() []string
	IsObservable() bool

	Get(ctx context.Context, query map[string]string, handler ResponseHandler) error
	Post(ctx context.Context, query map[string]string, payload Representation, handler ResponseHandler) error
	Delete(ctx context.Context, query map[string]string, handler ResponseHandler) error
	Observe(ctx context.Context, obsType ObserveType, query map[string]string, handler ResponseHandler) error
	CancelObserve(ctx context.Context) error
}

// ResponseHandler receives a terminal or update response from the protocol
// engine for a single dispatched operation.
type ResponseHandler func(code ProtocolCode, rep Representation, err error)

// DiscoveryRecord is what the protocol engine's findResource response
// handler reports for a single discovered resource.
type DiscoveryRecord struct {
	DeviceID            string
	Host                string
	Path                string
	ResourceTypes       []string
	ResourceInterfaces  []string
	Handle              ResourceHandle
}

// DiscoveryResponseHandler is invoked by the protocol engine once per
// discovered resource, possibly many times for one findResource call.
type DiscoveryResponseHandler func(DiscoveryRecord)

// DeviceInfoRecord carries the well-known device-resource keys (§4.3).
type DeviceInfoRecord struct {
	Host                  string
	Name                  string // "n"
	SoftwareVersion       string // "icv"
	DataModelVersionsRaw  string // "dmv"
	DataModelVersions     []string
	ProtocolIndependentID string
}

// PlatformInfoRecord carries the 11-field platform record (§3).
type PlatformInfoRecord struct {
	Host               string
	PlatformID         string
	ManufacturerName   string
	ManufacturerURL    string
	Model              string
	ManufacturingDate  string
	PlatformVersion    string
	OSVersion          string
	HardwareVersion    string
	FirmwareVersion    string
	SupportURL         string
	ReferenceTime      string
}

// InfoResponseHandler receives either a device-info or platform-info
// response. On success exactly one of the two pointers is non-nil; when err
// is non-nil both may be nil.
type InfoResponseHandler func(device *DeviceInfoRecord, platform *PlatformInfoRecord, err error)

// ProtocolEngine is the narrow surface the Discovery & Metadata Fetcher (C4)
// and Operation Dispatcher (C5) consume. It is injected at Start and is
// never implemented by this package outside of internal/ipca/mockengine
// (test/demo double) — see §6.
type ProtocolEngine interface {
	// FindResource issues a discovery query. host empty means multicast;
	// uri is the well-known-resources path, optionally with an "?rt=" filter.
	FindResource(ctx context.Context, host, uri string, handler DiscoveryResponseHandler) error
	GetDeviceInfo(ctx context.Context, host, uri string, handler InfoResponseHandler) error
	GetPlatformInfo(ctx context.Context, host, uri string, handler InfoResponseHandler) error
	GetPropertyValue(ctx context.Context, host, kind, key string) (string, error)
}

// MOTHandle is the opaque multiple-ownership-transfer probe result for one
// device (§4.6, §6).
type MOTHandle interface {
	IsSubownerOfDevice() bool
	SelectedOwnershipTransferMethod() OwnershipTransferMethod
	AddPreconfigPIN(pin string) error
}

// OwnershipTransferMethod enumerates the MOT methods a device may select.
type OwnershipTransferMethod int

const (
	MethodRandomDevicePin OwnershipTransferMethod = iota
	MethodPreconfiguredPin
	MethodOther
)

// TransferCompleteHandler is invoked once by the provisioning stack when a
// doMultipleOwnershipTransfer call finishes.
type TransferCompleteHandler func(deviceID string, err error)

// ProvisioningEngine is the narrow surface the Security Access Orchestrator
// (C7) consumes (§6).
type ProvisioningEngine interface {
	ProvisionInit(dbPath string) error
	DiscoverMultipleOwnerEnabledDevice(ctx context.Context, timeout_ uintSeconds, deviceUUID string) (MOTHandle, error)
	DoMultipleOwnershipTransfer(ctx context.Context, handle MOTHandle, deviceID string, onComplete TransferCompleteHandler) error
	RegisterInputPinCallback(cb InputPinCallback) error
	DeregisterInputPinCallback() error
	RegisterDisplayPinCallback(cb DisplayPinCallback) error
	DeregisterDisplayPinCallback() error
}

// uintSeconds documents that a duration here is always expressed as whole
// seconds, matching the synchronous C timeout the spec describes.
type uintSeconds = int

// PinMethod distinguishes how a PIN is obtained for display/input prompts.
type PinMethod int

const (
	PinMethodRandom PinMethod = iota
	PinMethodPreconfigured
)

// InputPinCallback is invoked by the provisioning stack when it needs the
// application to supply a PIN (random or preconfigured).
type InputPinCallback func(deviceID string, method PinMethod) (pin string, err error)

// DisplayPinCallback is invoked by the provisioning stack when a PIN should
// be shown to the user rather than collected.
type DisplayPinCallback func(deviceID string, pin string)

// PersistentStorage is the five-operation capability for the security
// credential database (§6): standard stdio semantics only.
type PersistentStorage interface {
	Open(path string, mode string) (StorageHandle, error)
	Unlink(path string) error
}

// StorageHandle is a single opened file-like stream.
type StorageHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
