package ipca

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeEngine is a minimal in-package ProtocolEngine double for exercising
// discoveryFetcher's retry-cap and event-emission logic directly.
type fakeEngine struct {
	mu              sync.Mutex
	deviceInfoCalls int32
	failDeviceInfo  bool
}

func (f *fakeEngine) FindResource(ctx context.Context, host, uri string, handler DiscoveryResponseHandler) error {
	return nil
}

func (f *fakeEngine) GetDeviceInfo(ctx context.Context, host, uri string, handler InfoResponseHandler) error {
	atomic.AddInt32(&f.deviceInfoCalls, 1)
	f.mu.Lock()
	fail := f.failDeviceInfo
	f.mu.Unlock()
	if fail {
		handler(nil, nil, context.DeadlineExceeded)
		return nil
	}
	handler(&DeviceInfoRecord{Name: "n", SoftwareVersion: "1.0"}, nil, nil)
	return nil
}

func (f *fakeEngine) GetPlatformInfo(ctx context.Context, host, uri string, handler InfoResponseHandler) error {
	handler(nil, &PlatformInfoRecord{PlatformID: "p"}, nil)
	return nil
}

func (f *fakeEngine) GetPropertyValue(ctx context.Context, host, kind, key string) (string, error) {
	return "", context.DeadlineExceeded
}

func TestDiscoveryFetcher_OnDiscoveryResponse_NewDeviceFiresEvent(t *testing.T) {
	reg := newRegistry()
	b := newBus(reg)
	engine := &fakeEngine{}
	f := newDiscoveryFetcher(reg, b, engine)

	fired := make(chan Event, 2)
	b.Add(func(ev Event) {
		if ev.Kind == EventDeviceDiscovered {
			fired <- ev
		}
	})

	f.onDiscoveryResponse(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/a", ResourceTypes: []string{"rt.a"}})

	select {
	case ev := <-fired:
		require.Equal(t, "dev-1", ev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first DeviceDiscovered")
	}

	entry := reg.lookup("dev-1")
	require.NotNil(t, entry)

	// fetchCommonResources runs in a goroutine off onDiscoveryResponse; give
	// it a moment to land.
	require.Eventually(t, func() bool {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.info.available && entry.platform.available
	}, time.Second, 10*time.Millisecond)

	// Once device-info becomes available, a second DeviceDiscovered fires
	// with Responsive=true, Updated=true, and the populated device name.
	select {
	case ev := <-fired:
		require.Equal(t, "dev-1", ev.DeviceID)
		require.True(t, ev.Responsive)
		require.True(t, ev.Updated)
		require.Equal(t, "n", ev.Info.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second DeviceDiscovered")
	}
}

func TestDiscoveryFetcher_FetchDeviceInfo_RespectsRetryCap(t *testing.T) {
	reg := newRegistry()
	b := newBus(reg)
	engine := &fakeEngine{failDeviceInfo: true}
	f := newDiscoveryFetcher(reg, b, engine)

	entry := newDeviceEntry("dev-1")
	reg.mu.Lock()
	reg.byID["dev-1"] = entry
	reg.mu.Unlock()

	for i := 0; i < metadataRetryCap+2; i++ {
		f.fetchDeviceInfo(context.Background(), entry, "h1")
	}

	require.Equal(t, int32(metadataRetryCap), atomic.LoadInt32(&engine.deviceInfoCalls),
		"fetchDeviceInfo must stop issuing requests once requestCount reaches the cap")

	entry.mu.Lock()
	defer entry.mu.Unlock()
	require.False(t, entry.info.available)
}
