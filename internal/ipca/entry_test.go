package ipca

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeviceEntry_AddResourceUnionsTypesAndInterfaces(t *testing.T) {
	e := newDeviceEntry("dev-1")

	_, changed := e.addResource("/a", nil, []string{"rt.a"}, []string{"if.a"})
	assert.True(t, changed)

	_, changed = e.addResource("/b", nil, []string{"rt.a"}, []string{"if.b"})
	assert.True(t, changed, "new interface on a second resource must still register as a device-level change")

	types := e.resourceTypesSnapshot()
	assert.ElementsMatch(t, []string{"rt.a"}, types, "invariant 4: resourceTypes is the union across all resources, not a per-resource list")
}

func TestDeviceEntry_AddResourceNoChangeWhenNothingNew(t *testing.T) {
	e := newDeviceEntry("dev-1")
	e.addResource("/a", nil, []string{"rt.a"}, []string{"if.a"})

	_, changed := e.addResource("/a", nil, []string{"rt.a"}, []string{"if.a"})
	assert.False(t, changed)
}

func TestDeviceEntry_IsIdleRequiresZeroOpenCountAndElapsedThreshold(t *testing.T) {
	e := newDeviceEntry("dev-1")
	assert.False(t, e.isIdle(time.Now(), time.Minute), "never-closed entry is never idle")

	e.openCount = 0
	e.lastCloseTime = time.Now().Add(-2 * time.Minute)
	assert.True(t, e.isIdle(time.Now(), time.Minute))

	e.openCount = 1
	assert.False(t, e.isIdle(time.Now(), time.Minute), "an open handle blocks idle eviction regardless of lastCloseTime")
}

func TestDeviceEntry_NeedsMetadataFetchRespectsRetryCap(t *testing.T) {
	e := newDeviceEntry("dev-1")
	assert.True(t, e.needsMetadataFetch())

	e.info.requestCount = metadataRetryCap
	e.platform.requestCount = metadataRetryCap
	e.maintenanceRequestCount = metadataRetryCap
	assert.False(t, e.needsMetadataFetch(), "once every kind hits the retry cap, no further fetch is needed")
}

func TestSecurityState_SignalCompleteIsIdempotent(t *testing.T) {
	s := &securityState{completion: make(chan struct{})}
	assert.NotPanics(t, func() {
		s.signalComplete()
		s.signalComplete()
	})
	select {
	case <-s.completion:
	default:
		t.Fatal("completion channel should be closed after signalComplete")
	}
}
