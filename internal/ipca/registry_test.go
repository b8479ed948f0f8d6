package ipca

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertOrUpdate_NewDevice(t *testing.T) {
	r := newRegistry()

	entry, isNew, changed := r.insertOrUpdate(DiscoveryRecord{
		DeviceID:           "dev-1",
		Host:               "coap://10.0.0.1:5683",
		Path:               "/light/1",
		ResourceTypes:      []string{"oic.r.switch.binary"},
		ResourceInterfaces: []string{"oic.if.a"},
	})

	require.True(t, isNew)
	require.True(t, changed)
	assert.Equal(t, "dev-1", entry.deviceID)
	assert.Same(t, entry, r.lookup("dev-1"))
	assert.Same(t, entry, r.lookupByURI("coap://10.0.0.1:5683"))
}

func TestRegistryInsertOrUpdate_SecondResourceNoDuplicateURI(t *testing.T) {
	r := newRegistry()

	r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/a", ResourceTypes: []string{"rt.a"}})
	entry, isNew, changed := r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/b", ResourceTypes: []string{"rt.b"}})

	assert.False(t, isNew)
	assert.True(t, changed)
	assert.Len(t, entry.uris, 1, "same host URI must not be duplicated in the entry's URI list")
	assert.Len(t, entry.resources, 2)
}

func TestRegistryRemove_ClearsSecondaryIndex(t *testing.T) {
	r := newRegistry()
	r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/a"})
	r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h2", Path: "/a"})

	r.remove("dev-1")

	assert.Nil(t, r.lookup("dev-1"))
	assert.Nil(t, r.lookupByURI("h1"))
	assert.Nil(t, r.lookupByURI("h2"))
}

func TestClassifyForMaintenance_IdleEvictableExcludesBoundObserve(t *testing.T) {
	r := newRegistry()
	entry, _, _ := r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/a"})

	entry.mu.Lock()
	entry.openCount = 0
	entry.lastCloseTime = time.Now().Add(-10 * time.Minute)
	entry.resources["/a"].bound = true
	entry.mu.Unlock()

	idle, _, _ := r.classifyForMaintenance(time.Now(), 5*time.Minute, time.Minute)
	assert.Empty(t, idle, "a device with a bound observe must never be classified idle-evictable")
}

func TestClassifyForMaintenance_IdleEvictableExcludesActiveSecurity(t *testing.T) {
	r := newRegistry()
	entry, _, _ := r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/a"})

	entry.mu.Lock()
	entry.openCount = 0
	entry.lastCloseTime = time.Now().Add(-10 * time.Minute)
	entry.security.isStarted = true
	entry.mu.Unlock()

	idle, _, _ := r.classifyForMaintenance(time.Now(), 5*time.Minute, time.Minute)
	assert.Empty(t, idle, "a device with an in-flight security worker must never be evicted")
}

func TestClassifyForMaintenance_NotRespondingFlaggedOnce(t *testing.T) {
	r := newRegistry()
	entry, _, _ := r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/a"})

	entry.mu.Lock()
	entry.openCount = 1 // keep it out of the idle branch
	entry.lastResponseToDiscovery = time.Now().Add(-2 * time.Minute)
	entry.mu.Unlock()

	_, notResponding, _ := r.classifyForMaintenance(time.Now(), 5*time.Minute, time.Minute)
	require.Len(t, notResponding, 1)
	assert.Equal(t, "dev-1", notResponding[0].deviceID)

	_, notResponding2, _ := r.classifyForMaintenance(time.Now(), 5*time.Minute, time.Minute)
	assert.Empty(t, notResponding2, "notRespondingIndicated must gate repeat flagging until cleared")
}

func TestSnapshotSummaries(t *testing.T) {
	r := newRegistry()
	r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-1", Host: "h1", Path: "/a", ResourceTypes: []string{"rt.a"}})
	r.insertOrUpdate(DiscoveryRecord{DeviceID: "dev-2", Host: "h2", Path: "/b", ResourceTypes: []string{"rt.b"}})

	summaries := r.snapshotSummaries()
	assert.Len(t, summaries, 2)
}
