package ipca

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapProtocolStatus_SetCreateDelete(t *testing.T) {
	cases := []struct {
		code ProtocolCode
		want Status
	}{
		{ProtocolOK, StatusOK},
		{ProtocolResourceChanged, StatusOK},
		{ProtocolResourceCreated, StatusResourceCreated},
		{ProtocolResourceDeleted, StatusResourceDeleted},
		{ProtocolUnauthorized, StatusAccessDenied},
		{ProtocolOther, StatusFail},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, mapProtocolStatus(c.code), "code=%v", c.code)
	}
}

func TestMapProtocolStatusGetObserve_PreservesAsymmetry(t *testing.T) {
	// Unlike mapProtocolStatus, the get/observe mapping does not special-case
	// Unauthorized: it only distinguishes <= ResourceChanged from anything
	// higher.
	assert.Equal(t, StatusOK, mapProtocolStatusGetObserve(ProtocolOK))
	assert.Equal(t, StatusOK, mapProtocolStatusGetObserve(ProtocolResourceChanged))
	assert.Equal(t, StatusFail, mapProtocolStatusGetObserve(ProtocolResourceCreated))
	assert.Equal(t, StatusFail, mapProtocolStatusGetObserve(ProtocolUnauthorized))
	assert.Equal(t, StatusFail, mapProtocolStatusGetObserve(ProtocolOther))
}

func TestStatus_StringCoversEveryValue(t *testing.T) {
	for s := StatusOK; s <= StatusSecurityUpdateRequestNotSupported; s++ {
		assert.NotEqual(t, "Unknown", s.String())
	}
}
