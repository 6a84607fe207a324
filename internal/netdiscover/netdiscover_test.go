package netdiscover

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectPublicIPFallsThroughToWorkingEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(" 203.0.113.5 \n"))
	}))
	defer srv.Close()

	restore := ipEndpoints
	ipEndpoints = []string{srv.URL}
	defer func() { ipEndpoints = restore }()

	ip, err := DetectPublicIP(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip)
}

func TestDetectPublicIPAllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	restore := ipEndpoints
	ipEndpoints = []string{srv.URL}
	defer func() { ipEndpoints = restore }()

	_, err := DetectPublicIP(context.Background(), nil)
	assert.Error(t, err)
}

func TestDetectRegionBestEffortOnFailure(t *testing.T) {
	region := DetectRegion(context.Background(), "203.0.113.5-invalid-host-for-test", nil)
	assert.Equal(t, "", region)
}
