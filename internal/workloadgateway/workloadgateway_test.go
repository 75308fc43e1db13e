package workloadgateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/domain"
)

func TestDeploymentStatus_Active(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"active","host_endpoint":"https://node.example.com:8545"}`))
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL, Logger: zap.NewNop()})
	status := gw.DeploymentStatus(t.Context(), "seq-1")

	require.Equal(t, domain.MarketplaceActive, status.State)
	assert.Equal(t, "https://node.example.com:8545", status.HostEndpoint)
}

func TestDeploymentStatus_NotFoundMeansClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL, Logger: zap.NewNop()})
	status := gw.DeploymentStatus(t.Context(), "seq-missing")

	assert.Equal(t, domain.MarketplaceClosed, status.State)
}

func TestDeploymentStatus_TransportFailureMeansUnknown(t *testing.T) {
	gw := New(Config{Endpoint: "http://127.0.0.1:1", Logger: zap.NewNop()})
	status := gw.DeploymentStatus(t.Context(), "seq-1")

	assert.Equal(t, domain.MarketplaceUnknown, status.State)
}

func TestDeploymentStatus_UnrecognizedStateNormalizesToUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"frobnicating"}`))
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL, Logger: zap.NewNop()})
	status := gw.DeploymentStatus(t.Context(), "seq-1")

	assert.Equal(t, domain.MarketplaceUnknown, status.State)
}

func TestHealthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := New(Config{Endpoint: srv.URL, Logger: zap.NewNop()})
	assert.True(t, gw.HealthProbe(t.Context(), srv.URL))
}

func TestHealthProbe_EmptyHostEndpointIsUnreachable(t *testing.T) {
	gw := New(Config{Endpoint: "http://unused.invalid", Logger: zap.NewNop()})
	assert.False(t, gw.HealthProbe(t.Context(), ""))
}
