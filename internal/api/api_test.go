package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agentsentinel/controlplane/internal/db"
	"github.com/agentsentinel/controlplane/internal/deploymentregistry"
	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/evaluator"
	"github.com/agentsentinel/controlplane/internal/eventhub"
	"github.com/agentsentinel/controlplane/internal/keyedlock"
	"github.com/agentsentinel/controlplane/internal/reportstore"
)

type fakeChain struct {
	addrs     []string
	snapshots map[string]domain.AgentSnapshot
	failOn    map[string]bool
	decisions []domain.Event
}

func (f *fakeChain) Snapshot(ctx context.Context, addr string) (domain.AgentSnapshot, error) {
	if f.failOn[addr] {
		return domain.AgentSnapshot{}, assertErr
	}
	snap, ok := f.snapshots[addr]
	if !ok {
		return domain.AgentSnapshot{}, assertErr
	}
	return snap, nil
}
func (f *fakeChain) Enumerate(ctx context.Context) ([]string, error) { return f.addrs, nil }
func (f *fakeChain) WatchCreations(ctx context.Context, cb func(addr string)) error {
	<-ctx.Done()
	return nil
}
func (f *fakeChain) WatchHeartbeats(ctx context.Context, addr string, cb func(domain.Event)) error {
	<-ctx.Done()
	return nil
}
func (f *fakeChain) Decisions(ctx context.Context, addr string, limit int) ([]domain.Event, error) {
	return f.decisions, nil
}
func (f *fakeChain) Close() {}

var assertErr = &simpleErr{"snapshot unavailable"}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

// withURLParam injects a chi route parameter into the request context so
// handlers under test can be invoked directly, bypassing the router.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func openAPITestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&db.DeploymentHandle{}, &db.MissingReport{}))
	return gdb
}

func testThresholds() evaluator.Thresholds {
	return evaluator.Thresholds{
		NominalInterval:   6 * time.Hour,
		HardDeadline:      7 * 24 * time.Hour,
		WarningThreshold:  24 * time.Hour,
		CriticalThreshold: 6 * time.Hour,
	}
}

func TestAgentsList_FiltersByStatusAndFlagsPartial(t *testing.T) {
	chain := &fakeChain{
		addrs: []string{"0x1111111111111111111111111111111111111111", "0x2222222222222222222222222222222222222222", "0x3333333333333333333333333333333333333333"},
		snapshots: map[string]domain.AgentSnapshot{
			"0x1111111111111111111111111111111111111111": {Address: "0x1111111111111111111111111111111111111111", Alive: true, LastHeartbeatAt: time.Now()},
			"0x2222222222222222222222222222222222222222": {Address: "0x2222222222222222222222222222222222222222", Alive: false},
		},
		failOn: map[string]bool{"0x3333333333333333333333333333333333333333": true},
	}
	gdb := openAPITestDB(t)
	registry := deploymentregistry.New(gdb)
	reports := reportstore.New(gdb, keyedlock.New())

	h := NewAgentHandler(chain, registry, reports, testThresholds(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/agents?status=alive", nil)
	w := httptest.NewRecorder()
	h.List(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Items   []agentSummary `json:"items"`
			Partial bool           `json:"partial"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.True(t, body.Data.Partial)
	require.Len(t, body.Data.Items, 1)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", body.Data.Items[0].Address)
}

func TestAgentsGetByID_InvalidAddressReturns400(t *testing.T) {
	chain := &fakeChain{}
	gdb := openAPITestDB(t)
	h := NewAgentHandler(chain, deploymentregistry.New(gdb), reportstore.New(gdb, keyedlock.New()), testThresholds(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/agents/not-an-address", nil)
	req = withURLParam(req, "addr", "not-an-address")
	w := httptest.NewRecorder()
	h.GetByID(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_ADDRESS")
}

func TestAgentsGetByID_UnknownAgentReturns404(t *testing.T) {
	chain := &fakeChain{}
	gdb := openAPITestDB(t)
	h := NewAgentHandler(chain, deploymentregistry.New(gdb), reportstore.New(gdb, keyedlock.New()), testThresholds(), zap.NewNop())

	addr := "0x4444444444444444444444444444444444444444"
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/agents/"+addr, nil), "addr", addr)
	w := httptest.NewRecorder()
	h.GetByID(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "AGENT_NOT_FOUND")
}

func TestReports_AcknowledgeThenResolve(t *testing.T) {
	gdb := openAPITestDB(t)
	store := reportstore.New(gdb, keyedlock.New())
	h := NewReportHandler(store, zap.NewNop())

	report, err := store.Create(t.Context(), reportstore.Incident{
		AgentAddress: "0xabc", Severity: domain.SeverityWarning,
		ExpectedAt: time.Now(), LastHeartbeatAt: time.Now(), DeadlineAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	ackBody := strings.NewReader(`{"actor":"operator-1"}`)
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/missing-reports/"+report.ID+"/acknowledge", ackBody), "id", report.ID)
	w := httptest.NewRecorder()
	h.Acknowledge(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	resolveBody := strings.NewReader(`{"resolution":"heartbeat observed"}`)
	req2 := withURLParam(httptest.NewRequest(http.MethodPost, "/missing-reports/"+report.ID+"/resolve", resolveBody), "id", report.ID)
	w2 := httptest.NewRecorder()
	h.Resolve(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)

	fetched, err := store.Get(t.Context(), report.ID)
	require.NoError(t, err)
	assert.True(t, fetched.Resolved)
	assert.True(t, fetched.Acknowledged)
}

func TestReports_AcknowledgeUnknownIDReturns404(t *testing.T) {
	gdb := openAPITestDB(t)
	store := reportstore.New(gdb, keyedlock.New())
	h := NewReportHandler(store, zap.NewNop())

	body := strings.NewReader(`{"actor":"operator-1"}`)
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/missing-reports/does-not-exist/acknowledge", body), "id", "does-not-exist")
	w := httptest.NewRecorder()
	h.Acknowledge(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "REPORT_NOT_FOUND")
}

func TestOverview_AggregatesAgentAndReportCounts(t *testing.T) {
	chain := &fakeChain{
		addrs: []string{"0x1111111111111111111111111111111111111111", "0x2222222222222222222222222222222222222222"},
		snapshots: map[string]domain.AgentSnapshot{
			"0x1111111111111111111111111111111111111111": {Address: "0x1111111111111111111111111111111111111111", Alive: true},
			"0x2222222222222222222222222222222222222222": {Address: "0x2222222222222222222222222222222222222222", Alive: false},
		},
	}
	gdb := openAPITestDB(t)
	store := reportstore.New(gdb, keyedlock.New())
	_, err := store.Create(t.Context(), reportstore.Incident{AgentAddress: "0x1", Severity: domain.SeverityCritical})
	require.NoError(t, err)

	hub := eventhub.New()
	h := NewOverviewHandler(chain, store, hub, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/overview", nil)
	w := httptest.NewRecorder()
	h.Get(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data overviewResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Data.TotalAgents)
	assert.Equal(t, 1, body.Data.AliveAgents)
	assert.Equal(t, 1, body.Data.DeadAgents)
	assert.Equal(t, int64(1), body.Data.OpenReports)
}
