package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agentsentinel/controlplane/internal/db"
	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/keyedlock"
	"github.com/agentsentinel/controlplane/internal/reportstore"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		NominalInterval:   6 * time.Hour,
		HardDeadline:      7 * 24 * time.Hour,
		WarningThreshold:  24 * time.Hour,
		CriticalThreshold: 6 * time.Hour,
	}
}

func TestEvaluate_HealthyBeforeNextExpected(t *testing.T) {
	now := time.Now().UTC()
	snap := domain.AgentSnapshot{Alive: true, LastHeartbeatAt: now.Add(-time.Hour)}

	d := Evaluate(snap, defaultThresholds(), now)
	assert.Equal(t, domain.SeverityHealthy, d.Severity)
	assert.True(t, d.Healthy)
}

func TestEvaluate_SeverityLadder(t *testing.T) {
	th := defaultThresholds()
	// deadlineAt = lastHeartbeatAt + 7 days; pick lastHeartbeatAt in the past
	// so "now" lands at specific remaining-time points.
	base := time.Now().UTC().Add(-8 * time.Hour) // already past nextExpectedAt (6h)

	cases := []struct {
		name      string
		remaining time.Duration
		want      domain.Severity
	}{
		{"just past threshold, still healthy", th.HardDeadline - 23*time.Hour, domain.SeverityHealthy},
		{"inside warning band", th.HardDeadline - 7*24*time.Hour + 12*time.Hour, domain.SeverityWarning},
		{"inside critical band", 3 * time.Hour, domain.SeverityCritical},
		{"past deadline", -time.Minute, domain.SeverityAbandoned},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			lastHeartbeat := base
			now := lastHeartbeat.Add(th.HardDeadline).Add(-c.remaining)
			snap := domain.AgentSnapshot{Alive: true, LastHeartbeatAt: lastHeartbeat}
			d := Evaluate(snap, th, now)
			assert.Equal(t, c.want, d.Severity)
		})
	}
}

func TestEvaluate_DeadAgentIsTerminal(t *testing.T) {
	d := Evaluate(domain.AgentSnapshot{Alive: false}, defaultThresholds(), time.Now())
	assert.True(t, d.Terminal)
}

type fakeEmitter struct {
	events []domain.Event
}

func (f *fakeEmitter) Publish(evt domain.Event) {
	f.events = append(f.events, evt)
}

func newTestDeps(t *testing.T) (Deps, *fakeEmitter) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&db.MissingReport{}))

	emitter := &fakeEmitter{}
	return Deps{
		Reports:    reportstore.New(gdb, keyedlock.New()),
		Events:     emitter,
		Thresholds: defaultThresholds(),
		Debouncer:  NewBalanceDebouncer(),
	}, emitter
}

func TestRun_CreatesReportOnDegradation(t *testing.T) {
	deps, emitter := newTestDeps(t)
	now := time.Now().UTC()

	snap := domain.AgentSnapshot{
		Address: "0xabc", Alive: true,
		LastHeartbeatAt: now.Add(-7*24*time.Hour - 5*time.Hour), // well past deadline minus 5h => abandoned-ish
		Balance:         1000, CumulativeCost: 10,
	}

	decision, err := deps.Run(t.Context(), Input{Snapshot: snap, Now: now})
	require.NoError(t, err)
	assert.NotEqual(t, domain.SeverityHealthy, decision.Severity)

	reports, err := deps.Reports.ListByAgent(t.Context(), "0xabc")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Resolved)

	foundStatusChange := false
	for _, e := range emitter.events {
		if e.Type == domain.EventStatusChange {
			foundStatusChange = true
		}
	}
	assert.True(t, foundStatusChange)
}

func TestRun_AutoResolvesOnRecovery(t *testing.T) {
	deps, _ := newTestDeps(t)
	now := time.Now().UTC()

	degraded := domain.AgentSnapshot{
		Address: "0xabc", Alive: true,
		LastHeartbeatAt: now.Add(-7*24*time.Hour - time.Hour),
	}
	_, err := deps.Run(t.Context(), Input{Snapshot: degraded, Now: now})
	require.NoError(t, err)

	recovered := domain.AgentSnapshot{
		Address: "0xabc", Alive: true,
		LastHeartbeatAt: now, // fresh heartbeat => healthy
	}
	_, err = deps.Run(t.Context(), Input{Snapshot: recovered, Now: now.Add(time.Minute)})
	require.NoError(t, err)

	reports, err := deps.Reports.ListByAgent(t.Context(), "0xabc")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Resolved)
}

func TestRun_DeathEmitsDeathEvent(t *testing.T) {
	deps, emitter := newTestDeps(t)
	now := time.Now().UTC()

	_, err := deps.Run(t.Context(), Input{
		Snapshot: domain.AgentSnapshot{Address: "0xdead", Alive: false},
		Now:      now,
	})
	require.NoError(t, err)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, domain.EventDeath, emitter.events[0].Type)
}

func TestBalanceDebouncer_FiresOncePerDay(t *testing.T) {
	deb := NewBalanceDebouncer()
	now := time.Now().UTC()

	assert.True(t, deb.ShouldFire("0xabc", now))
	assert.False(t, deb.ShouldFire("0xabc", now.Add(time.Hour)))
	assert.True(t, deb.ShouldFire("0xabc", now.Add(25*time.Hour)))
}
