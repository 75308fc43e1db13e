package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agentsentinel/controlplane/internal/db"
	"github.com/agentsentinel/controlplane/internal/deploymentregistry"
	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/errs"
	"github.com/agentsentinel/controlplane/internal/evaluator"
	"github.com/agentsentinel/controlplane/internal/keyedlock"
	"github.com/agentsentinel/controlplane/internal/reportstore"
)

type fakeChain struct {
	mu        sync.Mutex
	addrs     []string
	snapshots map[string]domain.AgentSnapshot
	errOn     map[string]error
	calls     map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		snapshots: make(map[string]domain.AgentSnapshot),
		errOn:     make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeChain) Snapshot(ctx context.Context, addr string) (domain.AgentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[addr]++
	if err, ok := f.errOn[addr]; ok {
		return domain.AgentSnapshot{}, err
	}
	return f.snapshots[addr], nil
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
	return nil, nil
}
func (f *fakeChain) Close() {}

func (f *fakeChain) callCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&db.DeploymentHandle{}, &db.MissingReport{}))
	return gdb
}

func newTestEval(t *testing.T) evaluator.Deps {
	t.Helper()
	gdb := openTestDB(t)
	return evaluator.Deps{
		Reports: reportstore.New(gdb, keyedlock.New()),
		Events:  noopEmitter{},
		Thresholds: evaluator.Thresholds{
			NominalInterval:   6 * time.Hour,
			HardDeadline:      7 * 24 * time.Hour,
			WarningThreshold:  24 * time.Hour,
			CriticalThreshold: 6 * time.Hour,
		},
		Debouncer: evaluator.NewBalanceDebouncer(),
	}
}

type noopEmitter struct{}

func (noopEmitter) Publish(domain.Event) {}

func TestTick_EnqueuesOneJobPerRosterAgent(t *testing.T) {
	chain := newFakeChain()
	chain.addrs = []string{"0x1", "0x2"}
	chain.snapshots["0x1"] = domain.AgentSnapshot{Address: "0x1", Alive: true, LastHeartbeatAt: time.Now()}
	chain.snapshots["0x2"] = domain.AgentSnapshot{Address: "0x2", Alive: true, LastHeartbeatAt: time.Now()}

	gdb := openTestDB(t)
	registry := deploymentregistry.New(gdb)

	sched, err := New(chain, registry, newTestEval(t), Config{TickInterval: 20 * time.Millisecond, Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 150*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	assert.GreaterOrEqual(t, chain.callCount("0x1"), 1)
	assert.GreaterOrEqual(t, chain.callCount("0x2"), 1)
}

func TestAddAgent_TriggersImmediateHighPriorityCheck(t *testing.T) {
	chain := newFakeChain()
	chain.snapshots["0xnew"] = domain.AgentSnapshot{Address: "0xnew", Alive: true, LastHeartbeatAt: time.Now()}

	gdb := openTestDB(t)
	registry := deploymentregistry.New(gdb)

	sched, err := New(chain, registry, newTestEval(t), Config{TickInterval: time.Hour, Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = sched.Run(ctx) }()
	time.Sleep(10 * time.Millisecond) // let workers start

	sched.AddAgent("0xnew")
	time.Sleep(50 * time.Millisecond)

	assert.GreaterOrEqual(t, chain.callCount("0xnew"), 1)
	assert.Equal(t, 1, sched.RosterSize())
}

func TestCheckOne_TerminalRemovesAgentFromRoster(t *testing.T) {
	chain := newFakeChain()
	chain.addrs = []string{"0xdead"}
	chain.snapshots["0xdead"] = domain.AgentSnapshot{Address: "0xdead", Alive: false}

	gdb := openTestDB(t)
	registry := deploymentregistry.New(gdb)
	require.NoError(t, registry.Register(t.Context(), deploymentregistry.Handle{
		AgentAddress: "0xdead", SequenceID: "seq-1",
		NominalInterval: 6 * time.Hour, HardDeadline: 7 * 24 * time.Hour,
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	sched, err := New(chain, registry, newTestEval(t), Config{TickInterval: time.Hour, Workers: 1})
	require.NoError(t, err)
	sched.mu.Lock()
	sched.roster["0xdead"] = struct{}{}
	sched.mu.Unlock()

	sched.checkOne(t.Context(), "0xdead")

	assert.Equal(t, 0, sched.RosterSize())
	_, err = registry.GetByAddress(t.Context(), "0xdead")
	assert.Error(t, err)
}

func TestRecordFailure_DefersAfterThreeConsecutiveTransientFailures(t *testing.T) {
	chain := newFakeChain()
	transient := errs.New(errs.KindTransientChainFailure, "rpc timeout", errors.New("boom"))
	chain.errOn["0xflaky"] = transient

	gdb := openTestDB(t)
	registry := deploymentregistry.New(gdb)
	sched, err := New(chain, registry, newTestEval(t), Config{TickInterval: time.Hour, Workers: 1})
	require.NoError(t, err)
	sched.mu.Lock()
	sched.roster["0xflaky"] = struct{}{}
	sched.mu.Unlock()

	for i := 0; i < 3; i++ {
		sched.checkOne(t.Context(), "0xflaky")
	}

	sched.mu.Lock()
	fs, ok := sched.failures["0xflaky"]
	sched.mu.Unlock()
	require.True(t, ok)
	assert.True(t, fs.nextAllowedAt.After(time.Now()))

	// A tick right now must skip the deferred agent.
	before := chain.callCount("0xflaky")
	sched.tick(time.Now())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, chain.callCount("0xflaky"), "deferred agent must not be re-enqueued yet")
}

func TestCheckOne_HeartbeatCountRegressionSkipsEvaluationAndDefers(t *testing.T) {
	chain := newFakeChain()
	chain.addrs = []string{"0xhb"}
	// Far past NominalInterval so a normal evaluation would create a report,
	// isolating whether the regression check is the thing that suppressed it.
	stale := time.Now().Add(-166 * time.Hour) // inside HardDeadline, past CriticalThreshold
	chain.snapshots["0xhb"] = domain.AgentSnapshot{Address: "0xhb", Alive: true, LastHeartbeatAt: stale, HeartbeatCount: 5}

	gdb := openTestDB(t)
	registry := deploymentregistry.New(gdb)
	evalDeps := newTestEval(t)
	sched, err := New(chain, registry, evalDeps, Config{TickInterval: time.Hour, Workers: 1})
	require.NoError(t, err)
	sched.mu.Lock()
	sched.roster["0xhb"] = struct{}{}
	sched.mu.Unlock()

	sched.checkOne(t.Context(), "0xhb")
	reportsBefore, err := evalDeps.Reports.ListByAgent(t.Context(), "0xhb")
	require.NoError(t, err)
	require.Len(t, reportsBefore, 1, "the first, well-ordered snapshot must create a report")

	// A later snapshot with a lower heartbeatCount must not reach evaluation.
	chain.mu.Lock()
	chain.snapshots["0xhb"] = domain.AgentSnapshot{Address: "0xhb", Alive: true, LastHeartbeatAt: stale, HeartbeatCount: 3}
	chain.mu.Unlock()

	sched.checkOne(t.Context(), "0xhb")

	sched.mu.Lock()
	fs, deferred := sched.failures["0xhb"]
	sched.mu.Unlock()
	require.True(t, deferred, "a heartbeatCount regression must count as a failure")
	assert.Equal(t, 1, fs.consecutive)
	assert.Equal(t, 1, sched.RosterSize(), "the agent must stay in rotation, only deferred")

	reportsAfter, err := evalDeps.Reports.ListByAgent(t.Context(), "0xhb")
	require.NoError(t, err)
	assert.Len(t, reportsAfter, 1, "no additional report must be created for the rejected tick")
}

func TestTryEnqueue_OverflowIncrementsCounterAndWarnsOnSecondMiss(t *testing.T) {
	chain := newFakeChain()
	gdb := openTestDB(t)
	registry := deploymentregistry.New(gdb)
	core, logs := observer.New(zap.WarnLevel)
	sched, err := New(chain, registry, newTestEval(t), Config{TickInterval: time.Hour, Workers: 1, Logger: zap.New(core)})
	require.NoError(t, err)

	// Fill the queue so every subsequent enqueue overflows.
	for i := 0; i < cap(sched.queue); i++ {
		sched.queue <- "filler"
	}

	sched.tryEnqueue("0xoverflow")
	sched.tryEnqueue("0xoverflow")

	assert.Equal(t, uint64(2), sched.OverflowTotal())
	assert.Equal(t, 1, logs.FilterMessage("scheduler: agent missed twice in a row, queue overflow").Len())
}
