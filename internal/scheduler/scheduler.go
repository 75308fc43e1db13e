// Package scheduler runs the liveness check rotation. It owns a bounded
// work queue and a fixed worker pool, ticking the full agent roster on an
// interval, enforcing one in-flight check per agent via a keyed lock, and
// deferring agents that have shown persistent transient failure. Every
// agent shares one rotation — there is no per-agent schedule to register
// or remove, only roster membership.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/chaingateway"
	"github.com/agentsentinel/controlplane/internal/deploymentregistry"
	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/errs"
	"github.com/agentsentinel/controlplane/internal/evaluator"
	"github.com/agentsentinel/controlplane/internal/keyedlock"
	"github.com/agentsentinel/controlplane/internal/metrics"
	"github.com/agentsentinel/controlplane/internal/repositories"
)

const (
	defaultTickInterval = 60 * time.Second
	defaultWorkers      = 16

	// priorityQueueCapacity bounds the high-priority lane used for
	// newly-created agents; it is small because membership changes are
	// comparatively rare next to the per-tick fan-out.
	priorityQueueCapacity = 64

	// consecutiveFailuresBeforeBackoff is the threshold:
	// the third consecutive transient failure starts deferring the agent.
	consecutiveFailuresBeforeBackoff = 3

	backoffBase = 5 * time.Minute
	backoffCap  = 30 * time.Minute

	defaultReportRetentionDays = 90
	reportGCInterval           = 24 * time.Hour
)

// Config tunes the Scheduler's tick cadence, worker pool, and report
// retention.
type Config struct {
	TickInterval time.Duration
	Workers      int
	Logger       *zap.Logger

	// ReportRetentionDays is the age, in days, past which a resolved report
	// is garbage collected by the daily GC job. Unresolved reports are never
	// collected regardless of age.
	ReportRetentionDays int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.ReportRetentionDays <= 0 {
		c.ReportRetentionDays = defaultReportRetentionDays
	}
	return c
}

type failureState struct {
	consecutive   int
	nextAllowedAt time.Time
}

// Scheduler fans out one liveness check per agent per tick across a fixed
// worker pool.
type Scheduler struct {
	chain    chaingateway.Gateway
	registry deploymentregistry.Registry
	eval     evaluator.Deps

	cfg   Config
	locks *keyedlock.Map

	queue    chan string
	priority chan string

	mu         sync.Mutex
	roster     map[string]struct{}
	failures   map[string]*failureState
	overflow   map[string]int    // per-agent consecutive overflow count
	heartbeats map[string]uint64 // highest HeartbeatCount seen per agent so far

	overflowTotal uint64 // atomic counter of dropped enqueue attempts

	cron gocron.Scheduler
	wg   sync.WaitGroup
}

// New constructs a Scheduler and its underlying gocron instance. Call Run
// to seed the roster, start the worker pool, and start the tick job.
func New(chain chaingateway.Gateway, registry deploymentregistry.Registry, eval evaluator.Deps, cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		chain:      chain,
		registry:   registry,
		eval:       eval,
		cfg:        cfg,
		locks:      keyedlock.New(),
		queue:      make(chan string, cfg.Workers*4),
		priority:   make(chan string, priorityQueueCapacity),
		roster:     make(map[string]struct{}),
		failures:   make(map[string]*failureState),
		overflow:   make(map[string]int),
		heartbeats: make(map[string]uint64),
		cron:       cron,
	}, nil
}

// Run seeds the roster from the Chain Gateway's current agent set, starts
// the worker pool, and registers a single recurring gocron job that drives
// the tick. Singleton mode means a tick that is still fanning out work when
// the next one fires is simply skipped rather than overlapping. Run blocks
// until ctx is cancelled, then stops the gocron job and waits for every
// in-flight check to finish or be abandoned past its deadline.
func (s *Scheduler) Run(ctx context.Context) error {
	addrs, err := s.chain.Enumerate(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, a := range addrs {
		s.roster[a] = struct{}{}
	}
	s.mu.Unlock()
	s.cfg.Logger.Info("scheduler: roster seeded", zap.Int("agents", len(addrs)))

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(s.cfg.TickInterval),
		gocron.NewTask(func() { s.tick(time.Now()) }),
		gocron.WithTags("liveness-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.wg.Wait()
		return fmt.Errorf("scheduler: failed to register tick job: %w", err)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(reportGCInterval),
		gocron.NewTask(func() { s.garbageCollectReports(ctx) }),
		gocron.WithTags("report-gc"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.wg.Wait()
		return fmt.Errorf("scheduler: failed to register report GC job: %w", err)
	}

	s.cron.Start()

	<-ctx.Done()
	if err := s.cron.Shutdown(); err != nil {
		s.cfg.Logger.Warn("scheduler: gocron shutdown error", zap.Error(err))
	}
	s.wg.Wait()
	s.cfg.Logger.Info("scheduler: stopped")
	return nil
}

// tick enqueues one job per roster member that is not currently deferred by
// the persistent-failure backoff.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	addrs := make([]string, 0, len(s.roster))
	for a := range s.roster {
		if fs, ok := s.failures[a]; ok && now.Before(fs.nextAllowedAt) {
			continue
		}
		addrs = append(addrs, a)
	}
	s.mu.Unlock()

	for _, addr := range addrs {
		s.tryEnqueue(addr)
	}

	metrics.SchedulerRosterSize.Set(float64(s.RosterSize()))
	metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
	s.sampleReportMetrics(now)
}

// sampleReportMetrics refreshes the per-severity and unacknowledged report
// gauges from the Report Store. Sampled once per tick rather than on every
// mutation, since these are gauges, not counters.
func (s *Scheduler) sampleReportMetrics(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := s.eval.Reports.Stats(ctx)
	if err != nil {
		s.cfg.Logger.Debug("scheduler: failed to sample report metrics", zap.Error(err))
		return
	}
	for _, severity := range []domain.Severity{domain.SeverityWarning, domain.SeverityCritical, domain.SeverityAbandoned} {
		metrics.ReportsBySeverity.WithLabelValues(string(severity)).Set(float64(stats.BySeverity[severity]))
	}
	metrics.ReportsUnacknowledged.Set(float64(stats.UnacknowledgedCount))
}

// garbageCollectReports runs independently of the liveness tick, once a day,
// deleting resolved reports older than ReportRetentionDays.
func (s *Scheduler) garbageCollectReports(ctx context.Context) {
	gcCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deleted, err := s.eval.Reports.GarbageCollect(gcCtx, s.cfg.ReportRetentionDays)
	if err != nil {
		s.cfg.Logger.Warn("scheduler: report garbage collection failed", zap.Error(err))
		return
	}
	s.cfg.Logger.Info("scheduler: report garbage collection complete",
		zap.Int64("deleted", deleted), zap.Int("retention_days", s.cfg.ReportRetentionDays))
}

// tryEnqueue is a non-blocking send onto the regular lane. A full queue
// drops this tick's job for addr and records the overflow; a second
// consecutive overflow for the same agent is escalated to a logged warning.
func (s *Scheduler) tryEnqueue(addr string) {
	select {
	case s.queue <- addr:
		s.mu.Lock()
		delete(s.overflow, addr)
		s.mu.Unlock()
		return
	default:
	}

	atomic.AddUint64(&s.overflowTotal, 1)
	metrics.SchedulerOverflow.Inc()

	s.mu.Lock()
	s.overflow[addr]++
	count := s.overflow[addr]
	s.mu.Unlock()

	if count >= 2 {
		metrics.SchedulerOverflowRepeat.Inc()
		s.cfg.Logger.Warn("scheduler: agent missed twice in a row, queue overflow",
			zap.String("agent_address", addr), zap.Int("consecutive_overflows", count))
	}
}

// AddAgent registers addr in the rotation and schedules an immediate
// high-priority check, for a Chain Gateway creation event observed
// outside the normal tick.
func (s *Scheduler) AddAgent(addr string) {
	s.mu.Lock()
	s.roster[addr] = struct{}{}
	s.mu.Unlock()

	select {
	case s.priority <- addr:
	default:
		s.cfg.Logger.Warn("scheduler: priority lane full, deferring creation check",
			zap.String("agent_address", addr))
	}
}

// removeAgent takes addr out of the rotating schedule. Called internally
// once a check observes the agent is dead; direct queries against it still
// work via the Query Surface, which reads the Chain Gateway directly.
func (s *Scheduler) removeAgent(addr string) {
	s.mu.Lock()
	delete(s.roster, addr)
	delete(s.failures, addr)
	delete(s.overflow, addr)
	delete(s.heartbeats, addr)
	s.mu.Unlock()
}

// OverflowTotal returns the cumulative schedulerOverflow counter for metrics.
func (s *Scheduler) OverflowTotal() uint64 {
	return atomic.LoadUint64(&s.overflowTotal)
}

// RosterSize returns the current number of agents under rotation.
func (s *Scheduler) RosterSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roster)
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		var addr string
		select {
		case addr = <-s.priority:
		default:
			select {
			case addr = <-s.priority:
			case addr = <-s.queue:
			case <-ctx.Done():
				return
			}
		}
		s.checkOne(ctx, addr)
	}
}

// checkOne runs one liveness check for addr, enforcing the per-agent lock
// and the tickInterval×1.5 abandonment deadline.
func (s *Scheduler) checkOne(ctx context.Context, addr string) {
	release, ok := s.locks.TryAcquire(addr)
	if !ok {
		// Already in flight from a prior tick that hasn't finished yet.
		return
	}
	defer release()

	deadline := time.Duration(float64(s.cfg.TickInterval) * 1.5)
	checkCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	snapshot, err := s.chain.Snapshot(checkCtx, addr)
	if err != nil {
		s.recordFailure(addr, err)
		s.cfg.Logger.Warn("scheduler: snapshot failed",
			zap.String("agent_address", addr), zap.Error(err))
		return
	}

	if !s.observeHeartbeatCount(addr, snapshot.HeartbeatCount) {
		err := errs.New(errs.KindProtocolMismatch,
			fmt.Sprintf("heartbeat count regressed for %s", addr), nil)
		s.recordFailure(addr, err)
		s.cfg.Logger.Warn("scheduler: heartbeat count decreased, skipping tick",
			zap.String("agent_address", addr), zap.Uint64("heartbeat_count", snapshot.HeartbeatCount))
		return
	}

	handle, herr := s.registry.GetByAddress(checkCtx, addr)
	th := s.eval.Thresholds
	sequenceID := ""
	if herr == nil {
		sequenceID = handle.SequenceID
		if handle.NominalInterval > 0 {
			th.NominalInterval = handle.NominalInterval
		}
		if handle.HardDeadline > 0 {
			th.HardDeadline = handle.HardDeadline
		}
	}

	runEval := s.eval
	runEval.Thresholds = th

	decision, err := runEval.Run(checkCtx, evaluator.Input{
		Snapshot:   snapshot,
		SequenceID: sequenceID,
		Now:        time.Now().UTC(),
	})
	if err != nil {
		s.recordFailure(addr, err)
		s.cfg.Logger.Warn("scheduler: evaluation failed",
			zap.String("agent_address", addr), zap.Error(err))
		return
	}
	s.recordSuccess(addr)

	if decision.Terminal {
		if herr == nil {
			if derr := s.registry.Deregister(checkCtx, addr); derr != nil && derr != repositories.ErrNotFound {
				s.cfg.Logger.Warn("scheduler: failed to deregister dead agent",
					zap.String("agent_address", addr), zap.Error(derr))
			}
		}
		s.removeAgent(addr)
		s.cfg.Logger.Info("scheduler: agent removed from rotation", zap.String("agent_address", addr))
	}
}

// observeHeartbeatCount compares count against the highest value previously
// recorded for addr. A strictly greater count wins the race against an
// in-flight evaluation for the same tick and simply updates the cache; an
// equal count is a no-op. A lower count means the Chain Gateway handed back
// a stale or regressed view of the agent's on-chain state, which this layer
// never accepts — the caller treats that as a failure and skips evaluation
// for the tick.
func (s *Scheduler) observeHeartbeatCount(addr string, count uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.heartbeats[addr]
	if ok && count < last {
		return false
	}
	s.heartbeats[addr] = count
	return true
}

func (s *Scheduler) recordSuccess(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, addr)
}

// recordFailure applies the backoff formula once an agent has accrued three
// consecutive transient failures. Non-transient failures (protocol
// mismatches, for instance) still count toward the streak — there is no
// separate retry budget at this layer, only deferral.
func (s *Scheduler) recordFailure(addr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.failures[addr]
	if !ok {
		fs = &failureState{}
		s.failures[addr] = fs
	}
	fs.consecutive++

	if fs.consecutive < consecutiveFailuresBeforeBackoff {
		return
	}

	exp := fs.consecutive - consecutiveFailuresBeforeBackoff
	wait := time.Duration(float64(backoffBase) * math.Pow(2, float64(exp)))
	if wait > backoffCap {
		wait = backoffCap
	}
	fs.nextAllowedAt = time.Now().Add(wait)

	if errs.KindOf(err) != errs.KindTransientChainFailure {
		s.cfg.Logger.Debug("scheduler: non-transient failure also deferred",
			zap.String("agent_address", addr), zap.Error(err))
	}
}
