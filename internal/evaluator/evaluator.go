// Package evaluator implements the liveness rule engine: the
// pure decision of what severity an agent is at, given its on-chain
// snapshot and optional marketplace state, plus the narrow set of side
// effects (report lifecycle, alerts) that decision drives.
package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/reportstore"
)

// Thresholds holds the tunable boundaries of the severity ladder, sourced
// from config and, for the interval/deadline pair, from the Deployment
// Registry's per-agent handle.
type Thresholds struct {
	NominalInterval   time.Duration
	HardDeadline      time.Duration
	WarningThreshold  time.Duration
	CriticalThreshold time.Duration
}

// Decision is the pure result of evaluating one snapshot, before any side
// effect is applied. Equal inputs always produce an equal Decision.
type Decision struct {
	Severity       domain.Severity
	Healthy        bool
	NextExpectedAt time.Time
	DeadlineAt     time.Time
	Remaining      time.Duration
	Terminal       bool // alive=false; agent should be deregistered
}

// Evaluate derives severity from a snapshot and threshold set as a pure
// function of its inputs and now. It never touches the network or a store.
func Evaluate(snapshot domain.AgentSnapshot, th Thresholds, now time.Time) Decision {
	if !snapshot.Alive {
		return Decision{Terminal: true, Severity: domain.SeverityAbandoned}
	}

	nextExpectedAt := snapshot.LastHeartbeatAt.Add(th.NominalInterval)
	deadlineAt := snapshot.LastHeartbeatAt.Add(th.HardDeadline)

	if now.Before(nextExpectedAt) {
		return Decision{
			Severity:       domain.SeverityHealthy,
			Healthy:        true,
			NextExpectedAt: nextExpectedAt,
			DeadlineAt:     deadlineAt,
			Remaining:      deadlineAt.Sub(now),
		}
	}

	remaining := deadlineAt.Sub(now)
	severity := severityFor(remaining, th)

	return Decision{
		Severity:       severity,
		Healthy:        severity == domain.SeverityHealthy,
		NextExpectedAt: nextExpectedAt,
		DeadlineAt:     deadlineAt,
		Remaining:      remaining,
	}
}

func severityFor(remaining time.Duration, th Thresholds) domain.Severity {
	switch {
	case remaining > th.WarningThreshold:
		return domain.SeverityHealthy
	case remaining > th.CriticalThreshold:
		return domain.SeverityWarning
	case remaining > 0:
		return domain.SeverityCritical
	default:
		return domain.SeverityAbandoned
	}
}

// MarketplaceChecker is the narrow slice of workloadgateway.Gateway the
// Evaluator needs, kept as an interface here so tests can fake it without
// importing the HTTP implementation.
type MarketplaceChecker interface {
	DeploymentStatus(ctx context.Context, sequenceID string) domain.DeploymentStatus

	// HealthProbe corroborates a closed/error DeploymentStatus against the
	// deployment's own host endpoint before an alert is raised on it.
	HealthProbe(ctx context.Context, hostEndpoint string) bool
}

// EventEmitter is the narrow slice of eventhub.Hub the Evaluator publishes
// through.
type EventEmitter interface {
	Publish(evt domain.Event)
}

// Deps bundles everything Run needs beyond the pure Evaluate function:
// the Report Store for lifecycle writes, an optional marketplace check, and
// the Event Hub for alerts and state-change notifications.
type Deps struct {
	Reports     reportstore.Store
	Marketplace MarketplaceChecker // nil disables the marketplace cross-check
	Events      EventEmitter
	Thresholds  Thresholds
	Debouncer   *BalanceDebouncer
}

// Input is everything Run needs about one agent's current state to perform
// a full evaluation pass, including the marketplace binding if one exists.
type Input struct {
	Snapshot   domain.AgentSnapshot
	SequenceID string // empty if the agent has no Deployment Registry handle
	Now        time.Time
}

// Run performs a full evaluation pass for a single agent: the pure decision
// from Evaluate, then report lifecycle, marketplace cross-check, and balance
// cross-check. It returns the Decision so the Scheduler can log/trace it.
func (d Deps) Run(ctx context.Context, in Input) (Decision, error) {
	decision := Evaluate(in.Snapshot, d.Thresholds, in.Now)

	if decision.Terminal {
		d.emit(domain.Event{
			Type:         domain.EventDeath,
			AgentAddress: in.Snapshot.Address,
			Timestamp:    in.Now,
		})
		if err := d.autoResolveIfOpen(ctx, in.Snapshot.Address, in.Now, "agent died"); err != nil {
			return decision, err
		}
		return decision, nil
	}

	if decision.Healthy {
		resolution := fmt.Sprintf("heartbeat observed at %s", in.Now.UTC().Format(time.RFC3339))
		if err := d.autoResolveIfOpen(ctx, in.Snapshot.Address, in.Now, resolution); err != nil {
			return decision, err
		}
		return decision, nil
	}

	report, err := d.Reports.Create(ctx, reportstore.Incident{
		AgentAddress:    in.Snapshot.Address,
		Severity:        decision.Severity,
		ExpectedAt:      decision.NextExpectedAt,
		LastHeartbeatAt: in.Snapshot.LastHeartbeatAt,
		DeadlineAt:      decision.DeadlineAt,
	})
	if err != nil {
		return decision, fmt.Errorf("evaluator: create report: %w", err)
	}

	d.emit(domain.Event{
		Type:         domain.EventStatusChange,
		AgentAddress: in.Snapshot.Address,
		Payload:      report,
		Timestamp:    in.Now,
	})

	if d.Marketplace != nil && in.SequenceID != "" &&
		(decision.Severity == domain.SeverityCritical || decision.Severity == domain.SeverityAbandoned) {
		status := d.Marketplace.DeploymentStatus(ctx, in.SequenceID)
		if status.State == domain.MarketplaceClosed || status.State == domain.MarketplaceError {
			message := fmt.Sprintf("marketplace reports state=%s", status.State)
			if status.HostEndpoint != "" && d.Marketplace.HealthProbe(ctx, status.HostEndpoint) {
				message = fmt.Sprintf("marketplace reports state=%s but host endpoint still answers", status.State)
			}
			d.emit(domain.Event{
				Type:         domain.EventError,
				AgentAddress: in.Snapshot.Address,
				Payload: domain.Alert{
					AgentAddress: in.Snapshot.Address,
					Type:         domain.AlertMarketplaceDown,
					Severity:     decision.Severity,
					Message:      message,
					Timestamp:    in.Now,
				},
				Timestamp: in.Now,
			})
		}
	}

	if runwayDays(in.Snapshot) < 7 && d.Debouncer.ShouldFire(in.Snapshot.Address, in.Now) {
		d.emit(domain.Event{
			Type:         domain.EventError,
			AgentAddress: in.Snapshot.Address,
			Payload: domain.Alert{
				AgentAddress: in.Snapshot.Address,
				Type:         domain.AlertBalanceCritical,
				Severity:     decision.Severity,
				Message:      "fewer than seven days of runway remaining",
				Timestamp:    in.Now,
			},
			Timestamp: in.Now,
		})
	}

	// Step 7: abandonment is never declared on-chain. No component submits
	// an abandonment transaction, and the AutoDeclareAbandoned config flag
	// is loaded but read by nothing.
	return decision, nil
}

func (d Deps) autoResolveIfOpen(ctx context.Context, agentAddress string, now time.Time, resolution string) error {
	open, err := d.Reports.ListByAgent(ctx, agentAddress)
	if err != nil {
		return fmt.Errorf("evaluator: list reports for auto-resolve: %w", err)
	}
	for _, r := range open {
		if r.Resolved {
			continue
		}
		if _, err := d.Reports.Resolve(ctx, r.ID, resolution); err != nil {
			return fmt.Errorf("evaluator: auto-resolve: %w", err)
		}
		d.emit(domain.Event{
			Type:         domain.EventStatusChange,
			AgentAddress: agentAddress,
			Payload:      resolution,
			Timestamp:    now,
		})
	}
	return nil
}

func (d Deps) emit(evt domain.Event) {
	if d.Events != nil {
		d.Events.Publish(evt)
	}
}

func runwayDays(s domain.AgentSnapshot) float64 {
	if s.CumulativeCost == 0 {
		return float64(1 << 30) // no spend yet — effectively infinite runway
	}
	dailyCost := float64(s.CumulativeCost) / daysSinceBirth(s)
	if dailyCost <= 0 {
		return float64(1 << 30)
	}
	return float64(s.Balance) / dailyCost
}

func daysSinceBirth(s domain.AgentSnapshot) float64 {
	d := time.Since(s.BirthTime).Hours() / 24
	if d < 1 {
		return 1
	}
	return d
}

// BalanceDebouncer ensures the balanceCritical alert fires at most once per
// 24h per agent.
type BalanceDebouncer struct {
	mu       sync.Mutex
	lastFire map[string]time.Time
}

// NewBalanceDebouncer returns a ready-to-use debouncer.
func NewBalanceDebouncer() *BalanceDebouncer {
	return &BalanceDebouncer{lastFire: make(map[string]time.Time)}
}

// ShouldFire reports whether the alert may fire for agentAddress at now,
// recording now as the new last-fire time if so.
func (b *BalanceDebouncer) ShouldFire(agentAddress string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.lastFire[agentAddress]
	if ok && now.Sub(last) < 24*time.Hour {
		return false
	}
	b.lastFire[agentAddress] = now
	return true
}
