// Package domain defines the tagged-variant data model shared across every
// component of the Liveness Control Plane: explicit, strongly-typed structs
// for AgentSnapshot, Event, and Error rather than weakly-typed records
// passed around as maps.
package domain

import "time"

// Severity is the ordered severity ladder
type Severity string

const (
	SeverityHealthy   Severity = "healthy"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityAbandoned Severity = "abandoned"
)

// Rank gives a total order over the severity ladder so callers can compare
// two severities without a lookup table: severity may rise within an open
// report's lifetime, but never falls.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityAbandoned:
		return 3
	default:
		return 0
	}
}

// AgentSnapshot is a read-only point-in-time view of an agent's on-chain
// state, as returned by ChainGateway.Snapshot.
type AgentSnapshot struct {
	Address         string
	Creator         string
	GenomeRef       string
	BirthTime       time.Time
	LastHeartbeatAt time.Time
	HeartbeatCount  uint64
	Alive           bool
	Balance         uint64 // USDC, 6-decimal base units
	LastDecisionRef string
	CumulativeCost  uint64 // USDC, 6-decimal base units
}

// MarketplaceState is the deployment state reported by the Workload Gateway
//.
type MarketplaceState string

const (
	MarketplaceActive   MarketplaceState = "active"
	MarketplaceInactive MarketplaceState = "inactive"
	MarketplaceClosed   MarketplaceState = "closed"
	MarketplaceError    MarketplaceState = "error"
	MarketplaceUnknown  MarketplaceState = "unknown"
)

// DeploymentStatus is the result of the Workload Gateway's marketplace
// cross-check.
type DeploymentStatus struct {
	State        MarketplaceState
	HostEndpoint string
	LastChecked  time.Time
}

// HeartbeatStatus is a derived view recomputed on demand, never persisted
//.
type HeartbeatStatus struct {
	LastHeartbeatAt    time.Time
	NextExpectedAt     time.Time
	DeadlineAt         time.Time
	TimeUntilDeadline  time.Duration
	Healthy            bool
	MarketplaceState   MarketplaceState
}

// AlertType enumerates the Alert variants
type AlertType string

const (
	AlertMissingHeartbeat AlertType = "missingHeartbeat"
	AlertMarketplaceDown  AlertType = "marketplaceDown"
	AlertBalanceCritical  AlertType = "balanceCritical"
)

// Alert is an in-memory notification emitted into the Event Hub. Alerts are
// never persisted directly — they may cause MissingReport creation, which is
// the durable side effect.
type Alert struct {
	ID           string
	AgentAddress string
	Type         AlertType
	Severity     Severity
	Message      string
	Timestamp    time.Time
}

// EventType enumerates the Event tagged union
type EventType string

const (
	EventHeartbeat   EventType = "heartbeat"
	EventDecision    EventType = "decision"
	EventStatusChange EventType = "status"
	EventDeath       EventType = "death"
	EventError       EventType = "error"
)

// Event is a fan-out record produced by the Evaluator, Chain Gateway, and
// Scheduler and delivered by the Event Hub. Ordering is per-agent strictly
// increasing by Timestamp; there is no cross-agent ordering guarantee
//.
type Event struct {
	Type         EventType
	AgentAddress string
	Payload      any
	Timestamp    time.Time
}

// MissingReport is the in-memory, component-facing view of a durable
// incident record. Storage implementations translate to
// and from their own row types; callers across component boundaries only
// ever see this shape, which is always a deep copy of whatever the Report
// Store holds internally.
type MissingReport struct {
	ID                  string
	AgentAddress        string
	Severity            Severity
	ExpectedAt          time.Time
	LastHeartbeatAt     time.Time
	DeadlineAt          time.Time
	MarketplaceSnapshot string // opaque JSON, empty if never attached
	CreatedAt           time.Time
	Acknowledged        bool
	AcknowledgedBy      string
	AcknowledgedAt      *time.Time
	Resolved            bool
	ResolvedAt          *time.Time
	Resolution          string
}

// DeploymentHandle binds an agent address to its container on the external
// workload marketplace.
type DeploymentHandle struct {
	AgentAddress           string
	SequenceID             string
	Owner                  string
	Provider               string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	Metadata               string
	NominalInterval        time.Duration
	HardDeadline           time.Duration
}
