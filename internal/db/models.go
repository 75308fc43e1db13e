// Package db manages the database connection and schema migrations backing
// the Report Store and Deployment Registry. It supports SQLite (via the
// modernc pure-Go driver, no CGO required) and PostgreSQL. Migrations are
// embedded in the binary and applied automatically on startup via
// golang-migrate.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Deployment Registry
// -----------------------------------------------------------------------------

// DeploymentHandle binds an observed agent address to its container on the
// external workload marketplace. One-to-one with AgentAddress; uniqueness is
// also enforced on SequenceID so two agents can never alias the same
// marketplace deployment.
type DeploymentHandle struct {
	base
	AgentAddress string `gorm:"type:text;not null;uniqueIndex"` // 20-byte hex, lowercased
	SequenceID   string `gorm:"type:text;not null;uniqueIndex"` // marketplace dseq
	Owner        string `gorm:"type:text;not null"`
	Provider     string `gorm:"type:text;default:''"`
	Metadata     string `gorm:"type:text;default:'{}'"` // opaque JSON blob

	// NominalIntervalSeconds / HardDeadlineSeconds are the per-agent values
	// given at Register; zero means the global config defaults apply.
	NominalIntervalSeconds int64 `gorm:"not null;default:0"`
	HardDeadlineSeconds    int64 `gorm:"not null;default:0"`

	// ExpiresAt implements the 30-day sliding TTL; set by Register and moved
	// forward by Refresh.
	ExpiresAt time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Report Store
// -----------------------------------------------------------------------------

// MissingReport is a durable incident record for a missed-heartbeat window.
// Lifecycle: open -> acknowledged -> resolved. Resolution is terminal — once
// Resolved is true no field except retention bookkeeping may change again.
type MissingReport struct {
	base
	AgentAddress string `gorm:"type:text;not null;index"`
	Severity     string `gorm:"type:text;not null;index"` // "warning" | "critical" | "abandoned"

	ExpectedAtUnix        int64 `gorm:"not null"`
	LastHeartbeatAtUnix   int64 `gorm:"not null"`
	DeadlineAtUnix        int64 `gorm:"not null"`
	MarketplaceSnapshot   string `gorm:"type:text;default:''"` // JSON, empty if never attached

	Acknowledged   bool       `gorm:"not null;default:false;index"`
	AcknowledgedBy string     `gorm:"type:text;default:''"`
	AcknowledgedAt *time.Time

	Resolved   bool `gorm:"not null;default:false;index"`
	ResolvedAt *time.Time
	Resolution string `gorm:"type:text;default:''"`
}

// IsOpen reports whether this report is still the single open incident for
// its agent.
func (m *MissingReport) IsOpen() bool {
	return !m.Resolved
}
