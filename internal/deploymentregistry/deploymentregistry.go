// Package deploymentregistry binds each monitored agent's chain address to
// its workload marketplace container identity. It is the
// only component that knows how those two namespaces line up, and is backed
// by GORM the same way every other durable store in this repository is.
package deploymentregistry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/agentsentinel/controlplane/internal/db"
	"github.com/agentsentinel/controlplane/internal/repositories"
)

// Registry binds agent addresses to their workload marketplace containers.
type Registry interface {
	// Register creates or replaces the deployment handle for agentAddress.
	// Returns repositories.ErrConflict if sequenceID is already bound to a
	// different agent.
	Register(ctx context.Context, handle Handle) error

	// GetByAddress returns the current handle for agentAddress, or
	// repositories.ErrNotFound if none exists or it has expired.
	GetByAddress(ctx context.Context, agentAddress string) (Handle, error)

	// GetBySequenceID returns the handle bound to sequenceID, or
	// repositories.ErrNotFound if none exists. SequenceID is unique across the
	// registry, so this is the inverse lookup of GetByAddress.
	GetBySequenceID(ctx context.Context, sequenceID string) (Handle, error)

	// Refresh extends expiresAt for agentAddress's handle.
	Refresh(ctx context.Context, agentAddress string, expiresAt time.Time) error

	// Deregister removes the handle for agentAddress.
	Deregister(ctx context.Context, agentAddress string) error

	// ListActive returns every non-expired handle.
	ListActive(ctx context.Context, now time.Time) ([]Handle, error)
}

// Handle is the registry's public view of a deployment binding.
type Handle struct {
	AgentAddress    string
	SequenceID      string
	Owner           string
	Provider        string
	Metadata        string
	NominalInterval time.Duration
	HardDeadline    time.Duration
	ExpiresAt       time.Time
}

type gormRegistry struct {
	db *gorm.DB
}

// New returns a Registry backed by the provided *gorm.DB.
func New(database *gorm.DB) Registry {
	return &gormRegistry{db: database}
}

// Register implements Registry. The agent_address and sequence_id unique
// indexes do the conflict detection; this just classifies the resulting
// constraint violation.
func (r *gormRegistry) Register(ctx context.Context, h Handle) error {
	row := db.DeploymentHandle{
		AgentAddress:           h.AgentAddress,
		SequenceID:             h.SequenceID,
		Owner:                  h.Owner,
		Provider:               h.Provider,
		Metadata:               h.Metadata,
		NominalIntervalSeconds: int64(h.NominalInterval / time.Second),
		HardDeadlineSeconds:    int64(h.HardDeadline / time.Second),
		ExpiresAt:              h.ExpiresAt,
	}

	err := r.db.WithContext(ctx).
		Where("agent_address = ?", h.AgentAddress).
		Assign(row).
		FirstOrCreate(&row, db.DeploymentHandle{AgentAddress: h.AgentAddress}).Error
	if err != nil {
		if isUniqueViolation(err) {
			return repositories.ErrConflict
		}
		return fmt.Errorf("deploymentregistry: register: %w", err)
	}
	return nil
}

// GetByAddress implements Registry.
func (r *gormRegistry) GetByAddress(ctx context.Context, agentAddress string) (Handle, error) {
	var row db.DeploymentHandle
	err := r.db.WithContext(ctx).First(&row, "agent_address = ?", agentAddress).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Handle{}, repositories.ErrNotFound
		}
		return Handle{}, fmt.Errorf("deploymentregistry: get by address: %w", err)
	}
	if !row.ExpiresAt.After(time.Now()) {
		return Handle{}, repositories.ErrNotFound
	}
	return toHandle(row), nil
}

// GetBySequenceID implements Registry.
func (r *gormRegistry) GetBySequenceID(ctx context.Context, sequenceID string) (Handle, error) {
	var row db.DeploymentHandle
	err := r.db.WithContext(ctx).First(&row, "sequence_id = ?", sequenceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Handle{}, repositories.ErrNotFound
		}
		return Handle{}, fmt.Errorf("deploymentregistry: get by sequence id: %w", err)
	}
	return toHandle(row), nil
}

// Refresh implements Registry.
func (r *gormRegistry) Refresh(ctx context.Context, agentAddress string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.DeploymentHandle{}).
		Where("agent_address = ?", agentAddress).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		return fmt.Errorf("deploymentregistry: refresh: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// Deregister implements Registry.
func (r *gormRegistry) Deregister(ctx context.Context, agentAddress string) error {
	result := r.db.WithContext(ctx).Delete(&db.DeploymentHandle{}, "agent_address = ?", agentAddress)
	if result.Error != nil {
		return fmt.Errorf("deploymentregistry: deregister: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// ListActive implements Registry.
func (r *gormRegistry) ListActive(ctx context.Context, now time.Time) ([]Handle, error) {
	var rows []db.DeploymentHandle
	if err := r.db.WithContext(ctx).
		Where("expires_at > ?", now).
		Order("agent_address ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("deploymentregistry: list active: %w", err)
	}

	handles := make([]Handle, 0, len(rows))
	for _, row := range rows {
		handles = append(handles, toHandle(row))
	}
	return handles, nil
}

func toHandle(row db.DeploymentHandle) Handle {
	return Handle{
		AgentAddress:    row.AgentAddress,
		SequenceID:      row.SequenceID,
		Owner:           row.Owner,
		Provider:        row.Provider,
		Metadata:        row.Metadata,
		NominalInterval: time.Duration(row.NominalIntervalSeconds) * time.Second,
		HardDeadline:    time.Duration(row.HardDeadlineSeconds) * time.Second,
		ExpiresAt:       row.ExpiresAt,
	}
}

// isUniqueViolation reports whether err looks like a unique constraint
// failure from either of the supported drivers (SQLite and Postgres report
// this differently, and neither returns a typed error GORM normalizes).
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
