// Package reportstore is the sole owner of missing-heartbeat incident
// records. Every other component only ever sees the
// deep-copied domain.MissingReport values this package returns.
package reportstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentsentinel/controlplane/internal/db"
	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/keyedlock"
	"github.com/agentsentinel/controlplane/internal/repositories"
)

// Incident is the input to Create — a proposed missing-heartbeat record,
// before coalescing against any existing open report for the agent.
type Incident struct {
	AgentAddress        string
	Severity            domain.Severity
	ExpectedAt          time.Time
	LastHeartbeatAt     time.Time
	DeadlineAt          time.Time
	MarketplaceSnapshot string
}

// ListFilter selects a page of reports for the Query Surface. Zero-value fields are not applied as filters, except Limit/Offset.
type ListFilter struct {
	Severity     domain.Severity
	Resolved     *bool
	Acknowledged *bool
	Limit        int
	Offset       int
}

// Stats summarizes the store's current contents for the overview endpoint.
type Stats struct {
	Total                int64
	BySeverity           map[domain.Severity]int64
	OpenCount            int64
	UnacknowledgedCount  int64
}

// Store persists and queries missing-report incidents.
type Store interface {
	// Create coalesces incident against the agent's current open report: if
	// one exists it is upgraded in place (severity raised, never lowered)
	// and returned; otherwise a new report is inserted. Concurrent calls for
	// the same agent within the same window never produce duplicates.
	Create(ctx context.Context, incident Incident) (domain.MissingReport, error)

	Get(ctx context.Context, id string) (domain.MissingReport, error)
	ListByAgent(ctx context.Context, agentAddress string) ([]domain.MissingReport, error)
	List(ctx context.Context, filter ListFilter) ([]domain.MissingReport, int64, error)

	// Acknowledge is idempotent: re-acknowledging updates actor but never
	// reverts an already-acknowledged report.
	Acknowledge(ctx context.Context, id, actor string) (domain.MissingReport, error)

	// Resolve implies Acknowledge; once resolved, no field but retention
	// metadata may change.
	Resolve(ctx context.Context, id, resolution string) (domain.MissingReport, error)

	Stats(ctx context.Context) (Stats, error)

	// GarbageCollect deletes resolved reports older than olderThanDays and
	// returns the number of rows removed.
	GarbageCollect(ctx context.Context, olderThanDays int) (int64, error)
}

type gormStore struct {
	db    *gorm.DB
	locks *keyedlock.Map
}

// New returns a Store backed by the provided *gorm.DB. locks serializes
// concurrent Create calls for the same agent address.
func New(database *gorm.DB, locks *keyedlock.Map) Store {
	return &gormStore{db: database, locks: locks}
}

// Create implements Store. The per-agent lock is the coalescing mechanism
//: a second Create racing against the first blocks
// briefly rather than risk a duplicate open report, since this is a rare,
// short critical section rather than the Scheduler's per-tick hot path.
func (s *gormStore) Create(ctx context.Context, incident Incident) (domain.MissingReport, error) {
	lockKey := "reportstore:" + incident.AgentAddress
	var release func()
	for {
		var ok bool
		release, ok = s.locks.TryAcquire(lockKey)
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return domain.MissingReport{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer release()

	var result db.MissingReport
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open db.MissingReport
		err := tx.Where("agent_address = ? AND resolved = ?", incident.AgentAddress, false).
			Order("created_at DESC").
			First(&open).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			open = db.MissingReport{
				AgentAddress:          incident.AgentAddress,
				Severity:              string(incident.Severity),
				ExpectedAtUnix:        incident.ExpectedAt.Unix(),
				LastHeartbeatAtUnix:   incident.LastHeartbeatAt.Unix(),
				DeadlineAtUnix:        incident.DeadlineAt.Unix(),
				MarketplaceSnapshot:   incident.MarketplaceSnapshot,
			}
			if createErr := tx.Create(&open).Error; createErr != nil {
				return fmt.Errorf("reportstore: create: %w", createErr)
			}
			result = open
			return nil
		case err != nil:
			return fmt.Errorf("reportstore: lookup open report: %w", err)
		}

		// An open report exists — coalesce. Severity may only rise.
		if domain.Severity(incident.Severity).Rank() > domain.Severity(open.Severity).Rank() {
			open.Severity = string(incident.Severity)
		}
		if incident.MarketplaceSnapshot != "" {
			open.MarketplaceSnapshot = incident.MarketplaceSnapshot
		}
		open.LastHeartbeatAtUnix = incident.LastHeartbeatAt.Unix()
		open.DeadlineAtUnix = incident.DeadlineAt.Unix()

		if saveErr := tx.Save(&open).Error; saveErr != nil {
			return fmt.Errorf("reportstore: upgrade existing report: %w", saveErr)
		}
		result = open
		return nil
	})

	if err != nil {
		return domain.MissingReport{}, err
	}
	return toDomain(result), nil
}

func (s *gormStore) Get(ctx context.Context, id string) (domain.MissingReport, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.MissingReport{}, repositories.ErrNotFound
	}
	var row db.MissingReport
	if err := s.db.WithContext(ctx).First(&row, "id = ?", parsed).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.MissingReport{}, repositories.ErrNotFound
		}
		return domain.MissingReport{}, fmt.Errorf("reportstore: get: %w", err)
	}
	return toDomain(row), nil
}

func (s *gormStore) ListByAgent(ctx context.Context, agentAddress string) ([]domain.MissingReport, error) {
	var rows []db.MissingReport
	if err := s.db.WithContext(ctx).
		Where("agent_address = ?", agentAddress).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reportstore: list by agent: %w", err)
	}
	return toDomainSlice(rows), nil
}

func (s *gormStore) List(ctx context.Context, filter ListFilter) ([]domain.MissingReport, int64, error) {
	query := s.db.WithContext(ctx).Model(&db.MissingReport{})
	query = applyFilter(query, filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("reportstore: list count: %w", err)
	}

	listQuery := s.db.WithContext(ctx)
	listQuery = applyFilter(listQuery, filter)

	var rows []db.MissingReport
	if err := listQuery.
		Order("created_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("reportstore: list: %w", err)
	}

	return toDomainSlice(rows), total, nil
}

func applyFilter(q *gorm.DB, filter ListFilter) *gorm.DB {
	if filter.Severity != "" {
		q = q.Where("severity = ?", string(filter.Severity))
	}
	if filter.Resolved != nil {
		q = q.Where("resolved = ?", *filter.Resolved)
	}
	if filter.Acknowledged != nil {
		q = q.Where("acknowledged = ?", *filter.Acknowledged)
	}
	return q
}

func (s *gormStore) Acknowledge(ctx context.Context, id, actor string) (domain.MissingReport, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.MissingReport{}, repositories.ErrNotFound
	}

	var row db.MissingReport
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", parsed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repositories.ErrNotFound
			}
			return err
		}
		if row.Resolved {
			return nil // already resolved — no field but retention metadata may change
		}
		now := time.Now().UTC()
		row.Acknowledged = true
		row.AcknowledgedBy = actor
		row.AcknowledgedAt = &now
		return tx.Save(&row).Error
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return domain.MissingReport{}, err
		}
		return domain.MissingReport{}, fmt.Errorf("reportstore: acknowledge: %w", err)
	}
	return toDomain(row), nil
}

func (s *gormStore) Resolve(ctx context.Context, id, resolution string) (domain.MissingReport, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.MissingReport{}, repositories.ErrNotFound
	}

	var row db.MissingReport
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", parsed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repositories.ErrNotFound
			}
			return err
		}
		if row.Resolved {
			return nil // already resolved — no field but retention metadata may change
		}
		now := time.Now().UTC()
		row.Resolved = true
		row.ResolvedAt = &now
		row.Resolution = resolution
		if !row.Acknowledged {
			row.Acknowledged = true
			row.AcknowledgedAt = &now
			row.AcknowledgedBy = "system"
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return domain.MissingReport{}, err
		}
		return domain.MissingReport{}, fmt.Errorf("reportstore: resolve: %w", err)
	}
	return toDomain(row), nil
}

func (s *gormStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{BySeverity: make(map[domain.Severity]int64)}

	if err := s.db.WithContext(ctx).Model(&db.MissingReport{}).Count(&stats.Total).Error; err != nil {
		return Stats{}, fmt.Errorf("reportstore: stats total: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&db.MissingReport{}).Where("resolved = ?", false).Count(&stats.OpenCount).Error; err != nil {
		return Stats{}, fmt.Errorf("reportstore: stats open: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&db.MissingReport{}).Where("acknowledged = ?", false).Count(&stats.UnacknowledgedCount).Error; err != nil {
		return Stats{}, fmt.Errorf("reportstore: stats unacknowledged: %w", err)
	}

	var rows []struct {
		Severity string
		Count    int64
	}
	if err := s.db.WithContext(ctx).Model(&db.MissingReport{}).
		Select("severity, count(*) as count").
		Where("resolved = ?", false).
		Group("severity").
		Scan(&rows).Error; err != nil {
		return Stats{}, fmt.Errorf("reportstore: stats by severity: %w", err)
	}
	for _, row := range rows {
		stats.BySeverity[domain.Severity(row.Severity)] = row.Count
	}

	return stats, nil
}

func (s *gormStore) GarbageCollect(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	result := s.db.WithContext(ctx).
		Where("resolved = ? AND resolved_at < ?", true, cutoff).
		Delete(&db.MissingReport{})
	if result.Error != nil {
		return 0, fmt.Errorf("reportstore: garbage collect: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func toDomain(row db.MissingReport) domain.MissingReport {
	return domain.MissingReport{
		ID:                  row.ID.String(),
		AgentAddress:        row.AgentAddress,
		Severity:            domain.Severity(row.Severity),
		ExpectedAt:          time.Unix(row.ExpectedAtUnix, 0).UTC(),
		LastHeartbeatAt:     time.Unix(row.LastHeartbeatAtUnix, 0).UTC(),
		DeadlineAt:          time.Unix(row.DeadlineAtUnix, 0).UTC(),
		MarketplaceSnapshot: row.MarketplaceSnapshot,
		CreatedAt:           row.CreatedAt,
		Acknowledged:        row.Acknowledged,
		AcknowledgedBy:      row.AcknowledgedBy,
		AcknowledgedAt:      row.AcknowledgedAt,
		Resolved:            row.Resolved,
		ResolvedAt:          row.ResolvedAt,
		Resolution:          row.Resolution,
	}
}

func toDomainSlice(rows []db.MissingReport) []domain.MissingReport {
	out := make([]domain.MissingReport, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomain(row))
	}
	return out
}
