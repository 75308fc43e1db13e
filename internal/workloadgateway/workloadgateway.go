// Package workloadgateway implements cross-checking against the external
// workload marketplace. It is the one component that talks
// HTTP to a third party outside the chain, and wraps every call in a circuit
// breaker so a marketplace outage degrades to MarketplaceUnknown instead of
// blocking the Scheduler's worker pool.
package workloadgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/domain"
)

// Gateway cross-checks agent deployments against the workload marketplace.
type Gateway interface {
	// DeploymentStatus reports the current marketplace-side state of the
	// container backing sequenceID. A circuit-open or transport failure is
	// reported as MarketplaceUnknown rather than returned as an error, so
	// callers can fold it straight into HeartbeatStatus.
	DeploymentStatus(ctx context.Context, sequenceID string) domain.DeploymentStatus

	// HealthProbe reports whether the deployment's own host endpoint answers,
	// independent of the marketplace's general status API — used by the
	// Evaluator's marketplace cross-check to corroborate a closed/error
	// DeploymentStatus before it raises a marketplaceDown alert.
	HealthProbe(ctx context.Context, hostEndpoint string) bool
}

// Config configures a Gateway.
type Config struct {
	Endpoint string
	Logger   *zap.Logger
}

type httpGateway struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// New returns a Gateway that calls the marketplace's status endpoint over
// HTTP, guarded by a circuit breaker.
func New(cfg Config) Gateway {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        "workloadgateway",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("workloadgateway: circuit state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	}

	return &httpGateway{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker(settings),
		logger:   cfg.Logger.Named("workloadgateway"),
	}
}

type statusResponse struct {
	State        string `json:"state"`
	HostEndpoint string `json:"host_endpoint"`
}

// DeploymentStatus implements Gateway. A 404 reports the deployment as
// MarketplaceClosed. Any failure — circuit open, timeout, any other
// non-2xx, malformed body — collapses to MarketplaceUnknown; the caller
// treats that the same way it treats "marketplace check disabled"
//.
func (g *httpGateway) DeploymentStatus(ctx context.Context, sequenceID string) domain.DeploymentStatus {
	now := time.Now().UTC()

	result, err := g.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/deployments/%s/status", g.endpoint, sequenceID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return statusResponse{State: string(domain.MarketplaceClosed)}, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("workloadgateway: non-2xx status %d", resp.StatusCode)
		}

		var parsed statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("workloadgateway: decode response: %w", err)
		}
		return parsed, nil
	})

	if err != nil {
		g.logger.Debug("deployment status check failed, reporting unknown",
			zap.String("sequenceId", sequenceID), zap.Error(err))
		return domain.DeploymentStatus{State: domain.MarketplaceUnknown, LastChecked: now}
	}

	parsed := result.(statusResponse)
	return domain.DeploymentStatus{
		State:        normalizeState(parsed.State),
		HostEndpoint: parsed.HostEndpoint,
		LastChecked:  now,
	}
}

func normalizeState(raw string) domain.MarketplaceState {
	switch domain.MarketplaceState(raw) {
	case domain.MarketplaceActive, domain.MarketplaceInactive, domain.MarketplaceClosed, domain.MarketplaceError:
		return domain.MarketplaceState(raw)
	default:
		return domain.MarketplaceUnknown
	}
}

// HealthProbe implements Gateway. An empty hostEndpoint is treated as
// unreachable rather than falling back to the marketplace's own endpoint —
// callers only have a hostEndpoint once DeploymentStatus has returned one.
func (g *httpGateway) HealthProbe(ctx context.Context, hostEndpoint string) bool {
	if hostEndpoint == "" {
		return false
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hostEndpoint+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("workloadgateway: health check status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err == nil
}
