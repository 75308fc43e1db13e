// Package chaingateway implements typed, read-only access to the agent
// factory contract and each deployed agent contract. It is
// the exclusive owner of the RPC connection pool — no other component in
// this repository dials the chain directly.
package chaingateway

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/errs"
	"github.com/agentsentinel/controlplane/internal/metrics"
)

// Gateway provides typed, read-only access to the agent factory and
// each deployed agent contract.
type Gateway interface {
	// Snapshot returns the current on-chain state of addr. It does not check
	// addr against the factory's agent set and never returns KindNotFound: a
	// read against an address that is not an agent contract fails like any
	// other RPC call.
	Snapshot(ctx context.Context, addr string) (domain.AgentSnapshot, error)

	// Enumerate yields every address currently in the factory's agent set,
	// exactly once per call, hiding the underlying contract's pagination.
	Enumerate(ctx context.Context) ([]string, error)

	// WatchCreations invokes cb once per AgentCreated event observed after
	// the call is made. It blocks until ctx is cancelled.
	WatchCreations(ctx context.Context, cb func(addr string)) error

	// WatchHeartbeats invokes cb once per Heartbeat event observed for addr
	// after the call is made. It blocks until ctx is cancelled.
	WatchHeartbeats(ctx context.Context, addr string, cb func(evt domain.Event)) error

	// Decisions returns up to limit decision/heartbeat events for addr,
	// newest first, derived from indexed Heartbeat logs over the last
	// decisionLookbackBlocks blocks. Each Heartbeat carries
	// the decisionRef the event represents.
	Decisions(ctx context.Context, addr string, limit int) ([]domain.Event, error)

	// Close releases the underlying RPC connection pool.
	Close()
}

// Config configures a Gateway.
type Config struct {
	RPCEndpoint       string
	FactoryAddress    string
	MaxRPCConnections int // sized to min(workerCount, maxRPCConnections)
	Logger            *zap.Logger
}

type ethGateway struct {
	client      *ethclient.Client
	factory     *bind.BoundContract
	factoryAddr common.Address
	factoryABI  abi.ABI
	agentABI    abi.ABI
	logger      *zap.Logger
}

// New dials rpcEndpoint and returns a ready-to-use Gateway. The RPC
// connection pool is sized to min(workerCount, maxRPCConnections) via the
// transport's MaxConnsPerHost.
func New(ctx context.Context, cfg Config) (Gateway, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("chaingateway: logger is required")
	}

	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCEndpoint, rpc.WithHTTPClient(pooledHTTPClient(cfg.MaxRPCConnections)))
	if err != nil {
		return nil, fmt.Errorf("chaingateway: dial: %w", err)
	}
	client := ethclient.NewClient(rpcClient)

	fABI, err := abi.JSON(strings.NewReader(factoryABI))
	if err != nil {
		return nil, fmt.Errorf("chaingateway: parse factory abi: %w", err)
	}
	aABI, err := abi.JSON(strings.NewReader(agentABI))
	if err != nil {
		return nil, fmt.Errorf("chaingateway: parse agent abi: %w", err)
	}

	factoryAddr := common.HexToAddress(cfg.FactoryAddress)
	factory := bind.NewBoundContract(factoryAddr, fABI, client, client, client)

	return &ethGateway{
		client:      client,
		factory:     factory,
		factoryAddr: factoryAddr,
		factoryABI:  fABI,
		agentABI:    aABI,
		logger:      cfg.Logger.Named("chaingateway"),
	}, nil
}

func (g *ethGateway) Close() {
	g.client.Close()
}

// withRetry makes up to three attempts (two retries) at a transient RPC
// failure, with exponential backoff starting at 5s and capped at 60s with
// ±25% jitter. A non-transient failure is not retried and is returned as
// KindInternal.
// Decode failures are classified by the caller as protocolMismatch and must
// never be passed through this helper — it only wraps the RPC round trip.
func (g *ethGateway) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 0.25
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)

	var lastErr error
	retryErr := backoff.RetryNotify(func() error {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			// Not retryable — stop immediately via backoff.Permanent.
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, bctx, func(err error, wait time.Duration) {
		metrics.ChainGatewayRetries.Inc()
	})

	if retryErr != nil {
		if lastErr != nil && !isTransient(lastErr) {
			return errs.New(errs.KindInternal, op, lastErr)
		}
		return errs.New(errs.KindTransientChainFailure, op, lastErr)
	}
	return nil
}

// isTransient classifies network-level RPC failures (timeout, connection
// reset, 5xx) as retryable. Anything else — in particular ABI decode
// mismatches — is treated as permanent so withRetry does not waste attempts
// on an error that will never resolve itself.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"timeout", "connection reset", "EOF", "i/o timeout", "502", "503", "504", "context deadline exceeded"} {
		if strings.Contains(strings.ToLower(msg), marker) {
			return true
		}
	}
	return false
}

// Snapshot implements Gateway.
func (g *ethGateway) Snapshot(ctx context.Context, addr string) (domain.AgentSnapshot, error) {
	agentAddr := common.HexToAddress(addr)
	bound := bind.NewBoundContract(agentAddr, g.agentABI, g.client, g.client, g.client)
	opts := &bind.CallOpts{Context: ctx}

	var snap domain.AgentSnapshot
	snap.Address = strings.ToLower(addr)

	readBigInt := func(method string) (*big.Int, error) {
		var out []interface{}
		err := g.withRetry(ctx, "chaingateway.snapshot."+method, func() error {
			return bound.Call(opts, &out, method)
		})
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, errs.New(errs.KindProtocolMismatch, "chaingateway.snapshot."+method+": unexpected tuple shape", nil)
		}
		v, ok := out[0].(*big.Int)
		if !ok {
			return nil, errs.New(errs.KindProtocolMismatch, "chaingateway.snapshot."+method+": not a uint256", nil)
		}
		return v, nil
	}

	genomeRef, err := readBytes32(ctx, g, bound, opts, "genomeRef")
	if err != nil {
		return snap, err
	}
	snap.GenomeRef = genomeRef

	birthTime, err := readBigInt("birthTime")
	if err != nil {
		return snap, err
	}
	snap.BirthTime = time.Unix(birthTime.Int64(), 0).UTC()

	lastHeartbeatAt, err := readBigInt("lastHeartbeatAt")
	if err != nil {
		return snap, err
	}
	snap.LastHeartbeatAt = time.Unix(lastHeartbeatAt.Int64(), 0).UTC()

	heartbeatCount, err := readBigInt("heartbeatCount")
	if err != nil {
		return snap, err
	}
	snap.HeartbeatCount = heartbeatCount.Uint64()

	var aliveOut []interface{}
	if err := g.withRetry(ctx, "chaingateway.snapshot.alive", func() error {
		return bound.Call(opts, &aliveOut, "alive")
	}); err != nil {
		return snap, err
	}
	alive, ok := aliveOut[0].(bool)
	if !ok {
		return snap, errs.New(errs.KindProtocolMismatch, "chaingateway.snapshot.alive: not a bool", nil)
	}
	snap.Alive = alive

	balance, err := readBigInt("balance")
	if err != nil {
		return snap, err
	}
	snap.Balance = balance.Uint64()

	lastDecisionRef, err := readBytes32(ctx, g, bound, opts, "lastDecisionRef")
	if err != nil {
		return snap, err
	}
	snap.LastDecisionRef = lastDecisionRef

	cumulativeCost, err := readBigInt("cumulativeCost")
	if err != nil {
		return snap, err
	}
	snap.CumulativeCost = cumulativeCost.Uint64()

	var creatorOut []interface{}
	if err := g.withRetry(ctx, "chaingateway.snapshot.creator", func() error {
		return bound.Call(opts, &creatorOut, "creator")
	}); err != nil {
		return snap, err
	}
	creator, ok := creatorOut[0].(common.Address)
	if !ok {
		return snap, errs.New(errs.KindProtocolMismatch, "chaingateway.snapshot.creator: not an address", nil)
	}
	snap.Creator = strings.ToLower(creator.Hex())

	return snap, nil
}

func readBytes32(ctx context.Context, g *ethGateway, bound *bind.BoundContract, opts *bind.CallOpts, method string) (string, error) {
	var out []interface{}
	err := g.withRetry(ctx, "chaingateway.snapshot."+method, func() error {
		return bound.Call(opts, &out, method)
	})
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", errs.New(errs.KindProtocolMismatch, "chaingateway.snapshot."+method+": unexpected tuple shape", nil)
	}
	b, ok := out[0].([32]byte)
	if !ok {
		return "", errs.New(errs.KindProtocolMismatch, "chaingateway.snapshot."+method+": not bytes32", nil)
	}
	return fmt.Sprintf("0x%x", b), nil
}

// Enumerate implements Gateway. The caller holds whatever address list
// existed at enumeration time; a later Snapshot of an address that has since
// left the factory's set is not reported as KindNotFound.
func (g *ethGateway) Enumerate(ctx context.Context) ([]string, error) {
	opts := &bind.CallOpts{Context: ctx}

	var countOut []interface{}
	if err := g.withRetry(ctx, "chaingateway.enumerate.agentCount", func() error {
		return g.factory.Call(opts, &countOut, "agentCount")
	}); err != nil {
		return nil, err
	}
	count, ok := countOut[0].(*big.Int)
	if !ok {
		return nil, errs.New(errs.KindProtocolMismatch, "chaingateway.enumerate: agentCount not a uint256", nil)
	}

	// The registry may be paginated on-chain; this hides that by walking the
	// full index range in one call.
	addrs := make([]string, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		idx := big.NewInt(i)
		var out []interface{}
		err := g.withRetry(ctx, "chaingateway.enumerate.agentAt", func() error {
			return g.factory.Call(opts, &out, "agentAt", idx)
		})
		if err != nil {
			return nil, err
		}
		addr, ok := out[0].(common.Address)
		if !ok {
			return nil, errs.New(errs.KindProtocolMismatch, "chaingateway.enumerate: agentAt not an address", nil)
		}
		addrs = append(addrs, strings.ToLower(addr.Hex()))
	}
	return addrs, nil
}

// WatchCreations implements Gateway. A failed subscribe is retried after a
// jittered delay (jitteredDelay), and a dropped subscription is resubscribed;
// neither is fatal to the gateway.
func (g *ethGateway) WatchCreations(ctx context.Context, cb func(addr string)) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.factoryAddr},
		Topics:    [][]common.Hash{{g.factoryABI.Events["AgentCreated"].ID}},
	}

	for {
		logsCh := make(chan types.Log, 64)
		sub, err := g.client.SubscribeFilterLogs(ctx, query, logsCh)
		if err != nil {
			g.logger.Warn("watchCreations: subscribe failed, retrying", zap.Error(err))
			if !sleepOrDone(ctx, jitteredDelay()) {
				return ctx.Err()
			}
			continue
		}

		err = drainCreationLogs(ctx, sub, logsCh, g.factoryABI, cb)
		sub.Unsubscribe()
		if err == nil {
			return ctx.Err() // ctx was cancelled; clean exit
		}
		g.logger.Warn("watchCreations: subscription dropped, resubscribing", zap.Error(err))
	}
}

func drainCreationLogs(ctx context.Context, sub ethereum.Subscription, logsCh chan types.Log, fABI abi.ABI, cb func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case vLog := <-logsCh:
			if len(vLog.Topics) < 2 {
				continue
			}
			addr := common.HexToAddress(vLog.Topics[1].Hex())
			cb(strings.ToLower(addr.Hex()))
		}
	}
}

// WatchHeartbeats implements Gateway, per-agent. Nothing in the control
// plane calls it: the Scheduler does not subscribe to heartbeat events and
// checks every agent on its regular tick.
func (g *ethGateway) WatchHeartbeats(ctx context.Context, addr string, cb func(domain.Event)) error {
	agentAddr := common.HexToAddress(addr)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{agentAddr},
		Topics:    [][]common.Hash{{g.agentABI.Events["Heartbeat"].ID}},
	}

	for {
		logsCh := make(chan types.Log, 64)
		sub, err := g.client.SubscribeFilterLogs(ctx, query, logsCh)
		if err != nil {
			g.logger.Warn("watchHeartbeats: subscribe failed, retrying", zap.String("agent", addr), zap.Error(err))
			if !sleepOrDone(ctx, jitteredDelay()) {
				return ctx.Err()
			}
			continue
		}

		err = drainHeartbeatLogs(ctx, sub, logsCh, g.agentABI, addr, cb)
		sub.Unsubscribe()
		if err == nil {
			return ctx.Err()
		}
		g.logger.Warn("watchHeartbeats: subscription dropped, resubscribing", zap.String("agent", addr), zap.Error(err))
	}
}

func drainHeartbeatLogs(ctx context.Context, sub ethereum.Subscription, logsCh chan types.Log, aABI abi.ABI, addr string, cb func(domain.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case vLog := <-logsCh:
			data := map[string]interface{}{}
			if err := aABI.UnpackIntoMap(data, "Heartbeat", vLog.Data); err != nil {
				continue // malformed log — skip rather than kill the subscription
			}
			cb(domain.Event{
				Type:         domain.EventHeartbeat,
				AgentAddress: addr,
				Payload:      data,
				Timestamp:    time.Now().UTC(),
			})
		}
	}
}

// decisionLookbackBlocks bounds how far back Decisions searches: the last
// N blocks, default 10,000.
const decisionLookbackBlocks = 10_000

// Decisions implements Gateway via FilterLogs rather than a live
// subscription — it is a point-in-time read for the Query Surface, not a
// long-lived watch.
func (g *ethGateway) Decisions(ctx context.Context, addr string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	var fromBlock uint64
	var head uint64
	err := g.withRetry(ctx, "chaingateway.decisions.blocknumber", func() error {
		n, err := g.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if head > decisionLookbackBlocks {
		fromBlock = head - decisionLookbackBlocks
	}

	agentAddr := common.HexToAddress(addr)
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{agentAddr},
		Topics:    [][]common.Hash{{g.agentABI.Events["Heartbeat"].ID}},
	}

	var logs []types.Log
	err = g.withRetry(ctx, "chaingateway.decisions.filterlogs", func() error {
		l, err := g.client.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(logs))
	for i := len(logs) - 1; i >= 0 && len(events) < limit; i-- {
		data := map[string]interface{}{}
		if err := g.agentABI.UnpackIntoMap(data, "Heartbeat", logs[i].Data); err != nil {
			continue
		}
		events = append(events, domain.Event{
			Type:         domain.EventDecision,
			AgentAddress: addr,
			Payload:      data,
			Timestamp:    time.Now().UTC(),
		})
	}
	return events, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func jitteredDelay() time.Duration {
	base := 5 * time.Second
	jitter := time.Duration(rand.Int63n(int64(2 * time.Second)))
	return base + jitter
}

func pooledHTTPClient(maxConns int) *http.Client {
	if maxConns <= 0 {
		maxConns = 8
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = maxConns
	transport.MaxIdleConnsPerHost = maxConns
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}
}
