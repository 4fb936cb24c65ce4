/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-ratelimit/internal/poollimit"
	"github.com/acronis/go-ratelimit/log"
	"github.com/acronis/go-ratelimit/netutil"
	"github.com/acronis/go-ratelimit/retry"
)

// store bundles one backing client with the admission limiter that bounds
// its in-flight pipeline calls.
type store struct {
	client  *redis.Client
	limiter *poollimit.Limiter
}

// Pool is a connection-pooled client to the backing key-value store. It
// exposes pipelined batch increments and an optional health probe, and
// routes SECOND-unit counters to a dedicated store when one is configured.
type Pool struct {
	primary   *store
	perSecond *store // nil when no dedicated per-second store is configured
	deadline  time.Duration
	reconnect retry.Policy
	logger    log.FieldLogger
}

// NewPool builds a Pool from cfg. Connections are established lazily by
// go-redis on first use; NewPool itself performs no I/O.
func NewPool(cfg Config, logger log.FieldLogger) (*Pool, error) {
	if cfg.PrimaryURL == "" {
		return nil, fmt.Errorf("backend: primary store URL must be set")
	}

	primaryClient, err := newRedisClient(cfg, cfg.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("backend: build primary client: %w", err)
	}
	primaryLimiter, err := poollimit.New(cfg.PoolSize, time.Duration(cfg.PoolWaitTimeout))
	if err != nil {
		return nil, fmt.Errorf("backend: build primary pool limiter: %w", err)
	}

	p := &Pool{
		primary:  &store{client: primaryClient, limiter: primaryLimiter},
		deadline: time.Duration(cfg.Deadline),
		reconnect: retry.NewExponentialBackoffPolicy(
			time.Duration(cfg.Reconnect.InitialBackoff), cfg.Reconnect.MaxAttempts),
		logger: logger,
	}

	if cfg.PerSecondURL != "" {
		perSecondClient, perSecondErr := newRedisClient(cfg, cfg.PerSecondURL)
		if perSecondErr != nil {
			return nil, fmt.Errorf("backend: build per-second client: %w", perSecondErr)
		}
		perSecondLimiter, limiterErr := poollimit.New(cfg.PoolSize, time.Duration(cfg.PoolWaitTimeout))
		if limiterErr != nil {
			return nil, fmt.Errorf("backend: build per-second pool limiter: %w", limiterErr)
		}
		p.perSecond = &store{client: perSecondClient, limiter: perSecondLimiter}
	}

	return p, nil
}

func newRedisClient(cfg Config, addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify} //nolint:gosec // operator-controlled opt-in
		opts.TLSConfig = tlsConfig
	}

	if len(cfg.DNSResolver.Addrs) > 0 {
		resolver := netutil.NewCustomDNSResolver(cfg.DNSResolver.Addrs, time.Duration(cfg.DNSResolver.Timeout))
		dialer := &net.Dialer{Resolver: &resolver}
		opts.Dialer = func(ctx context.Context, network, a string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, a)
		}
	}

	return redis.NewClient(opts), nil
}

// storeFor returns the store an Op should be routed to.
func (p *Pool) storeFor(op Op) *store {
	if op.PerSecond && p.perSecond != nil {
		return p.perSecond
	}
	return p.primary
}

// Pipeline runs ops as pipelined INCRBY+EXPIRE pairs, grouped by the store
// each op routes to, and returns one OpResult per input op in the same
// order. A failure acquiring a pool slot or completing one group's
// round-trip only fails that group's ops; other groups are unaffected.
func (p *Pool) Pipeline(ctx context.Context, ops []Op) ([]OpResult, error) {
	results := make([]OpResult, len(ops))

	groups := map[*store][]int{}
	for i, op := range ops {
		s := p.storeFor(op)
		groups[s] = append(groups[s], i)
	}

	for s, indices := range groups {
		groupOps := make([]Op, len(indices))
		for j, idx := range indices {
			groupOps[j] = ops[idx]
		}
		groupResults := p.pipelineOnStore(ctx, s, groupOps)
		for j, idx := range indices {
			results[idx] = groupResults[j]
		}
	}

	return results, nil
}

func (p *Pool) pipelineOnStore(ctx context.Context, s *store, ops []Op) []OpResult {
	results := make([]OpResult, len(ops))

	deadlineCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	release, err := s.limiter.Acquire(deadlineCtx)
	if err != nil {
		backendErr := classifyAcquireError(err)
		for i := range results {
			results[i] = OpResult{Err: backendErr}
		}
		return results
	}
	defer release()

	pipe := s.client.Pipeline()
	incrCmds := make([]*redis.IntCmd, len(ops))
	for i, op := range ops {
		incrCmds[i] = pipe.IncrBy(deadlineCtx, op.Key, op.Addend)
		pipe.Expire(deadlineCtx, op.Key, op.TTL)
	}

	if _, execErr := pipe.Exec(deadlineCtx); execErr != nil && !errors.Is(execErr, redis.Nil) {
		backendErr := &Error{Kind: classifyExecErrorKind(execErr), Err: execErr}
		for i := range results {
			results[i] = OpResult{Err: backendErr}
		}
		return results
	}

	for i, cmd := range incrCmds {
		n, cmdErr := cmd.Result()
		if cmdErr != nil {
			results[i] = OpResult{Err: &Error{Kind: ErrorKindProtocol, Err: cmdErr}}
			continue
		}
		results[i] = OpResult{Value: n}
	}
	return results
}

func classifyAcquireError(err error) *Error {
	return &Error{Kind: ErrorKindPoolExhausted, Err: err}
}

func classifyExecErrorKind(err error) ErrorKind {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrorKindTimeout
	}
	return ErrorKindConnection
}

// HealthProbe pings every configured store once, returning the first error
// encountered.
func (p *Pool) HealthProbe(ctx context.Context) error {
	if err := p.primary.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping primary store: %w", err)
	}
	if p.perSecond != nil {
		if err := p.perSecond.client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping per-second store: %w", err)
		}
	}
	return nil
}

// EnsureConnected retries HealthProbe under the pool's reconnect backoff
// policy. It is meant to be driven periodically by a supervising loop
// (corelimit.Service.Start), never from the Pipeline hot path.
func (p *Pool) EnsureConnected(ctx context.Context) error {
	return retry.DoWithRetry(ctx, p.reconnect, nil, nil, func(ctx context.Context) error {
		return p.HealthProbe(ctx)
	})
}

// Close releases every store's connections.
func (p *Pool) Close() error {
	if err := p.primary.client.Close(); err != nil {
		return err
	}
	if p.perSecond != nil {
		return p.perSecond.client.Close()
	}
	return nil
}
