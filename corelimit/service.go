/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package corelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimit/corelimit/backend"
	"github.com/acronis/go-ratelimit/corelimit/cache"
	"github.com/acronis/go-ratelimit/corelimit/configcompile"
	"github.com/acronis/go-ratelimit/log"
	"github.com/acronis/go-ratelimit/service"
)

// Service is the top-level rate limiting core: it owns the compiled
// configuration, the local cache, and the backend pool, and implements
// service.Unit so a host process can start and stop it alongside its other
// components.
type Service struct {
	cfg    Config
	logger log.FieldLogger
	pool   *backend.Pool
	core   *cache.Core

	compiled atomic.Value // holds *configcompile.CompiledConfig

	cancel context.CancelFunc
	done   chan struct{}
}

var _ service.Unit = (*Service)(nil)

// NewService builds a Service from cfg. It establishes the backend pool but
// does not load any configuration; call LoadConfig (directly, or by calling
// Start) before the first ShouldRateLimit call.
func NewService(cfg Config, logger log.FieldLogger) (*Service, error) {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	pool, err := backend.NewPool(cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("corelimit: build backend pool: %w", err)
	}

	core, err := cache.NewCore(pool, cfg.Cache, nil)
	if err != nil {
		return nil, fmt.Errorf("corelimit: build cache core: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		core:   core,
	}
	s.compiled.Store(configcompile.Empty())
	return s, nil
}

// LoadConfig reads and compiles every *.yaml/*.yml document in
// s.cfg.ConfigPath and, if every document is valid, atomically replaces the
// active configuration. A failed load leaves the previously active
// configuration (if any) untouched.
func (s *Service) LoadConfig() error {
	sources, err := configcompile.ReadDir(s.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("corelimit: read config dir: %w", err)
	}
	cc, err := configcompile.Compile(sources)
	if err != nil {
		return fmt.Errorf("corelimit: compile config: %w", err)
	}
	s.compiled.Store(cc)
	s.logger.Info("rate limit configuration loaded", log.String("path", s.cfg.ConfigPath))
	return nil
}

// Reload is an alias for LoadConfig, named for the common case of calling it
// in response to an admin signal or endpoint after the first successful load.
func (s *Service) Reload() error {
	return s.LoadConfig()
}

func (s *Service) currentConfig() *configcompile.CompiledConfig {
	cc, _ := s.compiled.Load().(*configcompile.CompiledConfig)
	if cc == nil {
		return configcompile.Empty()
	}
	return cc
}

// ShouldRateLimit evaluates req against the currently loaded configuration
// and returns one DescriptorStatus per entry in req.Descriptors, in order,
// plus the aggregate OverallCode.
func (s *Service) ShouldRateLimit(ctx context.Context, req Request) (*Response, error) {
	hitsAddend := req.HitsAddend
	if hitsAddend == 0 && len(req.Descriptors) > 0 {
		hitsAddend = 1
	}

	items := make([]cache.BatchItem, len(req.Descriptors))
	for i, d := range req.Descriptors {
		items[i] = cache.BatchItem{Descriptors: d, HitsAddend: hitsAddend}
	}

	results, err := s.core.ShouldRateLimit(ctx, s.currentConfig(), req.Domain, items)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		OverallCode: CodeOK,
		Statuses:    make([]DescriptorStatus, len(results)),
	}
	for i, r := range results {
		code := CodeOK
		if r.OverLimit {
			code = CodeOverLimit
			resp.OverallCode = CodeOverLimit
		}
		resp.Statuses[i] = DescriptorStatus{
			Code:               code,
			CurrentLimit:       r.CurrentLimit,
			LimitRemaining:     r.LimitRemaining,
			DurationUntilReset: r.DurationUntilReset,
		}
	}
	return resp, nil
}

// HealthCheck reports whether the backend pool is currently reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.pool.HealthProbe(ctx)
}

// Start implements service.Unit. It performs the initial configuration load,
// then runs a service.PeriodicWorker supervising backend connectivity, and
// (if configured) a second one reloading the configuration, until Stop is
// called.
func (s *Service) Start(fatalErr chan<- error) {
	if err := s.LoadConfig(); err != nil {
		fatalErr <- fmt.Errorf("corelimit: initial config load: %w", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	defer close(s.done)

	healthWorker := service.NewPeriodicWorker(
		service.WorkerFunc(func(ctx context.Context) error {
			if err := s.pool.EnsureConnected(ctx); err != nil {
				s.logger.Warn("backend connectivity supervision failed", log.Error(err))
			}
			return nil
		}),
		time.Duration(s.cfg.HealthInterval),
		s.logger,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = healthWorker.Run(ctx)
	}()

	if reloadInterval := time.Duration(s.cfg.ReloadInterval); reloadInterval > 0 {
		reloadWorker := service.NewPeriodicWorker(
			service.WorkerFunc(func(context.Context) error {
				if err := s.Reload(); err != nil {
					s.logger.Warn("periodic config reload failed", log.Error(err))
				}
				return nil
			}),
			reloadInterval,
			s.logger,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reloadWorker.Run(ctx)
		}()
	}

	wg.Wait()
}

// Stop implements service.Unit.
func (s *Service) Stop(_ bool) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.pool.Close()
}
