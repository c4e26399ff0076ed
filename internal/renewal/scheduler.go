// Package renewal periodically renews certificates that are about to expire.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"subdomaind/internal/config"
	"subdomaind/internal/metrics"
	"subdomaind/internal/model"
	"subdomaind/internal/registry"
)

// Renewer is the part of the orchestrator the scheduler drives.
type Renewer interface {
	Renew(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error)
}

type Scheduler struct {
	store   registry.Store
	renewer Renewer
	log     *zap.Logger

	interval        time.Duration
	window          time.Duration
	concurrency     int
	shutdownTimeout time.Duration
	now             func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func NewScheduler(store registry.Store, renewer Renewer, cfg config.RenewalConfig, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:           store,
		renewer:         renewer,
		log:             log,
		interval:        cfg.Interval,
		window:          cfg.Window,
		concurrency:     cfg.Concurrency,
		shutdownTimeout: cfg.ShutdownTimeout,
		now:             time.Now,
	}
}

// Start scans once immediately and then on every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("renewal scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("renewal scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("window", s.window),
		zap.Int("concurrency", s.concurrency),
	)

	s.scanWithWait(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scanWithWait(ctx)
		}
	}
}

// Stop cancels the scan loop and waits up to the shutdown timeout for
// renewals in progress.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("renewal scheduler not started")
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("renewal scheduler stopped")
		return nil
	case <-time.After(s.shutdownTimeout):
		s.log.Warn("renewal scheduler shutdown timeout exceeded", zap.Duration("timeout", s.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", s.shutdownTimeout)
	}
}

// Run adapts Start/Stop to an errgroup member.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = s.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) scanWithWait(ctx context.Context) {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if _, err := s.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("renewal scan failed", zap.Error(err))
	}
}

// Scan renews every active record whose certificate expires within the
// window and refreshes the per-status gauge. It returns how many renewals
// succeeded.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	s.refreshGauge(ctx)

	due, err := s.store.ListDueForRenewal(ctx, s.now().Add(s.window))
	if err != nil {
		return 0, fmt.Errorf("list records due for renewal: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	s.log.Info("renewing certificates", zap.Int("due", len(due)))

	var renewed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range due {
		rec := rec
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if _, err := s.renewer.Renew(gctx, rec.TenantID, rec.Label); err != nil {
				s.log.Warn("certificate renewal failed",
					zap.String("tenant", rec.TenantID),
					zap.String("label", rec.Label),
					zap.Error(err),
				)
				return nil
			}
			renewed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(renewed.Load()), ctx.Err()
}

func (s *Scheduler) refreshGauge(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.log.Warn("could not count records by status", zap.Error(err))
		return
	}
	for _, st := range []model.Status{
		model.StatusPending, model.StatusDNSCreating, model.StatusDNSVerifying,
		model.StatusSSLRequesting, model.StatusSSLVerifying, model.StatusActive,
		model.StatusDNSFailed, model.StatusSSLFailed, model.StatusFailed,
	} {
		metrics.RecordsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
