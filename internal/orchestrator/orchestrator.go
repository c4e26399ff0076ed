// Package orchestrator drives a subdomain record through its provisioning
// state machine: DNS record creation, propagation checks, certificate
// issuance, and rollback. Every transition is persisted before the next
// external call, so a restarted process resumes where the last one stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"subdomaind/internal/config"
	"subdomaind/internal/lock"
	"subdomaind/internal/model"
	"subdomaind/internal/provider"
	"subdomaind/internal/registry"
)

// DNSVerifier reports whether label resolves to target. ready=false with a
// nil error is a timed-out round.
type DNSVerifier interface {
	Verify(ctx context.Context, label, target string) (ready bool, detail string, err error)
}

// CertVerifier polls ca until ref is issued or the round times out.
type CertVerifier interface {
	Verify(ctx context.Context, ca provider.CertificateAuthority, ref string) (issued bool, expiresAt time.Time, detail string, err error)
}

type Options struct {
	RootDomain            string
	Target                string
	MaxRetries            int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	MaxVerificationRounds int
	ReservedLabels        []string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RootDomain:            cfg.RootDomain,
		Target:                cfg.Target,
		MaxRetries:            cfg.Provisioning.MaxRetries,
		RetryBaseDelay:        cfg.Provisioning.RetryBaseDelay,
		RetryMaxDelay:         cfg.Provisioning.RetryMaxDelay,
		MaxVerificationRounds: cfg.Provisioning.MaxVerificationRounds,
		ReservedLabels:        cfg.Provisioning.ReservedLabels,
	}
}

type Orchestrator struct {
	store     registry.Store
	providers *provider.Set
	dnsCheck  DNSVerifier
	certCheck CertVerifier
	locker    lock.Locker
	log       *zap.Logger
	opts      Options
	reserved  map[string]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	flights singleflight.Group

	mu       sync.Mutex
	closing  bool
	inflight map[string]map[uint64]context.CancelFunc
	nextRun  uint64
	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

func New(
	store registry.Store,
	providers *provider.Set,
	dnsCheck DNSVerifier,
	certCheck CertVerifier,
	locker lock.Locker,
	log *zap.Logger,
	opts Options,
) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	if opts.MaxVerificationRounds <= 0 {
		opts.MaxVerificationRounds = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	reserved := make(map[string]bool, len(opts.ReservedLabels))
	for _, l := range opts.ReservedLabels {
		reserved[NormalizeLabel(l)] = true
	}

	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		providers: providers,
		dnsCheck:  dnsCheck,
		certCheck: certCheck,
		locker:    locker,
		log:       log,
		opts:      opts,
		reserved:  reserved,
		now:       time.Now,
		sleep:     sleepCtx,
		inflight:  make(map[string]map[uint64]context.CancelFunc),
		base:      base,
		stop:      stop,
	}
}

func (o *Orchestrator) RootDomain() string { return o.opts.RootDomain }

// Provision runs the state machine for tenantID/label until the record is
// active or failed. Concurrent calls for the same key share one run. The run
// itself is bound to the orchestrator, not to ctx: if ctx ends first the
// caller gets ctx.Err() and the run continues in the background.
func (o *Orchestrator) Provision(ctx context.Context, tenantID, label, dnsName, caName string) (*model.SubdomainRecord, error) {
	label, err := o.validate(tenantID, label)
	if err != nil {
		return nil, err
	}
	dns, ca, err := o.resolveProviders(dnsName, caName)
	if err != nil {
		return nil, err
	}
	key := model.RecordKey(tenantID, label)
	return o.execute(ctx, "provision:"+key, key, func(ctx context.Context) (*model.SubdomainRecord, error) {
		return o.provisionRun(ctx, tenantID, label, dns.Name(), ca.Name(), true)
	})
}

// Submit records the request and returns immediately; provisioning continues
// in the background. Poll Get for progress.
func (o *Orchestrator) Submit(ctx context.Context, tenantID, label, dnsName, caName string) (*model.SubdomainRecord, error) {
	label, err := o.validate(tenantID, label)
	if err != nil {
		return nil, err
	}
	dns, ca, err := o.resolveProviders(dnsName, caName)
	if err != nil {
		return nil, err
	}
	rec, err := o.ensureRecord(ctx, tenantID, label, dns.Name(), ca.Name())
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case model.StatusActive:
		return rec, nil
	case model.StatusFailed:
		return rec, ErrRecordFailed
	}
	o.background(ctx, tenantID, label)
	return rec, nil
}

// Retry moves a failed record back to pending and provisions it again.
// Records that are not failed are resumed or returned as they are.
func (o *Orchestrator) Retry(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
	label = NormalizeLabel(label)
	key := model.RecordKey(tenantID, label)
	return o.execute(ctx, "provision:"+key, key, func(ctx context.Context) (*model.SubdomainRecord, error) {
		unlock, err := o.locker.Lock(ctx, key)
		if err != nil {
			return nil, err
		}
		defer unlock()

		rec, err := o.store.Get(ctx, tenantID, label)
		if err != nil {
			return nil, err
		}
		st := &run{rec: rec}
		if err := o.resetFailed(ctx, st); err != nil {
			return st.rec, err
		}
		return o.drive(ctx, st)
	})
}

// SubmitRetry is Retry without waiting for the run. A failed record is moved
// back to pending before it returns.
func (o *Orchestrator) SubmitRetry(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
	label = NormalizeLabel(label)
	rec, err := o.store.Get(ctx, tenantID, label)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.StatusFailed {
		rec, err = o.locked(ctx, tenantID, label, o.resetFailed)
		if err != nil {
			return rec, err
		}
	}
	if rec.Status != model.StatusActive {
		o.background(ctx, tenantID, label)
	}
	return rec, nil
}

func (o *Orchestrator) resetFailed(ctx context.Context, st *run) error {
	if st.rec.Status != model.StatusFailed {
		return nil
	}
	return o.transition(ctx, st, model.StatusPending, "retry requested", func(r *model.SubdomainRecord) {
		r.RetryCount = 0
		r.LastError = ""
		r.LastAttemptAt = nil
	})
}

// locked loads tenantID/label under its lock and applies fn to it.
func (o *Orchestrator) locked(ctx context.Context, tenantID, label string, fn func(context.Context, *run) error) (*model.SubdomainRecord, error) {
	unlock, err := o.locker.Lock(ctx, model.RecordKey(tenantID, label))
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.store.Get(ctx, tenantID, label)
	if err != nil {
		return nil, err
	}
	st := &run{rec: rec}
	err = fn(ctx, st)
	return st.rec.Clone(), err
}

// Get returns the stored record for tenantID/label.
func (o *Orchestrator) Get(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
	return o.store.Get(ctx, tenantID, NormalizeLabel(label))
}

func (o *Orchestrator) List(ctx context.Context, tenantID string) ([]model.SubdomainRecord, error) {
	return o.store.ListByTenant(ctx, tenantID)
}

// History returns the persisted transitions for tenantID/label, oldest first.
func (o *Orchestrator) History(ctx context.Context, tenantID, label string) ([]model.Transition, error) {
	return o.store.Transitions(ctx, tenantID, NormalizeLabel(label))
}

// ResumeAll restarts every record left mid-provisioning by a previous process.
// Runs continue in the background; the returned count is how many were found.
func (o *Orchestrator) ResumeAll(ctx context.Context) (int, error) {
	recs, err := o.store.ListByStatus(ctx, resumable...)
	if err != nil {
		return 0, fmt.Errorf("list unfinished records: %w", err)
	}
	for _, rec := range recs {
		o.log.Info("resuming provisioning",
			zap.String("tenant", rec.TenantID),
			zap.String("label", rec.Label),
			zap.String("status", string(rec.Status)),
		)
		o.background(ctx, rec.TenantID, rec.Label)
	}
	return len(recs), nil
}

// Shutdown cancels all runs and waits for them to return. Records stay in
// whatever state they reached and are picked up by the next ResumeAll.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) background(ctx context.Context, tenantID, label string) {
	key := model.RecordKey(tenantID, label)
	o.spawn(ctx, "provision:"+key, tenantID, label, func(ctx context.Context) (*model.SubdomainRecord, error) {
		return o.provisionRun(ctx, tenantID, label, "", "", false)
	})
}

// spawn runs fn in its flight without a waiting caller.
func (o *Orchestrator) spawn(ctx context.Context, flight, tenantID, label string, fn func(context.Context) (*model.SubdomainRecord, error)) {
	runCtx := carryAudit(o.base, ctx)
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		_, err := o.execute(runCtx, flight, model.RecordKey(tenantID, label), fn)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrShuttingDown) {
			o.log.Warn("background run ended with error",
				zap.String("flight", flight),
				zap.String("tenant", tenantID),
				zap.String("label", label),
				zap.Error(err),
			)
		}
	}()
}

// execute runs fn once per flight key on a context owned by the orchestrator
// and waits for it, or for ctx, whichever ends first.
func (o *Orchestrator) execute(ctx context.Context, flight, key string, fn func(context.Context) (*model.SubdomainRecord, error)) (*model.SubdomainRecord, error) {
	ch := o.flights.DoChan(flight, func() (any, error) {
		runCtx, done, err := o.track(key, carryAudit(o.base, ctx))
		if err != nil {
			return (*model.SubdomainRecord)(nil), err
		}
		defer done()
		return fn(runCtx)
	})
	select {
	case res := <-ch:
		rec, _ := res.Val.(*model.SubdomainRecord)
		if rec != nil {
			rec = rec.Clone()
		}
		return rec, o.runCanceled(ctx, res.Err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runCanceled tells a caller whose own ctx is still live why the shared run
// stopped: the orchestrator is shutting down, or the record was deprovisioned.
func (o *Orchestrator) runCanceled(ctx context.Context, err error) error {
	if !errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return err
	}
	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	return fmt.Errorf("%w: %w", ErrRunCanceled, err)
}

// track registers a cancellable run for key so Deprovision can stop it.
func (o *Orchestrator) track(key string, parent context.Context) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return nil, nil, ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(parent)
	o.nextRun++
	id := o.nextRun
	if o.inflight[key] == nil {
		o.inflight[key] = make(map[uint64]context.CancelFunc)
	}
	o.inflight[key][id] = cancel
	o.wg.Add(1)

	return ctx, func() {
		cancel()
		o.mu.Lock()
		delete(o.inflight[key], id)
		if len(o.inflight[key]) == 0 {
			delete(o.inflight, key)
		}
		o.mu.Unlock()
		o.wg.Done()
	}, nil
}

func (o *Orchestrator) cancelInflight(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, cancel := range o.inflight[key] {
		cancel()
		n++
	}
	return n
}

// provisionRun locks the key, loads or creates the record, and drives it.
func (o *Orchestrator) provisionRun(ctx context.Context, tenantID, label, dnsName, caName string, create bool) (*model.SubdomainRecord, error) {
	key := model.RecordKey(tenantID, label)
	unlock, err := o.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var rec *model.SubdomainRecord
	if create {
		rec, err = o.ensureRecord(ctx, tenantID, label, dnsName, caName)
	} else {
		rec, err = o.store.Get(ctx, tenantID, label)
	}
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case model.StatusActive:
		return rec, nil
	case model.StatusFailed:
		return rec, fmt.Errorf("%w: %s", ErrRecordFailed, rec.LastError)
	}
	return o.drive(ctx, &run{rec: rec})
}

// ensureRecord returns the existing record for the key or creates a pending
// one. Creation relies on the store's uniqueness checks, not on the lock.
func (o *Orchestrator) ensureRecord(ctx context.Context, tenantID, label, dnsName, caName string) (*model.SubdomainRecord, error) {
	rec, err := o.store.Get(ctx, tenantID, label)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	taken, err := o.store.LabelTaken(ctx, label, tenantID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %q", ErrLabelTaken, label)
	}

	rec = &model.SubdomainRecord{
		TenantID:    tenantID,
		Label:       label,
		Status:      model.StatusPending,
		DNSProvider: dnsName,
		SSLProvider: caName,
	}
	if err := o.store.Create(ctx, rec); err != nil {
		if errors.Is(err, registry.ErrLabelTaken) {
			// Lost a creation race with the same tenant.
			if existing, gerr := o.store.Get(ctx, tenantID, label); gerr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	o.record(ctx, rec, "", model.StatusPending, "provisioning requested")
	o.log.Info("subdomain requested",
		zap.String("tenant", tenantID),
		zap.String("label", label),
		zap.String("dns_provider", dnsName),
		zap.String("ssl_provider", caName),
	)
	return rec, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
