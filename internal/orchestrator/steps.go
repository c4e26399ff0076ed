package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"subdomaind/internal/metrics"
	"subdomaind/internal/model"
	"subdomaind/internal/provider"
)

// run is the mutable state of one pass over the state machine.
type run struct {
	rec *model.SubdomainRecord
	// cause is the error that sent the record to a failure state.
	cause    error
	rounds   map[model.Status]int
	reorders int
}

// drive advances st.rec until it is active or failed, or ctx ends.
func (o *Orchestrator) drive(ctx context.Context, st *run) (*model.SubdomainRecord, error) {
	if st.rounds == nil {
		st.rounds = make(map[model.Status]int)
	}
	for {
		if err := ctx.Err(); err != nil {
			return st.rec, err
		}

		var err error
		switch st.rec.Status {
		case model.StatusPending:
			err = o.transition(ctx, st, model.StatusDNSCreating, "", nil)
		case model.StatusDNSCreating:
			err = o.createDNS(ctx, st)
		case model.StatusDNSVerifying:
			err = o.verifyDNS(ctx, st)
		case model.StatusSSLRequesting:
			err = o.requestCert(ctx, st)
		case model.StatusSSLVerifying:
			err = o.verifyCert(ctx, st)
		case model.StatusDNSFailed, model.StatusSSLFailed:
			err = o.rollback(ctx, st)
		case model.StatusActive:
			if st.cause != nil {
				// A renewal gave up but the current certificate still serves.
				return st.rec, fmt.Errorf("%w: %w", ErrRenewalFailed, st.cause)
			}
			return st.rec, nil
		case model.StatusFailed:
			if st.cause != nil {
				return st.rec, fmt.Errorf("%w: %w", ErrProvisioningFailed, st.cause)
			}
			return st.rec, fmt.Errorf("%w: %s", ErrRecordFailed, st.rec.LastError)
		default:
			return st.rec, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, st.rec.Status)
		}
		if err != nil {
			return st.rec, err
		}
	}
}

func (o *Orchestrator) createDNS(ctx context.Context, st *run) error {
	dns, err := o.providers.DNS(st.rec.DNSProvider)
	if err != nil {
		return o.fail(ctx, st, model.StatusDNSFailed, provider.Terminal(st.rec.DNSProvider, "select", 0, "dns provider not configured", err))
	}

	ref := st.rec.DNSRecordRef
	detail := "dns record already recorded"
	if ref == "" {
		found, ok, err := dns.FindRecord(ctx, st.rec.Label, o.opts.Target)
		if err != nil {
			return o.stepFailed(ctx, st, model.StatusDNSFailed, err)
		}
		if ok {
			ref, detail = found, "adopted existing dns record"
		} else {
			ref, err = dns.CreateRecord(ctx, st.rec.Label, o.opts.Target)
			if err != nil {
				return o.stepFailed(ctx, st, model.StatusDNSFailed, err)
			}
			detail = "dns record created"
		}
	}
	return o.transition(ctx, st, model.StatusDNSVerifying, detail, func(r *model.SubdomainRecord) {
		r.DNSRecordRef = ref
		resetRetries(r)
	})
}

func (o *Orchestrator) verifyDNS(ctx context.Context, st *run) error {
	ready, detail, err := o.dnsCheck.Verify(ctx, st.rec.Label, o.opts.Target)
	if err != nil {
		return o.stepFailed(ctx, st, model.StatusDNSFailed, err)
	}
	if !ready {
		return o.roundTimedOut(ctx, st, "dns propagation", model.StatusDNSFailed, detail)
	}
	return o.transition(ctx, st, model.StatusSSLRequesting, detail, resetRetries)
}

func (o *Orchestrator) requestCert(ctx context.Context, st *run) error {
	ca, err := o.providers.CA(st.rec.SSLProvider)
	if err != nil {
		return o.fail(ctx, st, o.sslFailure(st.rec), provider.Terminal(st.rec.SSLProvider, "select", 0, "certificate provider not configured", err))
	}
	ref, info, err := ca.RequestCertificate(ctx, st.rec.Label)
	if err != nil {
		return o.stepFailed(ctx, st, o.sslFailure(st.rec), err)
	}
	detail := fmt.Sprintf("%s challenge for %s", info.Type, info.Domain)
	if info.Detail != "" {
		detail += ": " + info.Detail
	}
	return o.transition(ctx, st, model.StatusSSLVerifying, detail, func(r *model.SubdomainRecord) {
		if r.Renewing {
			r.PendingCertificateRef = ref
		} else {
			r.CertificateRef = ref
		}
		resetRetries(r)
	})
}

func (o *Orchestrator) verifyCert(ctx context.Context, st *run) error {
	ca, err := o.providers.CA(st.rec.SSLProvider)
	if err != nil {
		return o.fail(ctx, st, o.sslFailure(st.rec), provider.Terminal(st.rec.SSLProvider, "select", 0, "certificate provider not configured", err))
	}
	ref := st.rec.CertificateRef
	if st.rec.Renewing {
		ref = st.rec.PendingCertificateRef
	}

	issued, expires, detail, err := o.certCheck.Verify(ctx, ca, ref)
	if errors.Is(err, provider.ErrOrderNotFound) && st.reorders < o.opts.MaxRetries {
		st.reorders++
		return o.reorder(ctx, st, ca)
	}
	if err != nil {
		return o.stepFailed(ctx, st, o.sslFailure(st.rec), err)
	}
	if !issued {
		return o.roundTimedOut(ctx, st, "certificate issuance", o.sslFailure(st.rec), detail)
	}
	if !expires.After(o.now()) {
		return o.fail(ctx, st, o.sslFailure(st.rec),
			provider.Terminal(ca.Name(), "verify", 0, "issued certificate is already expired", nil))
	}

	if st.rec.Renewing {
		err := o.transition(ctx, st, model.StatusActive, "certificate renewed", func(r *model.SubdomainRecord) {
			r.CertificateRef = r.PendingCertificateRef
			r.PendingCertificateRef = ""
			r.CertificateExpiresAt = &expires
			r.Renewing = false
			resetRetries(r)
		})
		if err == nil {
			metrics.Renewals.WithLabelValues("success").Inc()
		}
		return err
	}
	return o.transition(ctx, st, model.StatusActive, detail, func(r *model.SubdomainRecord) {
		r.CertificateExpiresAt = &expires
		resetRetries(r)
	})
}

// reorder replaces an order the CA no longer knows about without leaving
// ssl_verifying.
func (o *Orchestrator) reorder(ctx context.Context, st *run, ca provider.CertificateAuthority) error {
	ref, _, err := ca.RequestCertificate(ctx, st.rec.Label)
	if err != nil {
		return o.stepFailed(ctx, st, o.sslFailure(st.rec), err)
	}
	o.log.Info("certificate order lost, requested a new one",
		zap.String("tenant", st.rec.TenantID),
		zap.String("label", st.rec.Label),
		zap.String("ref", ref),
	)
	return o.save(ctx, st, func(r *model.SubdomainRecord) {
		if r.Renewing {
			r.PendingCertificateRef = ref
		} else {
			r.CertificateRef = ref
		}
	})
}

// sslFailure is where a certificate step goes when it gives up. A renewal
// whose current certificate is still valid falls back to active.
func (o *Orchestrator) sslFailure(rec *model.SubdomainRecord) model.Status {
	if rec.Renewing && rec.CertificateExpiresAt != nil && rec.CertificateExpiresAt.After(o.now()) {
		return model.StatusActive
	}
	return model.StatusSSLFailed
}

// stepFailed classifies an adapter error. Terminal errors fail the step at
// once; transient ones are retried with backoff until MaxRetries.
func (o *Orchestrator) stepFailed(ctx context.Context, st *run, failTo model.Status, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if provider.IsTerminal(err) {
		return o.fail(ctx, st, failTo, err)
	}

	metrics.ProviderErrors.WithLabelValues(providerName(err), "transient").Inc()
	now := o.now()
	attempt := st.rec.RetryCount + 1
	msg := publicMessage(err)
	o.log.Warn("transient provider error",
		zap.String("tenant", st.rec.TenantID),
		zap.String("label", st.rec.Label),
		zap.String("status", string(st.rec.Status)),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)

	if attempt >= o.opts.MaxRetries {
		st.cause = err
		return o.giveUp(ctx, st, failTo, fmt.Sprintf("%s (gave up after %d attempts)", msg, attempt), func(r *model.SubdomainRecord) {
			r.RetryCount = attempt
			r.LastAttemptAt = &now
		})
	}

	if err := o.save(ctx, st, func(r *model.SubdomainRecord) {
		r.RetryCount = attempt
		r.LastError = msg
		r.LastAttemptAt = &now
	}); err != nil {
		return err
	}
	return o.sleep(ctx, o.retryDelay(attempt))
}

// fail moves the record straight to failTo without spending retries.
func (o *Orchestrator) fail(ctx context.Context, st *run, failTo model.Status, err error) error {
	metrics.ProviderErrors.WithLabelValues(providerName(err), "terminal").Inc()
	o.log.Warn("terminal provider error",
		zap.String("tenant", st.rec.TenantID),
		zap.String("label", st.rec.Label),
		zap.String("status", string(st.rec.Status)),
		zap.Error(err),
	)
	st.cause = err
	now := o.now()
	return o.giveUp(ctx, st, failTo, publicMessage(err), func(r *model.SubdomainRecord) {
		r.LastAttemptAt = &now
	})
}

func (o *Orchestrator) giveUp(ctx context.Context, st *run, failTo model.Status, msg string, mutate func(*model.SubdomainRecord)) error {
	if failTo != model.StatusActive {
		return o.transition(ctx, st, failTo, msg, func(r *model.SubdomainRecord) {
			mutate(r)
			r.LastError = msg
			r.Renewing = false
		})
	}

	// Renewal abandoned: drop the pending order and keep serving.
	pending := st.rec.PendingCertificateRef
	err := o.transition(ctx, st, model.StatusActive, "renewal failed: "+msg, func(r *model.SubdomainRecord) {
		mutate(r)
		r.LastError = "renewal failed: " + msg
		r.PendingCertificateRef = ""
		r.Renewing = false
		r.RetryCount = 0
	})
	if err != nil {
		return err
	}
	metrics.Renewals.WithLabelValues("failure").Inc()
	if pending != "" {
		if ca, cerr := o.providers.CA(st.rec.SSLProvider); cerr == nil {
			if rerr := ca.RevokeCertificate(ctx, pending); rerr != nil {
				o.log.Warn("could not revoke abandoned renewal order",
					zap.String("label", st.rec.Label), zap.String("ref", pending), zap.Error(rerr))
			}
		}
	}
	return nil
}

// roundTimedOut handles a verifier round that ended without a result. The
// state is re-entered until MaxVerificationRounds, which counts as one
// transient failure.
func (o *Orchestrator) roundTimedOut(ctx context.Context, st *run, what string, failTo model.Status, detail string) error {
	st.rounds[st.rec.Status]++
	n := st.rounds[st.rec.Status]
	o.log.Info("verification round timed out",
		zap.String("tenant", st.rec.TenantID),
		zap.String("label", st.rec.Label),
		zap.String("status", string(st.rec.Status)),
		zap.Int("round", n),
		zap.String("detail", detail),
	)
	if n < o.opts.MaxVerificationRounds {
		now := o.now()
		return o.save(ctx, st, func(r *model.SubdomainRecord) {
			r.LastAttemptAt = &now
		})
	}
	st.rounds[st.rec.Status] = 0
	return o.stepFailed(ctx, st, failTo, &verificationTimeout{what: what, rounds: n, detail: detail})
}

// rollback undoes whatever external state the record still references, then
// marks it failed. Cleanup failures are reported in LastError and the
// reference is kept so an operator can find the leftover.
func (o *Orchestrator) rollback(ctx context.Context, st *run) error {
	rec := st.rec
	var problems []string
	dnsRef, certRef, pendingRef := rec.DNSRecordRef, rec.CertificateRef, rec.PendingCertificateRef

	if dnsRef == "" {
		ref, err := o.findUnrecordedDNS(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			problems = append(problems, "dns record for "+rec.Label+": lookup failed: "+provider.PublicMessage(err))
		}
		dnsRef = ref
	}
	if dnsRef != "" {
		if dns, err := o.providers.DNS(rec.DNSProvider); err != nil {
			problems = append(problems, "dns record "+dnsRef+": "+err.Error())
		} else if err := dns.DeleteRecord(ctx, dnsRef); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			problems = append(problems, "dns record "+dnsRef+": "+provider.PublicMessage(err))
		} else {
			dnsRef = ""
		}
	}

	if certRef != "" || pendingRef != "" {
		ca, err := o.providers.CA(rec.SSLProvider)
		for _, ref := range []*string{&certRef, &pendingRef} {
			if *ref == "" {
				continue
			}
			if err != nil {
				problems = append(problems, "certificate "+*ref+": "+err.Error())
				continue
			}
			if rerr := ca.RevokeCertificate(ctx, *ref); rerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				problems = append(problems, "certificate "+*ref+": "+provider.PublicMessage(rerr))
				continue
			}
			*ref = ""
		}
	}

	lastErr := rec.LastError
	detail := "rolled back"
	result := "clean"
	if len(problems) > 0 {
		result = "incomplete"
		detail = "rollback incomplete, manual cleanup needed: " + strings.Join(problems, "; ")
		if lastErr != "" {
			lastErr += "; "
		}
		lastErr += detail
		o.log.Error("rollback incomplete",
			zap.String("tenant", rec.TenantID),
			zap.String("label", rec.Label),
			zap.Strings("problems", problems),
		)
	}
	metrics.Rollbacks.WithLabelValues(result).Inc()

	return o.transition(ctx, st, model.StatusFailed, detail, func(r *model.SubdomainRecord) {
		r.DNSRecordRef = dnsRef
		r.CertificateRef = certRef
		r.PendingCertificateRef = pendingRef
		r.CertificateExpiresAt = nil
		r.LastError = lastErr
		r.Renewing = false
	})
}

// findUnrecordedDNS looks for a DNS record a failed run may have created
// without persisting its reference, e.g. when the create response was lost.
// Records pointing elsewhere belong to someone else and are ignored.
func (o *Orchestrator) findUnrecordedDNS(ctx context.Context, rec *model.SubdomainRecord) (string, error) {
	if rec.Status != model.StatusDNSFailed && rec.Status != model.StatusSSLFailed {
		return "", nil
	}
	dns, err := o.providers.DNS(rec.DNSProvider)
	if err != nil {
		return "", nil
	}
	ref, found, err := dns.FindRecord(ctx, rec.Label, o.opts.Target)
	switch {
	case errors.Is(err, provider.ErrRecordConflict):
		return "", nil
	case err != nil:
		return "", err
	case !found:
		return "", nil
	}
	o.log.Info("found unrecorded dns record during rollback",
		zap.String("tenant", rec.TenantID),
		zap.String("label", rec.Label),
		zap.String("ref", ref),
	)
	return ref, nil
}

// transition persists st.rec moving to `to` and records the audit row.
func (o *Orchestrator) transition(ctx context.Context, st *run, to model.Status, detail string, mutate func(*model.SubdomainRecord)) error {
	from := st.rec.Status
	if !CanTransition(from, to, st.rec.Renewing) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	next := st.rec.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	if err := o.store.Update(ctx, next); err != nil {
		return fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}
	st.rec = next

	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	o.record(ctx, next, from, to, detail)
	o.log.Info("subdomain transition",
		zap.String("tenant", next.TenantID),
		zap.String("label", next.Label),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("detail", detail),
	)
	return nil
}

// save persists bookkeeping changes that do not change the status.
func (o *Orchestrator) save(ctx context.Context, st *run, mutate func(*model.SubdomainRecord)) error {
	next := st.rec.Clone()
	mutate(next)
	if err := o.store.Update(ctx, next); err != nil {
		return fmt.Errorf("persist %s: %w", next.Status, err)
	}
	st.rec = next
	return nil
}

func (o *Orchestrator) record(ctx context.Context, rec *model.SubdomainRecord, from, to model.Status, detail string) {
	a := auditFrom(ctx)
	err := o.store.LogTransition(ctx, &model.Transition{
		RecordID:   rec.ID,
		TenantID:   rec.TenantID,
		Label:      rec.Label,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		Actor:      a.actor,
		IPAddress:  a.ip,
	})
	if err != nil {
		o.log.Warn("failed to record transition",
			zap.String("label", rec.Label),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

// retryDelay is the wait before transient attempt n+1: RetryBaseDelay
// doubling per attempt, capped at RetryMaxDelay.
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.opts.RetryBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.opts.RetryMaxDelay,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func resetRetries(r *model.SubdomainRecord) {
	r.RetryCount = 0
	r.LastError = ""
}
