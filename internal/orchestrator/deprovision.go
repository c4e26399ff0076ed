package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"subdomaind/internal/model"
	"subdomaind/internal/provider"
	"subdomaind/internal/registry"
)

// Deprovision stops any run for the key, removes the DNS record, revokes
// certificates, and deletes the registry entry. DNS removal must succeed
// before the record is dropped; a failure there leaves the record in place
// with LastError set so the call can be repeated. Certificate revocation is
// best effort.
func (o *Orchestrator) Deprovision(ctx context.Context, tenantID, label string) error {
	label = NormalizeLabel(label)
	key := model.RecordKey(tenantID, label)
	if n := o.cancelInflight(key); n > 0 {
		o.log.Info("cancelled in-flight provisioning",
			zap.String("tenant", tenantID),
			zap.String("label", label),
			zap.Int("runs", n),
		)
	}

	unlock, err := o.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := o.store.Get(ctx, tenantID, label)
	if err != nil {
		return err
	}
	st := &run{rec: rec}

	if err := o.removeDNS(ctx, st); err != nil {
		return err
	}

	if rec.CertificateRef != "" || rec.PendingCertificateRef != "" {
		if ca, err := o.providers.CA(rec.SSLProvider); err != nil {
			o.log.Warn("certificate provider unavailable, skipping revocation",
				zap.String("label", label), zap.Error(err))
		} else {
			for _, ref := range []string{rec.CertificateRef, rec.PendingCertificateRef} {
				if ref == "" {
					continue
				}
				if err := ca.RevokeCertificate(ctx, ref); err != nil {
					o.log.Warn("certificate revocation failed",
						zap.String("label", label), zap.String("ref", ref), zap.Error(err))
				}
			}
		}
	}

	if err := o.store.Delete(ctx, tenantID, label); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("delete record: %w", err)
	}
	o.log.Info("subdomain deprovisioned",
		zap.String("tenant", tenantID),
		zap.String("label", label),
		zap.String("actor", auditFrom(ctx).actor),
	)
	return nil
}

// removeDNS deletes the record's DNS entry. A record that crashed between
// creating the entry and persisting its reference is looked up by name.
func (o *Orchestrator) removeDNS(ctx context.Context, st *run) error {
	rec := st.rec
	dns, err := o.providers.DNS(rec.DNSProvider)
	if err != nil {
		if rec.DNSRecordRef == "" {
			return nil
		}
		return err
	}

	ref := rec.DNSRecordRef
	if ref == "" && rec.Status != model.StatusPending && rec.Status != model.StatusFailed {
		found, ok, err := dns.FindRecord(ctx, rec.Label, o.opts.Target)
		if err != nil && !errors.Is(err, provider.ErrRecordConflict) {
			return o.deprovisionFailed(ctx, st, err)
		}
		if ok {
			ref = found
		}
	}
	if ref == "" {
		return nil
	}
	if err := dns.DeleteRecord(ctx, ref); err != nil {
		return o.deprovisionFailed(ctx, st, err)
	}
	return o.save(ctx, st, func(r *model.SubdomainRecord) {
		r.DNSRecordRef = ""
	})
}

func (o *Orchestrator) deprovisionFailed(ctx context.Context, st *run, err error) error {
	msg := "deprovision: " + publicMessage(err)
	if serr := o.save(ctx, st, func(r *model.SubdomainRecord) {
		r.LastError = msg
	}); serr != nil {
		o.log.Warn("failed to persist deprovision error", zap.String("label", st.rec.Label), zap.Error(serr))
	}
	return fmt.Errorf("delete dns record: %w", err)
}
