package orchestrator

import (
	"context"
	"fmt"

	"subdomaind/internal/model"
)

// Renew requests a fresh certificate for an active record. The record keeps
// serving its current certificate until the new one is issued; on failure it
// returns to active with LastError set, unless the current certificate has
// already expired, in which case it fails like a first issuance would.
func (o *Orchestrator) Renew(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
	label = NormalizeLabel(label)
	key := model.RecordKey(tenantID, label)
	return o.execute(ctx, "renew:"+key, key, func(ctx context.Context) (*model.SubdomainRecord, error) {
		return o.renewRun(ctx, tenantID, label)
	})
}

// SubmitRenew is Renew without waiting for the run. The record is marked
// renewing before it returns.
func (o *Orchestrator) SubmitRenew(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
	label = NormalizeLabel(label)
	rec, err := o.store.Get(ctx, tenantID, label)
	if err != nil {
		return nil, err
	}
	if !rec.Renewing {
		rec, err = o.locked(ctx, tenantID, label, o.startRenewal)
		if err != nil {
			return rec, err
		}
	}
	key := model.RecordKey(tenantID, label)
	o.spawn(ctx, "renew:"+key, tenantID, label, func(ctx context.Context) (*model.SubdomainRecord, error) {
		return o.renewRun(ctx, tenantID, label)
	})
	return rec, nil
}

func (o *Orchestrator) renewRun(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
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
	if err := o.startRenewal(ctx, st); err != nil {
		return st.rec, err
	}
	return o.drive(ctx, st)
}

// startRenewal moves an active record to ssl_requesting. An interrupted
// renewal is left as it is so the run picks it up where it stopped.
func (o *Orchestrator) startRenewal(ctx context.Context, st *run) error {
	switch {
	case st.rec.Renewing:
		return nil
	case st.rec.Status == model.StatusActive:
		return o.transition(ctx, st, model.StatusSSLRequesting, "certificate renewal", func(r *model.SubdomainRecord) {
			r.Renewing = true
			r.PendingCertificateRef = ""
			resetRetries(r)
		})
	}
	return fmt.Errorf("%w: status is %s", ErrNotActive, st.rec.Status)
}
