package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdomaind/internal/model"
	"subdomaind/internal/provider"
)

func provisioned(t *testing.T, h *harness) *model.SubdomainRecord {
	t.Helper()
	rec, err := h.o.Provision(context.Background(), "tenant-1", "acme", "", "")
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, rec.Status)
	return rec
}

func TestRenewSwapsCertificateOnlyAfterIssue(t *testing.T) {
	h := newHarness(t)
	first := provisioned(t, h)
	h.ca.refs = []string{"cert-789"}

	var during *model.SubdomainRecord
	h.ca.onCheck = func(ref string) {
		if ref == "cert-789" && during == nil {
			during, _ = h.store.Get(context.Background(), "tenant-1", "acme")
		}
	}

	rec, err := h.o.Renew(context.Background(), "tenant-1", "acme")
	require.NoError(t, err)

	require.NotNil(t, during)
	assert.Equal(t, model.StatusSSLVerifying, during.Status)
	assert.True(t, during.Renewing)
	assert.Equal(t, "cert-456", during.CertificateRef)
	assert.Equal(t, "cert-789", during.PendingCertificateRef)
	assert.Equal(t, model.PublicActive, during.Public())

	assert.Equal(t, model.StatusActive, rec.Status)
	assert.False(t, rec.Renewing)
	assert.Equal(t, "cert-789", rec.CertificateRef)
	assert.Empty(t, rec.PendingCertificateRef)
	assert.Equal(t, "rec-123", rec.DNSRecordRef)
	require.NotNil(t, rec.CertificateExpiresAt)
	assert.False(t, rec.CertificateExpiresAt.Before(*first.CertificateExpiresAt))

	assert.Empty(t, h.ca.Revoked())
	assert.Equal(t, 1, h.dns.Creates())

	history, err := h.o.History(context.Background(), "tenant-1", "acme")
	require.NoError(t, err)
	requireLegalHistory(t, history)
	statuses := h.statuses(t, "tenant-1", "acme")
	assert.Equal(t, []model.Status{
		model.StatusActive,
		model.StatusSSLRequesting,
		model.StatusSSLVerifying,
		model.StatusActive,
	}, statuses[len(statuses)-4:])
}

func TestRenewFailureKeepsRecordActive(t *testing.T) {
	h := newHarness(t)
	provisioned(t, h)
	h.ca.requestErrs = []error{provider.Terminal("fakeca", "new order", 429, "rate limited for this domain", nil)}

	rec, err := h.o.Renew(context.Background(), "tenant-1", "acme")
	require.ErrorIs(t, err, ErrRenewalFailed)

	assert.Equal(t, model.StatusActive, rec.Status)
	assert.False(t, rec.Renewing)
	assert.Equal(t, "cert-456", rec.CertificateRef)
	assert.True(t, strings.HasPrefix(rec.LastError, "renewal failed"))
	assert.Empty(t, h.dns.Deleted())

	history, err := h.o.History(context.Background(), "tenant-1", "acme")
	require.NoError(t, err)
	requireLegalHistory(t, history)
}

func TestRenewFailureRevokesPendingOrder(t *testing.T) {
	h := newHarness(t)
	provisioned(t, h)
	h.ca.refs = []string{"cert-789"}
	h.ca.checkErrs["cert-789"] = provider.Terminal("fakeca", "order status", 403, "order invalid", nil)

	rec, err := h.o.Renew(context.Background(), "tenant-1", "acme")
	require.ErrorIs(t, err, ErrRenewalFailed)

	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, "cert-456", rec.CertificateRef)
	assert.Empty(t, rec.PendingCertificateRef)
	assert.Equal(t, []string{"cert-789"}, h.ca.Revoked())
}

func TestRenewFailureWithExpiredCertificateFails(t *testing.T) {
	h := newHarness(t)
	provisioned(t, h)
	h.o.now = func() time.Time { return time.Now().Add(100 * 24 * time.Hour) }
	h.ca.requestErrs = []error{provider.Terminal("fakeca", "new order", 400, "", nil)}

	rec, err := h.o.Renew(context.Background(), "tenant-1", "acme")
	require.ErrorIs(t, err, ErrProvisioningFailed)

	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.False(t, rec.Renewing)
	assert.Empty(t, rec.DNSRecordRef)
	assert.Empty(t, rec.CertificateRef)
	assert.Equal(t, []string{"rec-123"}, h.dns.Deleted())
	assert.Equal(t, []string{"cert-456"}, h.ca.Revoked())

	history, err := h.o.History(context.Background(), "tenant-1", "acme")
	require.NoError(t, err)
	requireLegalHistory(t, history)
}

func TestRenewRequiresActiveRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.Renew(ctx, "tenant-1", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	h.dns.createErrs = []error{provider.Terminal("fakedns", "create record", 400, "", nil)}
	_, err = h.o.Provision(ctx, "tenant-1", "acme", "", "")
	require.Error(t, err)

	_, err = h.o.Renew(ctx, "tenant-1", "acme")
	require.ErrorIs(t, err, ErrNotActive)
}

func TestSubmitRenewMarksRecordRenewing(t *testing.T) {
	h := newHarness(t)
	provisioned(t, h)
	h.ca.refs = []string{"cert-789"}

	rec, err := h.o.SubmitRenew(context.Background(), "tenant-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSSLRequesting, rec.Status)
	assert.True(t, rec.Renewing)
	assert.Equal(t, model.PublicActive, rec.Public())

	require.Eventually(t, func() bool {
		rec, err := h.o.Get(context.Background(), "tenant-1", "acme")
		return err == nil && rec.Status == model.StatusActive && rec.CertificateRef == "cert-789"
	}, 2*time.Second, 5*time.Millisecond)

	history, err := h.o.History(context.Background(), "tenant-1", "acme")
	require.NoError(t, err)
	requireLegalHistory(t, history)
}

func TestSubmitRenewRequiresActiveRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dns.createErrs = []error{provider.Terminal("fakedns", "create record", 400, "", nil)}

	_, err := h.o.Provision(ctx, "tenant-1", "acme", "", "")
	require.Error(t, err)

	rec, err := h.o.SubmitRenew(ctx, "tenant-1", "acme")
	require.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Zero(t, h.ca.Requests())
}
