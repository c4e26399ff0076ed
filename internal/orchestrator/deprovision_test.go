package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdomaind/internal/model"
	"subdomaind/internal/provider"
)

func TestDeprovisionRemovesEverything(t *testing.T) {
	h := newHarness(t)
	provisioned(t, h)
	ctx := context.Background()

	require.NoError(t, h.o.Deprovision(ctx, "tenant-1", "ACME"))

	_, err := h.o.Get(ctx, "tenant-1", "acme")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"rec-123"}, h.dns.Deleted())
	assert.Equal(t, []string{"cert-456"}, h.ca.Revoked())

	// The label is free again.
	_, err = h.o.Provision(ctx, "tenant-2", "acme", "", "")
	require.NoError(t, err)
}

func TestDeprovisionDNSFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	provisioned(t, h)
	ctx := context.Background()
	h.dns.deleteErrs = []error{provider.Transient("fakedns", "delete record", 503, "", nil)}

	err := h.o.Deprovision(ctx, "tenant-1", "acme")
	require.Error(t, err)

	rec, err := h.o.Get(ctx, "tenant-1", "acme")
	require.NoError(t, err)
	assert.Equal(t, "rec-123", rec.DNSRecordRef)
	assert.Contains(t, rec.LastError, "deprovision:")
	assert.Empty(t, h.ca.Revoked())

	require.NoError(t, h.o.Deprovision(ctx, "tenant-1", "acme"))
	_, err = h.o.Get(ctx, "tenant-1", "acme")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeprovisionCancelsInflightRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.o.dnsCheck = dnsCheckFunc(func(ctx context.Context, _, _ string) (bool, string, error) {
		<-ctx.Done()
		return false, "", ctx.Err()
	})

	_, err := h.o.Submit(ctx, "tenant-1", "acme", "", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := h.o.Get(ctx, "tenant-1", "acme")
		return err == nil && rec.Status == model.StatusDNSVerifying
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.o.Deprovision(ctx, "tenant-1", "acme"))

	_, err = h.o.Get(ctx, "tenant-1", "acme")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"rec-123"}, h.dns.Deleted())
	assert.Zero(t, h.ca.Requests())
}

func TestDeprovisionFindsUnrecordedDNSRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, &model.SubdomainRecord{
		TenantID:    "tenant-1",
		Label:       "acme",
		Status:      model.StatusDNSCreating,
		DNSProvider: "fakedns",
		SSLProvider: "fakeca",
	}))
	h.dns.existing["acme"] = "rec-5"

	require.NoError(t, h.o.Deprovision(ctx, "tenant-1", "acme"))
	assert.Equal(t, []string{"rec-5"}, h.dns.Deleted())
}

func TestDeprovisionUnknownRecord(t *testing.T) {
	h := newHarness(t)
	err := h.o.Deprovision(context.Background(), "tenant-1", "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeprovisionLeavesForeignDNSRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, &model.SubdomainRecord{
		TenantID:    "tenant-1",
		Label:       "blog",
		Status:      model.StatusDNSCreating,
		DNSProvider: "fakedns",
		SSLProvider: "fakeca",
	}))
	h.dns.foreign["blog"] = "foreign-blog-record"

	require.NoError(t, h.o.Deprovision(ctx, "tenant-1", "blog"))
	assert.Empty(t, h.dns.Deleted())

	_, err := h.o.Get(ctx, "tenant-1", "blog")
	assert.ErrorIs(t, err, ErrNotFound)
}
