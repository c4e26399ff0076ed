package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"subdomaind/internal/lock"
	"subdomaind/internal/model"
	"subdomaind/internal/provider"
	"subdomaind/internal/registry"
	"subdomaind/internal/verify"
)

type fakeDNS struct {
	mu         sync.Mutex
	refs       []string
	createErrs []error
	deleteErrs []error
	findErrs   []error
	existing   map[string]string
	// foreign holds records for a label that point somewhere else.
	foreign map[string]string
	creates int
	finds   int
	deleted []string
}

// landed is a create error returned after the record was already written,
// like a response lost on the way back.
type landed struct{ err error }

func (l landed) Error() string { return l.err.Error() }
func (l landed) Unwrap() error { return l.err }

func newFakeDNS(refs ...string) *fakeDNS {
	return &fakeDNS{refs: refs, existing: make(map[string]string), foreign: make(map[string]string)}
}

func (f *fakeDNS) Name() string { return "fakedns" }

func (f *fakeDNS) CreateRecord(_ context.Context, label, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	var lateErr error
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if l, ok := err.(landed); ok {
			lateErr = l.err
		} else if err != nil {
			return "", err
		}
	}
	ref := fmt.Sprintf("rec-%d", f.creates)
	if len(f.refs) > 0 {
		ref, f.refs = f.refs[0], f.refs[1:]
	}
	f.existing[label] = ref
	if lateErr != nil {
		return "", lateErr
	}
	return ref, nil
}

func (f *fakeDNS) DeleteRecord(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		f.deleteErrs = f.deleteErrs[1:]
		if err != nil {
			return err
		}
	}
	f.deleted = append(f.deleted, ref)
	for label, r := range f.existing {
		if r == ref {
			delete(f.existing, label)
		}
	}
	return nil
}

func (f *fakeDNS) FindRecord(_ context.Context, label, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if len(f.findErrs) > 0 {
		err := f.findErrs[0]
		f.findErrs = f.findErrs[1:]
		if err != nil {
			return "", false, err
		}
	}
	if other, ok := f.foreign[label]; ok {
		return "", false, provider.RecordConflict("fakedns", label+".example.com", other)
	}
	ref, ok := f.existing[label]
	return ref, ok, nil
}

func (f *fakeDNS) Existing() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.existing))
	for k, v := range f.existing {
		out[k] = v
	}
	return out
}

func (f *fakeDNS) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeDNS) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeCA struct {
	mu   sync.Mutex
	now  func() time.Time
	refs []string

	// requestErrs is consumed in order; the last entry repeats.
	requestErrs []error
	requests    int

	// issueAfter is how many CheckStatus calls an order needs.
	issueAfter int
	checks     map[string]int
	lost       map[string]bool
	checkErrs  map[string]error
	revoked    []string
	onCheck    func(ref string)
}

func newFakeCA(refs ...string) *fakeCA {
	return &fakeCA{
		now:        time.Now,
		refs:       refs,
		issueAfter: 3,
		checks:     make(map[string]int),
		lost:       make(map[string]bool),
		checkErrs:  make(map[string]error),
	}
}

func (f *fakeCA) Name() string { return "fakeca" }

func (f *fakeCA) RequestCertificate(_ context.Context, label string) (string, provider.ChallengeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if len(f.requestErrs) > 0 {
		err := f.requestErrs[0]
		if len(f.requestErrs) > 1 {
			f.requestErrs = f.requestErrs[1:]
		}
		if err != nil {
			return "", provider.ChallengeInfo{}, err
		}
	}
	ref := fmt.Sprintf("cert-%d", f.requests)
	if len(f.refs) > 0 {
		ref, f.refs = f.refs[0], f.refs[1:]
	}
	return ref, provider.ChallengeInfo{Type: "http-01", Domain: label + ".example.com"}, nil
}

func (f *fakeCA) CheckStatus(_ context.Context, ref string) (bool, time.Time, error) {
	f.mu.Lock()
	hook := f.onCheck
	f.checks[ref]++
	n := f.checks[ref]
	lost := f.lost[ref]
	checkErr := f.checkErrs[ref]
	issueAfter := f.issueAfter
	now := f.now()
	f.mu.Unlock()

	if hook != nil {
		hook(ref)
	}
	if lost {
		return false, time.Time{}, provider.ErrOrderNotFound
	}
	if checkErr != nil {
		return false, time.Time{}, checkErr
	}
	if n < issueAfter {
		return false, time.Time{}, nil
	}
	return true, now.Add(90 * 24 * time.Hour), nil
}

func (f *fakeCA) RevokeCertificate(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, ref)
	return nil
}

func (f *fakeCA) Checks(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[ref]
}

func (f *fakeCA) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeCA) Revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

type dnsCheckFunc func(ctx context.Context, label, target string) (bool, string, error)

func (f dnsCheckFunc) Verify(ctx context.Context, label, target string) (bool, string, error) {
	return f(ctx, label, target)
}

type harness struct {
	o     *Orchestrator
	store *registry.Memory
	dns   *fakeDNS
	ca    *fakeCA

	mu        sync.Mutex
	dnsChecks int
	dnsReady  func(n int) bool
	sleeps    []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    registry.NewMemory(),
		dns:      newFakeDNS("rec-123"),
		ca:       newFakeCA("cert-456"),
		dnsReady: func(int) bool { return true },
	}
	set := provider.NewSet("fakedns", "fakeca")
	set.AddDNS(h.dns)
	set.AddCA(h.ca)

	certCheck := verify.NewCertVerifier(verify.Policy{
		Initial: time.Millisecond,
		Max:     2 * time.Millisecond,
		Timeout: 2 * time.Second,
	})
	dnsCheck := dnsCheckFunc(func(ctx context.Context, label, target string) (bool, string, error) {
		h.mu.Lock()
		h.dnsChecks++
		n := h.dnsChecks
		ready := h.dnsReady
		h.mu.Unlock()
		if ready(n) {
			return true, label + " resolves to " + target, nil
		}
		return false, label + " not visible yet", nil
	})

	h.o = New(h.store, set, dnsCheck, certCheck, lock.NewMemory(), nil, Options{
		RootDomain:            "example.com",
		Target:                "lb.example.net",
		MaxRetries:            3,
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         4 * time.Millisecond,
		MaxVerificationRounds: 2,
		ReservedLabels:        []string{"www", "Admin"},
	})
	h.o.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.o.Shutdown(ctx))
	})
	return h
}

func (h *harness) DNSChecks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dnsChecks
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) statuses(t *testing.T, tenantID, label string) []model.Status {
	t.Helper()
	history, err := h.o.History(context.Background(), tenantID, label)
	require.NoError(t, err)
	var out []model.Status
	for _, tr := range history {
		out = append(out, tr.ToStatus)
	}
	return out
}

// requireLegalHistory checks every persisted transition against the edge
// table.
func requireLegalHistory(t *testing.T, history []model.Transition) {
	t.Helper()
	renewing := false
	for _, tr := range history {
		if tr.FromStatus == "" {
			require.Equal(t, model.StatusPending, tr.ToStatus)
			continue
		}
		if tr.FromStatus == model.StatusActive && tr.ToStatus == model.StatusSSLRequesting {
			renewing = true
		}
		require.Truef(t, CanTransition(tr.FromStatus, tr.ToStatus, renewing),
			"illegal transition %s -> %s", tr.FromStatus, tr.ToStatus)
		if tr.ToStatus == model.StatusActive || tr.ToStatus == model.StatusSSLFailed {
			renewing = false
		}
	}
}
