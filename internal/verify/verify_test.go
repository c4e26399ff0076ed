package verify

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdomaind/internal/provider"
)

var fastPolicy = Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Timeout: 2 * time.Second}

// zone is a tiny authoritative server whose answers can change mid-test.
type zone struct {
	mu      sync.Mutex
	records map[string]dns.RR
	queries atomic.Int32
}

func (z *zone) set(rr string) {
	r, err := dns.NewRR(rr)
	if err != nil {
		panic(err)
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.records[r.Header().Name+dns.TypeToString[r.Header().Rrtype]] = r
}

func (z *zone) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	z.queries.Add(1)
	m := new(dns.Msg)
	m.SetReply(req)
	q := req.Question[0]

	z.mu.Lock()
	rr, ok := z.records[q.Name+dns.TypeToString[q.Qtype]]
	z.mu.Unlock()

	if ok {
		m.Answer = append(m.Answer, rr)
	} else {
		m.Rcode = dns.RcodeNameError
	}
	_ = w.WriteMsg(m)
}

func startZone(t *testing.T) (*zone, string) {
	t.Helper()
	z := &zone{records: make(map[string]dns.RR)}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: z, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return z, pc.LocalAddr().String()
}

func TestDNSVerifierWaitsForCNAME(t *testing.T) {
	z, addr := startZone(t)
	v := NewDNSVerifier("example.com", []string{addr}, fastPolicy)

	go func() {
		time.Sleep(30 * time.Millisecond)
		z.set("acme.example.com. 60 IN CNAME lb.platform.net.")
	}()

	ready, detail, err := v.Verify(context.Background(), "acme", "lb.platform.net")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Contains(t, detail, "acme.example.com.")
	assert.Greater(t, z.queries.Load(), int32(1))
}

func TestDNSVerifierMatchesAddress(t *testing.T) {
	z, addr := startZone(t)
	z.set("acme.example.com. 60 IN A 203.0.113.7")
	v := NewDNSVerifier("example.com", []string{addr}, fastPolicy)

	ready, _, err := v.Verify(context.Background(), "acme", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestDNSVerifierTimesOutWithoutError(t *testing.T) {
	z, addr := startZone(t)
	z.set("acme.example.com. 60 IN CNAME somewhere.else.")
	policy := fastPolicy
	policy.Timeout = 60 * time.Millisecond
	v := NewDNSVerifier("example.com", []string{addr}, policy)

	ready, detail, err := v.Verify(context.Background(), "acme", "lb.platform.net")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Contains(t, detail, "does not point at lb.platform.net")
}

func TestDNSVerifierAnyResolverSuffices(t *testing.T) {
	_, emptyAddr := startZone(t)
	good, goodAddr := startZone(t)
	good.set("acme.example.com. 60 IN CNAME lb.platform.net.")

	v := NewDNSVerifier("example.com", []string{emptyAddr, goodAddr}, fastPolicy)

	ready, detail, err := v.Verify(context.Background(), "acme", "lb.platform.net")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Contains(t, detail, goodAddr)
}

func TestDNSVerifierHonoursCancellation(t *testing.T) {
	_, addr := startZone(t)
	v := NewDNSVerifier("example.com", []string{addr}, fastPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	ready, _, err := v.Verify(ctx, "acme", "lb.platform.net")
	assert.False(t, ready)
	assert.ErrorIs(t, err, context.Canceled)
}

type scriptedCA struct {
	polls   atomic.Int32
	readyAt int32
	expires time.Time
	err     error
}

func (s *scriptedCA) Name() string { return "scripted" }

func (s *scriptedCA) RequestCertificate(context.Context, string) (string, provider.ChallengeInfo, error) {
	return "cert-456", provider.ChallengeInfo{}, nil
}

func (s *scriptedCA) CheckStatus(context.Context, string) (bool, time.Time, error) {
	n := s.polls.Add(1)
	if s.err != nil {
		return false, time.Time{}, s.err
	}
	if n >= s.readyAt {
		return true, s.expires, nil
	}
	return false, time.Time{}, nil
}

func (s *scriptedCA) RevokeCertificate(context.Context, string) error { return nil }

func TestCertVerifierPollsUntilIssued(t *testing.T) {
	expires := time.Now().Add(90 * 24 * time.Hour)
	ca := &scriptedCA{readyAt: 3, expires: expires}
	v := NewCertVerifier(fastPolicy)

	issued, got, _, err := v.Verify(context.Background(), ca, "cert-456")
	require.NoError(t, err)
	assert.True(t, issued)
	assert.True(t, got.Equal(expires))
	assert.Equal(t, int32(3), ca.polls.Load())
}

func TestCertVerifierStopsOnError(t *testing.T) {
	ca := &scriptedCA{readyAt: 100, err: provider.ErrOrderNotFound}
	v := NewCertVerifier(fastPolicy)

	issued, _, _, err := v.Verify(context.Background(), ca, "cert-456")
	assert.False(t, issued)
	assert.True(t, errors.Is(err, provider.ErrOrderNotFound))
	assert.Equal(t, int32(1), ca.polls.Load())
}

func TestCertVerifierTimeout(t *testing.T) {
	ca := &scriptedCA{readyAt: 1 << 30}
	policy := fastPolicy
	policy.Timeout = 50 * time.Millisecond
	v := NewCertVerifier(policy)

	issued, _, detail, err := v.Verify(context.Background(), ca, "cert-456")
	require.NoError(t, err)
	assert.False(t, issued)
	assert.Contains(t, detail, "pending")
}
