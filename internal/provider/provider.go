// Package provider defines the adapter contracts the orchestrator drives.
// Concrete DNS adapters live in internal/dns and certificate authorities in
// internal/ca; the orchestrator only sees these interfaces.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DNS creates and removes the record that points a tenant label at the
// platform target.
type DNS interface {
	Name() string

	// CreateRecord points label.<root> at target and returns an opaque
	// reference used for later deletion.
	CreateRecord(ctx context.Context, label, target string) (string, error)

	DeleteRecord(ctx context.Context, ref string) error

	// FindRecord reports whether a record for label already points at
	// target, so a crashed run can adopt it instead of creating a second one.
	// A record for label that points anywhere else yields a RecordConflict
	// error and must not be adopted or deleted.
	FindRecord(ctx context.Context, label, target string) (ref string, found bool, err error)
}

// ChallengeDNS is implemented by DNS adapters that can publish ACME DNS-01
// TXT records.
type ChallengeDNS interface {
	CreateTXT(ctx context.Context, fqdn, value string) error
	DeleteTXT(ctx context.Context, fqdn, value string) error
}

type ChallengeInfo struct {
	Type   string // http-01, dns-01, upload
	Domain string
	Detail string
}

// CertificateAuthority requests, tracks, and revokes certificates for
// label.<root>.
type CertificateAuthority interface {
	Name() string

	RequestCertificate(ctx context.Context, label string) (string, ChallengeInfo, error)

	// CheckStatus returns issued=false while the order is still pending.
	// ErrOrderNotFound means the CA has no memory of ref.
	CheckStatus(ctx context.Context, ref string) (issued bool, expiresAt time.Time, err error)

	RevokeCertificate(ctx context.Context, ref string) error
}

// Set holds the adapters selectable by name, with the configured defaults.
type Set struct {
	dns        map[string]DNS
	cas        map[string]CertificateAuthority
	defaultDNS string
	defaultCA  string
}

func NewSet(defaultDNS, defaultCA string) *Set {
	return &Set{
		dns:        make(map[string]DNS),
		cas:        make(map[string]CertificateAuthority),
		defaultDNS: defaultDNS,
		defaultCA:  defaultCA,
	}
}

func (s *Set) AddDNS(p DNS) {
	s.dns[p.Name()] = p
}

func (s *Set) AddCA(p CertificateAuthority) {
	s.cas[p.Name()] = p
}

// DNS returns the named adapter, or the default one when name is empty.
func (s *Set) DNS(name string) (DNS, error) {
	if name == "" {
		name = s.defaultDNS
	}
	p, ok := s.dns[name]
	if !ok {
		return nil, fmt.Errorf("%w: dns provider %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (s *Set) CA(name string) (CertificateAuthority, error) {
	if name == "" {
		name = s.defaultCA
	}
	p, ok := s.cas[name]
	if !ok {
		return nil, fmt.Errorf("%w: certificate provider %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (s *Set) DNSNames() []string {
	names := make([]string, 0, len(s.dns))
	for n := range s.dns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Set) CANames() []string {
	names := make([]string, 0, len(s.cas))
	for n := range s.cas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
