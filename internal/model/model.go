package model

import "time"

type Status string

const (
	StatusPending       Status = "pending"
	StatusDNSCreating   Status = "dns_creating"
	StatusDNSVerifying  Status = "dns_verifying"
	StatusSSLRequesting Status = "ssl_requesting"
	StatusSSLVerifying  Status = "ssl_verifying"
	StatusActive        Status = "active"
	StatusDNSFailed     Status = "dns_failed"
	StatusSSLFailed     Status = "ssl_failed"
	StatusFailed        Status = "failed"
)

// PublicStatus is what the tenant-management side sees.
type PublicStatus string

const (
	PublicPending PublicStatus = "pending"
	PublicActive  PublicStatus = "active"
	PublicFailed  PublicStatus = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDNSCreating, StatusDNSVerifying, StatusSSLRequesting,
		StatusSSLVerifying, StatusActive, StatusDNSFailed, StatusSSLFailed, StatusFailed:
		return true
	}
	return false
}

func (s Status) Failing() bool {
	return s == StatusDNSFailed || s == StatusSSLFailed || s == StatusFailed
}

type SubdomainRecord struct {
	ID                    string
	TenantID              string
	Label                 string
	Status                Status
	Renewing              bool
	DNSProvider           string
	SSLProvider           string
	DNSRecordRef          string
	CertificateRef        string
	PendingCertificateRef string
	CertificateExpiresAt  *time.Time
	RetryCount            int
	LastError             string
	LastAttemptAt         *time.Time
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (r *SubdomainRecord) Key() string {
	return RecordKey(r.TenantID, r.Label)
}

func RecordKey(tenantID, label string) string {
	return tenantID + "/" + label
}

// Public collapses the internal state machine into pending/active/failed.
// A record renewing its certificate keeps serving and is reported active.
func (r *SubdomainRecord) Public() PublicStatus {
	switch {
	case r.Status == StatusActive, r.Renewing && !r.Status.Failing():
		return PublicActive
	case r.Status.Failing():
		return PublicFailed
	default:
		return PublicPending
	}
}

func (r *SubdomainRecord) Clone() *SubdomainRecord {
	c := *r
	if r.CertificateExpiresAt != nil {
		t := *r.CertificateExpiresAt
		c.CertificateExpiresAt = &t
	}
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

type Transition struct {
	ID         int64
	RecordID   string
	TenantID   string
	Label      string
	FromStatus Status
	ToStatus   Status
	Detail     string
	Actor      string
	IPAddress  string
	CreatedAt  time.Time
}

// StatusView is the operator/dashboard export of a record.
type StatusView struct {
	TenantID             string       `json:"tenant_id"`
	Label                string       `json:"label"`
	FQDN                 string       `json:"fqdn"`
	Status               PublicStatus `json:"status"`
	Phase                Status       `json:"phase"`
	Renewing             bool         `json:"renewing"`
	DNSProvider          string       `json:"dns_provider"`
	SSLProvider          string       `json:"ssl_provider"`
	LastError            string       `json:"last_error,omitempty"`
	RetryCount           int          `json:"retry_count"`
	CertificateExpiresAt *time.Time   `json:"certificate_expires_at,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

func (r *SubdomainRecord) View(rootDomain string) StatusView {
	return StatusView{
		TenantID:             r.TenantID,
		Label:                r.Label,
		FQDN:                 r.Label + "." + rootDomain,
		Status:               r.Public(),
		Phase:                r.Status,
		Renewing:             r.Renewing,
		DNSProvider:          r.DNSProvider,
		SSLProvider:          r.SSLProvider,
		LastError:            r.LastError,
		RetryCount:           r.RetryCount,
		CertificateExpiresAt: r.CertificateExpiresAt,
		UpdatedAt:            r.UpdatedAt,
	}
}
