package ca

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"subdomaind/internal/certstore"
	"subdomaind/internal/provider"
)

const ManualName = "manual"

// Manual serves certificates an operator uploads to the cert store as
// uploads/<domain>.crt and uploads/<domain>.key. A ref is the domain,
// optionally followed by "@<unix>" when an upload must expire later than
// that instant to count (renewals).
type Manual struct {
	rootDomain string
	store      certstore.Store
	now        func() time.Time
}

func NewManual(rootDomain string, store certstore.Store) *Manual {
	return &Manual{
		rootDomain: strings.TrimSuffix(rootDomain, "."),
		store:      store,
		now:        time.Now,
	}
}

func (m *Manual) Name() string {
	return ManualName
}

func (m *Manual) RequestCertificate(ctx context.Context, label string) (string, provider.ChallengeInfo, error) {
	domain := label + "." + m.rootDomain
	info := provider.ChallengeInfo{
		Type:   "upload",
		Domain: domain,
		Detail: fmt.Sprintf("upload %s and %s to the certificate store",
			certstore.UploadCertKey(domain), certstore.UploadKeyKey(domain)),
	}

	ref := domain
	if _, expires, err := m.load(ctx, domain); err == nil {
		ref = domain + "@" + strconv.FormatInt(expires.Unix(), 10)
	}
	return ref, info, nil
}

func (m *Manual) CheckStatus(ctx context.Context, ref string) (bool, time.Time, error) {
	domain, after, err := parseManualRef(ref)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %s", provider.ErrOrderNotFound, ref)
	}

	ok, expires, err := m.load(ctx, domain)
	if errors.Is(err, certstore.ErrNotFound) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	if !ok || !expires.After(after) {
		return false, time.Time{}, nil
	}
	return true, expires, nil
}

// RevokeCertificate is a no-op: uploads belong to the operator and there is
// no authority to revoke against.
func (m *Manual) RevokeCertificate(context.Context, string) error {
	return nil
}

// load validates the uploaded pair for domain. ok is false when the upload is
// present but already expired.
func (m *Manual) load(ctx context.Context, domain string) (bool, time.Time, error) {
	certPEM, err := m.store.Get(ctx, certstore.UploadCertKey(domain))
	if err != nil {
		return false, time.Time{}, err
	}
	keyPEM, err := m.store.Get(ctx, certstore.UploadKeyKey(domain))
	if err != nil {
		return false, time.Time{}, err
	}

	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return false, time.Time{}, provider.Terminal(ManualName, "check upload", 0, "uploaded key does not match certificate", err)
	}
	cert, err := certcrypto.ParsePEMCertificate(certPEM)
	if err != nil {
		return false, time.Time{}, provider.Terminal(ManualName, "check upload", 0, "uploaded certificate is unreadable", err)
	}
	if err := cert.VerifyHostname(domain); err != nil {
		return false, time.Time{}, provider.Terminal(ManualName, "check upload", 0, "uploaded certificate does not cover "+domain, err)
	}
	if !cert.NotAfter.After(m.now()) {
		return false, cert.NotAfter.UTC(), nil
	}
	return true, cert.NotAfter.UTC(), nil
}

func parseManualRef(ref string) (string, time.Time, error) {
	domain, after, found := strings.Cut(ref, "@")
	if domain == "" {
		return "", time.Time{}, errors.New("empty ref")
	}
	if !found {
		return domain, time.Time{}, nil
	}
	unix, err := strconv.ParseInt(after, 10, 64)
	if err != nil {
		return "", time.Time{}, err
	}
	return domain, time.Unix(unix, 0).UTC(), nil
}
