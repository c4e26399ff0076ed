// Package ca holds the certificate authority adapters: an ACME client backed
// by lego and a manual authority that serves operator-uploaded bundles.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"subdomaind/internal/certstore"
	"subdomaind/internal/config"
	"subdomaind/internal/provider"
)

const ACMEName = "acme"

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	SetDNS01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
	Revoke(cert []byte) error
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) SetDNS01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetDNS01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

func (l *legoClientAdapter) Revoke(cert []byte) error {
	return l.client.Certificate.Revoke(cert)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// order is one in-flight Obtain call.
type order struct {
	domain   string
	done     chan struct{}
	res      *certificate.Resource
	err      error
	canceled bool
}

// issuedMeta is stored next to every issued bundle.
type issuedMeta struct {
	Domain    string    `json:"domain"`
	CertURL   string    `json:"cert_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// ACME issues certificates from an ACME directory. Orders run in the
// background; refs are local order IDs that resolve to a stored bundle once
// issued, so status survives a restart.
type ACME struct {
	cfg        config.ACMEConfig
	rootDomain string
	store      certstore.Store
	dns        provider.ChallengeDNS
	log        *zap.Logger

	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)
	newRef          func() string
	now             func() time.Time

	clientMu sync.Mutex
	client   acmeClient

	mu     sync.Mutex
	orders map[string]*order

	// lego binds the http-01 listener per challenge, so obtains run one at a time.
	obtainMu sync.Mutex
}

// NewACME builds the adapter. dns is required when the challenge type is
// dns-01 and ignored otherwise.
func NewACME(cfg config.ACMEConfig, rootDomain string, store certstore.Store, dns provider.ChallengeDNS, log *zap.Logger) (*ACME, error) {
	if strings.TrimSpace(cfg.Email) == "" {
		return nil, errors.New("acme: email is required")
	}
	if cfg.Challenge == "dns-01" && dns == nil {
		return nil, errors.New("acme: dns-01 challenge needs a dns provider that can publish TXT records")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ACME{
		cfg:           cfg,
		rootDomain:    strings.TrimSuffix(rootDomain, "."),
		store:         store,
		dns:           dns,
		log:           log,
		clientFactory: defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
		newRef: uuid.NewString,
		now:    time.Now,
		orders: make(map[string]*order),
	}, nil
}

func (a *ACME) Name() string {
	return ACMEName
}

func (a *ACME) directoryURL() string {
	if a.cfg.DirectoryURL != "" {
		return a.cfg.DirectoryURL
	}
	if a.cfg.Staging {
		return lego.LEDirectoryStaging
	}
	return lego.LEDirectoryProduction
}

func (a *ACME) keyType() certcrypto.KeyType {
	if a.cfg.KeyType == "" {
		return certcrypto.RSA2048
	}
	return certcrypto.KeyType(a.cfg.KeyType)
}

func accountKeyPath(email string) string {
	return "account/" + strings.ToLower(strings.TrimSpace(email)) + ".key"
}

// ensureClient registers the account on first use. The account key is kept in
// the cert store so restarts reuse the same ACME account.
func (a *ACME) ensureClient(ctx context.Context) (acmeClient, error) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	key, err := a.loadAccountKey(ctx)
	if err != nil {
		return nil, err
	}
	user := &accountUser{email: a.cfg.Email, key: key}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = a.directoryURL()
	legoCfg.Certificate.KeyType = a.keyType()

	client, err := a.clientFactory(legoCfg)
	if err != nil {
		return nil, classifyACME("create client", fmt.Errorf("create acme client: %w", err))
	}

	switch a.cfg.Challenge {
	case "dns-01":
		if err := client.SetDNS01Provider(newDNSChallenge(a.dns)); err != nil {
			return nil, fmt.Errorf("configure dns-01 provider: %w", err)
		}
	default:
		host, port, err := splitHTTP01Address(a.cfg.HTTP01Address)
		if err != nil {
			return nil, err
		}
		if err := client.SetHTTP01Provider(http01.NewProviderServer(host, port)); err != nil {
			return nil, fmt.Errorf("configure http-01 provider: %w", err)
		}
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, classifyACME("register account", err)
	}
	user.registration = reg

	a.client = client
	return client, nil
}

func (a *ACME) loadAccountKey(ctx context.Context) (crypto.PrivateKey, error) {
	path := accountKeyPath(a.cfg.Email)
	data, err := a.store.Get(ctx, path)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, certstore.ErrNotFound) {
		return nil, fmt.Errorf("load account key: %w", err)
	}

	key, err := a.accountKeyMaker()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if err := a.store.Put(ctx, path, certcrypto.PEMEncode(key)); err != nil {
		return nil, fmt.Errorf("store account key: %w", err)
	}
	return key, nil
}

func (a *ACME) RequestCertificate(ctx context.Context, label string) (string, provider.ChallengeInfo, error) {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return "", provider.ChallengeInfo{}, err
	}

	domain := label + "." + a.rootDomain
	ref := a.newRef()
	o := &order{domain: domain, done: make(chan struct{})}

	a.mu.Lock()
	a.orders[ref] = o
	a.mu.Unlock()

	go a.obtain(client, ref, o)

	info := provider.ChallengeInfo{
		Type:   "http-01",
		Domain: domain,
		Detail: "serving http-01 challenge for " + domain,
	}
	if a.cfg.Challenge == "dns-01" {
		info.Type = "dns-01"
		info.Detail = "publishing TXT record at _acme-challenge." + domain
	}
	return ref, info, nil
}

func (a *ACME) obtain(client acmeClient, ref string, o *order) {
	a.obtainMu.Lock()
	res, err := client.Obtain(certificate.ObtainRequest{
		Domains:        []string{o.domain},
		Bundle:         true,
		EmailAddresses: []string{a.cfg.Email},
	})
	a.obtainMu.Unlock()

	if err == nil {
		err = a.persist(ref, o.domain, res)
	}

	a.mu.Lock()
	o.res, o.err = res, err
	canceled := o.canceled
	close(o.done)
	a.mu.Unlock()

	if err != nil {
		a.log.Warn("acme order failed", zap.String("ref", ref), zap.String("domain", o.domain), zap.Error(err))
		return
	}
	if canceled {
		if err := client.Revoke(res.Certificate); err != nil {
			a.log.Warn("revoke canceled order", zap.String("ref", ref), zap.Error(err))
		}
		a.forget(context.Background(), ref)
	}
}

func (a *ACME) persist(ref, domain string, res *certificate.Resource) error {
	if res == nil || len(res.Certificate) == 0 || len(res.PrivateKey) == 0 {
		return errors.New("empty certificate payload received from ACME server")
	}
	cert, err := certcrypto.ParsePEMCertificate(res.Certificate)
	if err != nil {
		return fmt.Errorf("parse issued certificate: %w", err)
	}

	meta, err := json.Marshal(issuedMeta{
		Domain:    domain,
		CertURL:   res.CertURL,
		ExpiresAt: cert.NotAfter.UTC(),
		IssuedAt:  a.now().UTC(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.store.Put(ctx, certstore.IssuedKeyKey(ref), res.PrivateKey); err != nil {
		return err
	}
	if err := a.store.Put(ctx, certstore.IssuedCertKey(ref), res.Certificate); err != nil {
		return err
	}
	return a.store.Put(ctx, certstore.IssuedMetaKey(ref), meta)
}

func (a *ACME) CheckStatus(ctx context.Context, ref string) (bool, time.Time, error) {
	a.mu.Lock()
	o, ok := a.orders[ref]
	a.mu.Unlock()

	if ok {
		select {
		case <-o.done:
		default:
			return false, time.Time{}, nil
		}
		a.mu.Lock()
		delete(a.orders, ref)
		a.mu.Unlock()
		if o.err != nil {
			return false, time.Time{}, classifyACME("obtain certificate", o.err)
		}
	}

	return a.storedStatus(ctx, ref)
}

func (a *ACME) storedStatus(ctx context.Context, ref string) (bool, time.Time, error) {
	data, err := a.store.Get(ctx, certstore.IssuedCertKey(ref))
	if errors.Is(err, certstore.ErrNotFound) {
		return false, time.Time{}, fmt.Errorf("%w: %s", provider.ErrOrderNotFound, ref)
	}
	if err != nil {
		return false, time.Time{}, provider.Transient(ACMEName, "check status", 0, "certificate store unavailable", err)
	}
	cert, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		return false, time.Time{}, provider.Terminal(ACMEName, "check status", 0, "stored certificate is unreadable", err)
	}
	return true, cert.NotAfter.UTC(), nil
}

func (a *ACME) RevokeCertificate(ctx context.Context, ref string) error {
	a.mu.Lock()
	if o, ok := a.orders[ref]; ok {
		select {
		case <-o.done:
		default:
			o.canceled = true
			a.mu.Unlock()
			return nil
		}
	}
	a.mu.Unlock()

	data, err := a.store.Get(ctx, certstore.IssuedCertKey(ref))
	if errors.Is(err, certstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return provider.Transient(ACMEName, "revoke certificate", 0, "certificate store unavailable", err)
	}

	client, err := a.ensureClient(ctx)
	if err != nil {
		return err
	}
	if err := client.Revoke(data); err != nil && !alreadyRevoked(err) {
		return classifyACME("revoke certificate", err)
	}
	a.forget(ctx, ref)
	return nil
}

func (a *ACME) forget(ctx context.Context, ref string) {
	a.mu.Lock()
	delete(a.orders, ref)
	a.mu.Unlock()
	for _, key := range []string{certstore.IssuedCertKey(ref), certstore.IssuedKeyKey(ref), certstore.IssuedMetaKey(ref)} {
		if err := a.store.Delete(ctx, key); err != nil {
			a.log.Warn("delete issued object", zap.String("key", key), zap.Error(err))
		}
	}
}

func alreadyRevoked(err error) bool {
	var pd *acme.ProblemDetails
	if errors.As(err, &pd) && pd.Type == "urn:ietf:params:acme:error:alreadyRevoked" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "alreadyrevoked")
}

// classifyACME maps lego failures onto terminal and transient errors. ACME
// problem documents carry an HTTP status; anything else is judged by its text.
func classifyACME(op string, err error) error {
	if err == nil || provider.IsCanceled(err) {
		return err
	}
	var pd *acme.ProblemDetails
	if errors.As(err, &pd) {
		if strings.HasSuffix(pd.Type, ":rateLimited") {
			return provider.Transient(ACMEName, op, pd.HTTPStatus, "rate limited by certificate authority", err)
		}
		return provider.FromStatus(ACMEName, op, pd.HTTPStatus, "", err)
	}
	if provider.LooksTransient(err) {
		return provider.Transient(ACMEName, op, 0, "", err)
	}
	return provider.Terminal(ACMEName, op, 0, "", err)
}

func splitHTTP01Address(addr string) (string, string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", "80", nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid http-01 address %q: %w", addr, err)
	}
	if port == "" {
		port = "80"
	}
	return host, port, nil
}
