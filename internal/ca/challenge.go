package ca

import (
	"context"
	"time"

	"github.com/go-acme/lego/v4/challenge/dns01"

	"subdomaind/internal/provider"
)

// dnsChallenge publishes DNS-01 TXT records through one of our DNS adapters,
// so dns-01 works with whichever provider already owns the zone.
type dnsChallenge struct {
	dns      provider.ChallengeDNS
	timeout  time.Duration
	interval time.Duration
}

func newDNSChallenge(dns provider.ChallengeDNS) *dnsChallenge {
	return &dnsChallenge{
		dns:      dns,
		timeout:  5 * time.Minute,
		interval: 10 * time.Second,
	}
}

func (c *dnsChallenge) Present(domain, _, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return c.dns.CreateTXT(ctx, info.EffectiveFQDN, info.Value)
}

func (c *dnsChallenge) CleanUp(domain, _, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return c.dns.DeleteTXT(ctx, info.EffectiveFQDN, info.Value)
}

// Timeout implements challenge.ProviderTimeout.
func (c *dnsChallenge) Timeout() (timeout, interval time.Duration) {
	return c.timeout, c.interval
}
