package verify

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSVerifier waits until a public resolver answers for the tenant name
// with the expected target.
type DNSVerifier struct {
	rootDomain string
	resolvers  []string
	policy     Policy
	client     *dns.Client
}

func NewDNSVerifier(rootDomain string, resolvers []string, policy Policy) *DNSVerifier {
	return &DNSVerifier{
		rootDomain: strings.TrimSuffix(rootDomain, "."),
		resolvers:  resolvers,
		policy:     policy,
		client:     &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

// Verify polls until label resolves to target. ready=false with a nil error
// means the round timed out.
func (v *DNSVerifier) Verify(ctx context.Context, label, target string) (bool, string, error) {
	name := dns.Fqdn(label + "." + v.rootDomain)
	return poll(ctx, "dns", v.policy, func(ctx context.Context) (bool, string, error) {
		return v.query(ctx, name, target)
	})
}

func (v *DNSVerifier) query(ctx context.Context, name, target string) (bool, string, error) {
	qtype, want := expectation(target)
	var details []string
	for _, resolver := range v.resolvers {
		if err := ctx.Err(); err != nil {
			return false, "", err
		}
		ok, detail := v.ask(ctx, resolver, name, qtype, want)
		if ok {
			return true, fmt.Sprintf("%s resolves to %s via %s", name, target, resolver), nil
		}
		details = append(details, detail)
	}
	return false, strings.Join(details, "; "), nil
}

func (v *DNSVerifier) ask(ctx context.Context, resolver, name string, qtype uint16, want string) (bool, string) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	in, _, err := v.client.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return false, fmt.Sprintf("resolver %s: %v", resolver, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return false, fmt.Sprintf("resolver %s: %s for %s", resolver, dns.RcodeToString[in.Rcode], name)
	}

	for _, rr := range in.Answer {
		switch r := rr.(type) {
		case *dns.CNAME:
			if strings.EqualFold(r.Target, want) {
				return true, ""
			}
		case *dns.A:
			if r.A.String() == want {
				return true, ""
			}
		case *dns.AAAA:
			if r.AAAA.String() == want {
				return true, ""
			}
		}
	}
	return false, fmt.Sprintf("resolver %s: %s does not point at %s yet", resolver, name, strings.TrimSuffix(want, "."))
}

func expectation(target string) (uint16, string) {
	if ip := net.ParseIP(target); ip != nil {
		if ip.To4() != nil {
			return dns.TypeA, ip.String()
		}
		return dns.TypeAAAA, ip.String()
	}
	return dns.TypeCNAME, dns.Fqdn(target)
}
