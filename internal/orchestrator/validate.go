package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"subdomaind/internal/provider"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NormalizeLabel lower-cases and trims label. It does not validate.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func (o *Orchestrator) validate(tenantID, label string) (string, error) {
	if strings.TrimSpace(tenantID) == "" || strings.Contains(tenantID, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	label = NormalizeLabel(label)
	if !labelPattern.MatchString(label) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	if o.reserved[label] {
		return "", fmt.Errorf("%w: %q", ErrReservedLabel, label)
	}
	return label, nil
}

// resolveProviders maps requested adapter names onto configured adapters,
// falling back to the defaults for empty names.
func (o *Orchestrator) resolveProviders(dnsName, caName string) (provider.DNS, provider.CertificateAuthority, error) {
	dns, err := o.providers.DNS(dnsName)
	if err != nil {
		return nil, nil, err
	}
	ca, err := o.providers.CA(caName)
	if err != nil {
		return nil, nil, err
	}
	return dns, ca, nil
}
