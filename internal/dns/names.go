package dns

import (
	"errors"
	"net"
	"strings"

	"subdomaind/internal/provider"
)

// fqdn returns label.root. with the trailing dot zone APIs expect.
func fqdn(label, rootDomain string) string {
	return dotted(label + "." + strings.TrimSuffix(rootDomain, "."))
}

func dotted(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func undotted(name string) string {
	return strings.TrimSuffix(name, ".")
}

func asProviderError(err error, target **provider.Error) bool {
	return err != nil && errors.As(err, target)
}

// sameValue compares a record value with the one recordFor produced, ignoring
// case, trailing dots and IPv6 spelling.
func sameValue(got, want string) bool {
	if a, b := net.ParseIP(got), net.ParseIP(want); a != nil || b != nil {
		return a != nil && b != nil && a.Equal(b)
	}
	return strings.EqualFold(undotted(got), undotted(want))
}
