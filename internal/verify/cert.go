package verify

import (
	"context"
	"fmt"
	"time"

	"subdomaind/internal/provider"
)

// CertVerifier polls a certificate authority until an order is issued.
type CertVerifier struct {
	policy Policy
}

func NewCertVerifier(policy Policy) *CertVerifier {
	return &CertVerifier{policy: policy}
}

// Verify returns the expiry once ref is issued. Authority errors end the
// round immediately; a timeout returns issued=false with a nil error.
func (v *CertVerifier) Verify(ctx context.Context, ca provider.CertificateAuthority, ref string) (bool, time.Time, string, error) {
	var expires time.Time
	issued, detail, err := poll(ctx, "certificate", v.policy, func(ctx context.Context) (bool, string, error) {
		ok, exp, err := ca.CheckStatus(ctx, ref)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, fmt.Sprintf("order %s pending at %s", ref, ca.Name()), nil
		}
		expires = exp
		return true, fmt.Sprintf("certificate %s issued, expires %s", ref, exp.Format(time.RFC3339)), nil
	})
	return issued, expires, detail, err
}
