// Package verify polls external systems until a provisioning step is
// observable: the DNS record resolves, or the certificate is issued.
package verify

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"subdomaind/internal/config"
	"subdomaind/internal/metrics"
)

var errNotReady = errors.New("not ready")

// Policy bounds one verification round.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Timeout time.Duration
}

func DNSPolicy(cfg config.ProvisioningConfig) Policy {
	return Policy{Initial: cfg.PollInitial, Max: cfg.PollMax, Timeout: cfg.DNSTimeout}
}

func CertPolicy(cfg config.ProvisioningConfig) Policy {
	return Policy{Initial: cfg.PollInitial, Max: cfg.PollMax, Timeout: cfg.CertTimeout}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = p.Timeout
	b.Reset()
	return b
}

// check reports done, a human-readable detail, or an error that ends polling.
type check func(ctx context.Context) (bool, string, error)

// poll runs fn until it is done, fails, or the policy times out. A timeout is
// not an error: it returns false with the last detail.
func poll(ctx context.Context, kind string, p Policy, fn check) (bool, string, error) {
	var detail string
	op := func() error {
		done, d, err := fn(ctx)
		if d != "" {
			detail = d
		}
		if err != nil {
			metrics.VerificationPolls.WithLabelValues(kind, "error").Inc()
			return backoff.Permanent(err)
		}
		if !done {
			metrics.VerificationPolls.WithLabelValues(kind, "pending").Inc()
			return errNotReady
		}
		metrics.VerificationPolls.WithLabelValues(kind, "ready").Inc()
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(p.backOff(), ctx))
	switch {
	case err == nil:
		return true, detail, nil
	case errors.Is(err, errNotReady):
		if ctx.Err() != nil {
			return false, detail, ctx.Err()
		}
		return false, detail, nil
	default:
		return false, detail, err
	}
}
