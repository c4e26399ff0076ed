package orchestrator

import (
	"errors"
	"fmt"

	"subdomaind/internal/provider"
	"subdomaind/internal/registry"
)

var (
	ErrInvalidTenant   = errors.New("invalid tenant id")
	ErrInvalidLabel    = errors.New("invalid subdomain label")
	ErrReservedLabel   = errors.New("subdomain label is reserved")
	ErrLabelTaken      = registry.ErrLabelTaken
	ErrUnknownProvider = provider.ErrUnknownProvider
	ErrNotFound        = registry.ErrNotFound

	ErrRecordFailed       = errors.New("subdomain record is failed; retry it explicitly")
	ErrNotActive          = errors.New("subdomain record is not active")
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrRenewalFailed      = errors.New("certificate renewal failed")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrShuttingDown       = errors.New("orchestrator is shutting down")
	ErrRunCanceled        = errors.New("provisioning run was canceled")
)

// IsValidation reports whether err was raised before any external call.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTenant) ||
		errors.Is(err, ErrInvalidLabel) ||
		errors.Is(err, ErrReservedLabel) ||
		errors.Is(err, ErrUnknownProvider)
}

// verificationTimeout is raised when a verifier keeps timing out for
// MaxVerificationRounds in one run; it counts as a transient failure.
type verificationTimeout struct {
	what   string
	rounds int
	detail string
}

func (e *verificationTimeout) Error() string {
	return fmt.Sprintf("%s not observed after %d verification rounds: %s", e.what, e.rounds, e.detail)
}

// publicMessage is the LastError text for err.
func publicMessage(err error) string {
	var vt *verificationTimeout
	if errors.As(err, &vt) {
		return fmt.Sprintf("%s not observed within the verification window", vt.what)
	}
	return provider.PublicMessage(err)
}

func providerName(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Provider
	}
	var vt *verificationTimeout
	if errors.As(err, &vt) {
		return "verifier"
	}
	return "unknown"
}
