// Package registry defines persistence for subdomain records and their
// transition history. The Postgres implementation lives in internal/database.
package registry

import (
	"context"
	"errors"
	"time"

	"subdomaind/internal/model"
)

var (
	ErrNotFound   = errors.New("subdomain record not found")
	ErrConflict   = errors.New("subdomain record was modified concurrently")
	ErrLabelTaken = errors.New("label already in use")
)

type Store interface {
	// Create inserts a new record. It fails with ErrLabelTaken when another
	// non-failed record owns the label, under any tenant.
	Create(ctx context.Context, rec *model.SubdomainRecord) error

	Get(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error)

	// Update writes rec if its Version still matches the stored one and bumps
	// Version on success. A stale Version yields ErrConflict.
	Update(ctx context.Context, rec *model.SubdomainRecord) error

	Delete(ctx context.Context, tenantID, label string) error

	ListByTenant(ctx context.Context, tenantID string) ([]model.SubdomainRecord, error)
	ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.SubdomainRecord, error)

	// ListDueForRenewal returns active records whose certificate expires
	// before cutoff.
	ListDueForRenewal(ctx context.Context, cutoff time.Time) ([]model.SubdomainRecord, error)

	// LabelTaken reports whether a non-failed record other than
	// tenantID/label's own owns label.
	LabelTaken(ctx context.Context, label, tenantID string) (bool, error)

	LogTransition(ctx context.Context, t *model.Transition) error
	Transitions(ctx context.Context, tenantID, label string) ([]model.Transition, error)

	// CountByStatus feeds the records gauge.
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}
