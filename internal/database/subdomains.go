package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"subdomaind/internal/model"
	"subdomaind/internal/registry"
)

var _ registry.Store = (*DB)(nil)

const subdomainColumns = `id, tenant_id, label, status, renewing, dns_provider, ssl_provider,
	dns_record_ref, certificate_ref, pending_certificate_ref, certificate_expires_at,
	retry_count, last_error, last_attempt_at, version, created_at, updated_at`

const uniqueViolation = "23505"

type scanner interface {
	Scan(dest ...any) error
}

func scanSubdomain(row scanner) (*model.SubdomainRecord, error) {
	var (
		r         model.SubdomainRecord
		status    string
		expiresAt sql.NullTime
		attempted sql.NullTime
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Label, &status, &r.Renewing, &r.DNSProvider, &r.SSLProvider,
		&r.DNSRecordRef, &r.CertificateRef, &r.PendingCertificateRef, &expiresAt,
		&r.RetryCount, &r.LastError, &attempted, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.Status(status)
	if !r.Status.Valid() {
		return nil, fmt.Errorf("subdomain %s has unknown status %q", r.ID, status)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		r.CertificateExpiresAt = &t
	}
	if attempted.Valid {
		t := attempted.Time.UTC()
		r.LastAttemptAt = &t
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (db *DB) Create(ctx context.Context, rec *model.SubdomainRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO subdomains (id, tenant_id, label, status, renewing, dns_provider, ssl_provider,
			dns_record_ref, certificate_ref, pending_certificate_ref, certificate_expires_at,
			retry_count, last_error, last_attempt_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
		 RETURNING version, created_at, updated_at`,
		rec.ID, rec.TenantID, rec.Label, string(rec.Status), rec.Renewing, rec.DNSProvider, rec.SSLProvider,
		rec.DNSRecordRef, rec.CertificateRef, rec.PendingCertificateRef, nullTime(rec.CertificateExpiresAt),
		rec.RetryCount, rec.LastError, nullTime(rec.LastAttemptAt),
	).Scan(&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if isUniqueViolation(err) {
		return registry.ErrLabelTaken
	}
	if err != nil {
		return fmt.Errorf("insert subdomain: %w", err)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+subdomainColumns+` FROM subdomains WHERE tenant_id = $1 AND label = $2`,
		tenantID, label)
	rec, err := scanSubdomain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subdomain: %w", err)
	}
	return rec, nil
}

func (db *DB) Update(ctx context.Context, rec *model.SubdomainRecord) error {
	err := db.conn.QueryRowContext(ctx,
		`UPDATE subdomains SET
			status = $1, renewing = $2, dns_provider = $3, ssl_provider = $4,
			dns_record_ref = $5, certificate_ref = $6, pending_certificate_ref = $7,
			certificate_expires_at = $8, retry_count = $9, last_error = $10, last_attempt_at = $11,
			version = version + 1, updated_at = NOW()
		 WHERE tenant_id = $12 AND label = $13 AND version = $14
		 RETURNING version, updated_at`,
		string(rec.Status), rec.Renewing, rec.DNSProvider, rec.SSLProvider,
		rec.DNSRecordRef, rec.CertificateRef, rec.PendingCertificateRef,
		nullTime(rec.CertificateExpiresAt), rec.RetryCount, rec.LastError, nullTime(rec.LastAttemptAt),
		rec.TenantID, rec.Label, rec.Version,
	).Scan(&rec.Version, &rec.UpdatedAt)

	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return registry.ErrLabelTaken
	case errors.Is(err, sql.ErrNoRows):
		var exists bool
		if err := db.conn.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM subdomains WHERE tenant_id = $1 AND label = $2)`,
			rec.TenantID, rec.Label).Scan(&exists); err != nil {
			return fmt.Errorf("update subdomain: %w", err)
		}
		if !exists {
			return registry.ErrNotFound
		}
		return registry.ErrConflict
	default:
		return fmt.Errorf("update subdomain: %w", err)
	}
}

func (db *DB) Delete(ctx context.Context, tenantID, label string) error {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM subdomains WHERE tenant_id = $1 AND label = $2`, tenantID, label)
	if err != nil {
		return fmt.Errorf("delete subdomain: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subdomain: %w", err)
	}
	if n == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (db *DB) ListByTenant(ctx context.Context, tenantID string) ([]model.SubdomainRecord, error) {
	return db.list(ctx,
		`SELECT `+subdomainColumns+` FROM subdomains WHERE tenant_id = $1 ORDER BY label`, tenantID)
}

func (db *DB) ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.SubdomainRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}
	return db.list(ctx,
		`SELECT `+subdomainColumns+` FROM subdomains WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY tenant_id, label`, args...)
}

func (db *DB) ListDueForRenewal(ctx context.Context, cutoff time.Time) ([]model.SubdomainRecord, error) {
	return db.list(ctx,
		`SELECT `+subdomainColumns+` FROM subdomains
		 WHERE status = 'active' AND certificate_expires_at IS NOT NULL AND certificate_expires_at < $1
		 ORDER BY certificate_expires_at`, cutoff)
}

func (db *DB) list(ctx context.Context, query string, args ...any) ([]model.SubdomainRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subdomains: %w", err)
	}
	defer rows.Close()

	var out []model.SubdomainRecord
	for rows.Next() {
		rec, err := scanSubdomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subdomain: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (db *DB) LabelTaken(ctx context.Context, label, tenantID string) (bool, error) {
	var taken bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM subdomains WHERE label = $1 AND tenant_id <> $2 AND status <> 'failed')`,
		label, tenantID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check label: %w", err)
	}
	return taken, nil
}

func (db *DB) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM subdomains GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subdomains: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}
