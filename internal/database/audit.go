package database

import (
	"context"
	"fmt"

	"subdomaind/internal/model"
)

// LogTransition appends to the audit trail. Rows outlive the record they
// describe so a deprovisioned subdomain keeps its history.
func (db *DB) LogTransition(ctx context.Context, t *model.Transition) error {
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO subdomain_transitions (record_id, tenant_id, label, from_status, to_status, detail, actor, ip_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		t.RecordID, t.TenantID, t.Label, string(t.FromStatus), string(t.ToStatus),
		t.Detail, t.Actor, t.IPAddress,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("log transition: %w", err)
	}
	return nil
}

func (db *DB) Transitions(ctx context.Context, tenantID, label string) ([]model.Transition, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, record_id, tenant_id, label, from_status, to_status, detail, actor, ip_address, created_at
		 FROM subdomain_transitions
		 WHERE tenant_id = $1 AND label = $2
		 ORDER BY id`, tenantID, label)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var entries []model.Transition
	for rows.Next() {
		var (
			e        model.Transition
			from, to string
		)
		if err := rows.Scan(&e.ID, &e.RecordID, &e.TenantID, &e.Label, &from, &to,
			&e.Detail, &e.Actor, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus = model.Status(from)
		e.ToStatus = model.Status(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
