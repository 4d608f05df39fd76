package database

import (
	"context"

	"github.com/certen/bank-settlement-core/pkg/auditlog"
)

// AuditRepository implements auditlog.AppenderLister over the standalone
// Postgres client - the durable path for audit entries that must survive
// independently of whatever settlement transaction observed them.
type AuditRepository struct {
	client *Client
}

// NewAuditRepository builds an AuditRepository.
func NewAuditRepository(client *Client) *AuditRepository {
	return &AuditRepository{client: client}
}

// Append writes one audit entry in its own short transaction-free
// statement and returns its assigned id.
func (r *AuditRepository) Append(ctx context.Context, e auditlog.Entry) (int64, error) {
	var id int64
	err := r.client.QueryRowContext(ctx,
		`INSERT INTO audit_logs (actor, action, txn_id, status, details)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.Actor, e.Action, e.TxnID, e.Status, []byte(e.Details),
	).Scan(&id)
	return id, err
}

// List returns audit entries newest-first.
func (r *AuditRepository) List(ctx context.Context, limit, offset int) ([]auditlog.Entry, error) {
	rows, err := r.client.QueryContext(ctx,
		`SELECT id, actor, action, txn_id, status, details, created_at
		 FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []auditlog.Entry
	for rows.Next() {
		var e auditlog.Entry
		var txnID *string
		var details []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &txnID, &e.Status, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TxnID = txnID
		e.Details = details
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
