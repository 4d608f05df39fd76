package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/certen/bank-settlement-core/pkg/auditlog"
	"github.com/certen/bank-settlement-core/pkg/money"
	"github.com/certen/bank-settlement-core/pkg/settlement"
)

// uniqueViolationCode is the Postgres SQLSTATE for a unique_violation.
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolationCode
	}
	return false
}

// SettlementStore implements settlement.Store over the Postgres client.
type SettlementStore struct {
	client *Client
}

// NewSettlementStore builds a SettlementStore.
func NewSettlementStore(client *Client) *SettlementStore {
	return &SettlementStore{client: client}
}

// BeginSettlementTx starts a serializable transaction, the isolation level
// the concurrency model requires for wallet debit/credit correctness.
func (s *SettlementStore) BeginSettlementTx(ctx context.Context) (settlement.Tx, error) {
	tx, err := s.client.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &settlementTx{tx: tx.SQLTx()}, nil
}

type settlementTx struct {
	tx *sql.Tx
}

func (t *settlementTx) WalletForUpdate(ctx context.Context, walletID, fallbackUserID string) (*settlement.Wallet, error) {
	var query, arg string
	if walletID != "" {
		query = `SELECT wallet_id, user_id, approved_limit, current_balance, used_amount, status
		          FROM wallets WHERE wallet_id = $1 FOR UPDATE`
		arg = walletID
	} else {
		query = `SELECT wallet_id, user_id, approved_limit, current_balance, used_amount, status
		          FROM wallets WHERE user_id = $1 FOR UPDATE`
		arg = fallbackUserID
	}

	var w settlement.Wallet
	err := t.tx.QueryRowContext(ctx, query, arg).Scan(
		&w.WalletID, &w.UserID, &w.ApprovedLimit, &w.CurrentBalance, &w.UsedAmount, &w.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *settlementTx) SettledTxnExists(ctx context.Context, txnID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM settled_transactions WHERE txn_id = $1)`, txnID,
	).Scan(&exists)
	return exists, err
}

func (t *settlementTx) ApplyDebit(ctx context.Context, walletID string, newBalance, newUsed money.Amount) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET current_balance = $1, used_amount = $2, updated_at = now() WHERE wallet_id = $3`,
		newBalance, newUsed, walletID,
	)
	return err
}

func (t *settlementTx) InsertSettledTxn(ctx context.Context, s settlement.SettledTxn) error {
	// A failed statement aborts a Postgres transaction; the savepoint lets a
	// unique violation be undone so the rest of the settlement can continue.
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT settled_txn_insert`); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO settled_transactions (txn_id, wallet_id, from_user_id, to_user_id, amount, ledger_index, receiver_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.TxnID, s.WalletID, s.FromUserID, s.ToUserID, s.Amount, s.LedgerIndex, s.ReceiverID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT settled_txn_insert`); rbErr != nil {
				return rbErr
			}
			return settlement.ErrUniqueViolation
		}
		return err
	}
	return nil
}

func (t *settlementTx) AppendAudit(ctx context.Context, e auditlog.Entry) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO audit_logs (actor, action, txn_id, status, details) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.Actor, e.Action, e.TxnID, e.Status, []byte(e.Details),
	).Scan(&id)
	return id, err
}

func (t *settlementTx) Commit() error   { return t.tx.Commit() }
func (t *settlementTx) Rollback() error { return t.tx.Rollback() }
