// Package settlement implements the atomic, idempotent settlement engine:
// given a verified ledger, it debits escrowed wallet balances and
// records settled-transaction rows under a single serializable database
// transaction, all-or-nothing across the whole submission.
//
// The engine depends only on the small store interfaces declared here, not
// on the database package directly, so it has no import-cycle dependency
// on the repository implementations in pkg/database.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/certen/bank-settlement-core/pkg/auditlog"
	"github.com/certen/bank-settlement-core/pkg/canonical"
	"github.com/certen/bank-settlement-core/pkg/ledgerverify"
	"github.com/certen/bank-settlement-core/pkg/money"
)

// Wallet is the escrow state read and written during settlement.
type Wallet struct {
	WalletID       string
	UserID         string
	ApprovedLimit  money.Amount
	CurrentBalance money.Amount
	UsedAmount     money.Amount
	Status         string
}

const (
	WalletStatusApproved  = "approved"
	WalletStatusPending   = "pending"
	WalletStatusRejected  = "rejected"
	WalletStatusSuspended = "suspended"
)

// SettledTxn is one row of the settled-transactions double-spend guard.
type SettledTxn struct {
	TxnID       string
	WalletID    string
	FromUserID  string
	ToUserID    string
	Amount      money.Amount
	LedgerIndex int
	ReceiverID  string
}

// ErrUniqueViolation is returned by InsertSettledTxn when the underlying
// store rejects a duplicate txn_id under concurrency - the authoritative
// double-spend guard. The engine translates this into an already_settled
// outcome for that entry rather than propagating it as a hard failure.
var ErrUniqueViolation = errors.New("settlement: unique constraint violation")

// Tx is one settlement attempt's database transaction. All methods run
// against the same underlying transaction; Commit/Rollback finalize it.
type Tx interface {
	// WalletForUpdate locks and returns the wallet for walletID, or, if
	// walletID is empty, the caller's wallet resolved by userID instead.
	WalletForUpdate(ctx context.Context, walletID, fallbackUserID string) (*Wallet, error)
	SettledTxnExists(ctx context.Context, txnID string) (bool, error)
	ApplyDebit(ctx context.Context, walletID string, newBalance, newUsed money.Amount) error
	InsertSettledTxn(ctx context.Context, s SettledTxn) error
	AppendAudit(ctx context.Context, e auditlog.Entry) (int64, error)
	Commit() error
	Rollback() error
}

// Store begins settlement transactions.
type Store interface {
	BeginSettlementTx(ctx context.Context) (Tx, error)
}

// EntryError reports why one ledger entry did not settle.
type EntryError struct {
	LedgerIndex int
	TxnID       string
	Reason      string
}

// Result is the outcome of a settlement attempt.
type Result struct {
	Settled             bool
	SettledTransactions []string
	Errors              []EntryError
	AuditLogIDs         []int64
}

// Wallet-validation failure reasons, per entry.
const (
	ReasonNotFound            = "wallet_not_found"
	ReasonNotApproved         = "wallet_not_approved"
	ReasonInsufficientBalance = "insufficient_balance"
)

// Engine is the settlement engine. failureAudit is used for the
// durable-despite-rollback failure audit path; it is intentionally a plain
// auditlog.Appender, not the engine's transactional Tx, since those entries
// must survive even when the settlement transaction itself rolls back.
type Engine struct {
	store        Store
	failureAudit auditlog.Appender
}

// New builds a settlement engine.
func New(store Store, failureAudit auditlog.Appender) *Engine {
	return &Engine{store: store, failureAudit: failureAudit}
}

// Settle settles a verified ledger's entries all-or-nothing. It
// assumes the caller has already run ledgerverify.Verify and confirmed
// Valid == true; Settle does not re-verify signatures or hashes.
func (e *Engine) Settle(ctx context.Context, entries []ledgerverify.Entry) (Result, error) {
	tx, err := e.store.BeginSettlementTx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: begin transaction: %w", err)
	}

	var settledIDs []string
	var auditIDs []int64
	var failures []EntryError

	for _, entry := range entries {
		txn := entry.Transaction

		exists, err := tx.SettledTxnExists(ctx, txn.TxnID)
		if err != nil {
			tx.Rollback()
			return Result{}, fmt.Errorf("settlement: check idempotency: %w", err)
		}
		if exists {
			settledIDs = append(settledIDs, txn.TxnID)
			continue
		}

		wallet, reason, err := resolveWallet(ctx, tx, &txn)
		if err != nil {
			tx.Rollback()
			return Result{}, fmt.Errorf("settlement: resolve wallet: %w", err)
		}
		if reason != "" {
			failures = append(failures, EntryError{LedgerIndex: entry.LedgerIndex, TxnID: txn.TxnID, Reason: reason})
			continue
		}

		newBalance := wallet.CurrentBalance.Sub(txn.Amount)
		newUsed := wallet.UsedAmount.Add(txn.Amount)
		if err := tx.ApplyDebit(ctx, wallet.WalletID, newBalance, newUsed); err != nil {
			tx.Rollback()
			return Result{}, fmt.Errorf("settlement: apply debit: %w", err)
		}

		settled := SettledTxn{
			TxnID:       txn.TxnID,
			WalletID:    wallet.WalletID,
			FromUserID:  txn.FromID,
			ToUserID:    txn.ToID,
			Amount:      txn.Amount,
			LedgerIndex: entry.LedgerIndex,
			ReceiverID:  txn.ToID,
		}
		if err := tx.InsertSettledTxn(ctx, settled); err != nil {
			if errors.Is(err, ErrUniqueViolation) {
				settledIDs = append(settledIDs, txn.TxnID)
				continue
			}
			tx.Rollback()
			return Result{}, fmt.Errorf("settlement: insert settled transaction: %w", err)
		}

		newBalance := wallet.CurrentBalance.Sub(txn.Amount)
		newUsed := wallet.UsedAmount.Add(txn.Amount)
		if err := tx.ApplyDebit(ctx, wallet.WalletID, newBalance, newUsed); err != nil {
			tx.Rollback()
			return Result{}, fmt.Errorf("settlement: apply debit: %w", err)
		}

		auditID, err := tx.AppendAudit(ctx, auditlog.Entry{
			Actor:   auditlog.ActorBank,
			Action:  "settle",
			TxnID:   auditlog.TxnRef(txn.TxnID),
			Status:  auditlog.StatusSuccess,
			Details: auditlog.DetailsOf(map[string]any{"amount": txn.Amount.String(), "balance_after": newBalance.String()}),
		})
		if err != nil {
			tx.Rollback()
			return Result{}, fmt.Errorf("settlement: append audit: %w", err)
		}

		settledIDs = append(settledIDs, txn.TxnID)
		auditIDs = append(auditIDs, auditID)
	}

	if len(failures) > 0 {
		if err := tx.Rollback(); err != nil {
			return Result{}, fmt.Errorf("settlement: rollback: %w", err)
		}
		e.recordFailureAudits(ctx, failures)
		return Result{Settled: false, Errors: failures}, nil
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("settlement: commit: %w", err)
	}

	return Result{Settled: true, SettledTransactions: settledIDs, AuditLogIDs: auditIDs}, nil
}

// recordFailureAudits writes failure entries through the standalone audit
// path so they remain durable even though the settlement transaction that
// observed them was rolled back.
func (e *Engine) recordFailureAudits(ctx context.Context, failures []EntryError) {
	if e.failureAudit == nil {
		return
	}
	for _, f := range failures {
		_, _ = e.failureAudit.Append(ctx, auditlog.Entry{
			Actor:   auditlog.ActorBank,
			Action:  "settle",
			TxnID:   auditlog.TxnRef(f.TxnID),
			Status:  auditlog.StatusError,
			Details: auditlog.DetailsOf(map[string]any{"reason": f.Reason, "ledger_index": f.LedgerIndex}),
		})
	}
}

// resolveWallet looks up the wallet for txn (by wallet_id, falling back to
// from_id) and validates it against the settlement invariants. An empty
// reason means the wallet is valid for settlement.
func resolveWallet(ctx context.Context, tx Tx, txn *canonical.Transaction) (*Wallet, string, error) {
	wallet, err := tx.WalletForUpdate(ctx, txn.WalletID, txn.FromID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return nil, ReasonNotFound, nil
		}
		return nil, "", err
	}
	if wallet.Status != WalletStatusApproved {
		return wallet, ReasonNotApproved, nil
	}
	if wallet.CurrentBalance.Cmp(txn.Amount) < 0 {
		return wallet, ReasonInsufficientBalance, nil
	}
	return wallet, "", nil
}

// ErrWalletNotFound is returned by a Tx implementation's WalletForUpdate
// when no matching wallet exists.
var ErrWalletNotFound = errors.New("settlement: wallet not found")
