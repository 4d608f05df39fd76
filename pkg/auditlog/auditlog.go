// Package auditlog defines the append-only audit trail entry shape and the
// interfaces a caller appends through. The settlement engine couples
// success-entry durability to its own database transaction and writes
// failure entries through a standalone path instead, per the durability
// rule in the persistence design; this package only defines the shape, not
// which path a given call takes.
package auditlog

import (
	"context"
	"encoding/json"
	"time"
)

const (
	ActorBank     = "bank"
	ActorSender   = "sender"
	ActorReceiver = "receiver"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        int64           `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	TxnID     *string         `json:"txn_id,omitempty"`
	Status    string          `json:"status"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Appender records a new audit entry and returns its assigned id.
type Appender interface {
	Append(ctx context.Context, e Entry) (int64, error)
}

// Lister returns audit entries newest-first.
type Lister interface {
	List(ctx context.Context, limit, offset int) ([]Entry, error)
}

// AppenderLister combines both read and write access, for the HTTP layer.
type AppenderLister interface {
	Appender
	Lister
}

// TxnRef builds the nullable txn_id pointer for an Entry.
func TxnRef(txnID string) *string {
	if txnID == "" {
		return nil
	}
	return &txnID
}

// DetailsOf marshals an arbitrary details value to json.RawMessage,
// swallowing a marshal error into an empty-object fallback since audit
// writes must never fail because of the details payload.
func DetailsOf(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
