// Package canonical produces the exact byte sequence over which a
// transaction's hash is computed, bit-for-bit compatible with the
// merchant/customer front-ends this server interoperates with.
package canonical

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/certen/bank-settlement-core/pkg/money"
)

// ErrMissingField is returned when a required transaction field is empty.
var ErrMissingField = errors.New("canonical: required field is missing")

// Variant selects which of the two canonicalization layouts to produce.
type Variant int

const (
	// Compact omits wallet_id entirely.
	Compact Variant = iota
	// Extended appends wallet_id as the final field.
	Extended
)

// Transaction holds the fields a customer signs over. It intentionally
// mirrors the wire shape field-for-field; submissions are decoded with
// unknown fields disallowed, so the two canonicalization variants are
// disambiguated at parse time rather than inside the encoder.
type Transaction struct {
	TxnID           string          `json:"txn_id"`
	FromID          string          `json:"from_id"`
	ToID            string          `json:"to_id"`
	Amount          money.Amount    `json:"amount"`
	Timestamp       string          `json:"timestamp"`
	PrevHash        string          `json:"prev_hash"`
	WalletID        string          `json:"wallet_id"`
	Hash            string          `json:"hash"`
	Signature       string          `json:"signature"`
	SenderPublicKey json.RawMessage `json:"sender_public_key"`
}

// VariantFor reports which canonicalization variant a transaction should be
// encoded under: Extended iff wallet_id is non-empty.
func VariantFor(tx *Transaction) Variant {
	if tx.WalletID != "" {
		return Extended
	}
	return Compact
}

// Encode produces the canonical byte string for tx under the given variant.
// It returns ErrMissingField when txn_id, from_id, to_id or timestamp is
// empty; prev_hash and wallet_id may be empty.
func Encode(tx *Transaction, variant Variant) ([]byte, error) {
	if tx.TxnID == "" || tx.FromID == "" || tx.ToID == "" || tx.Timestamp == "" {
		return nil, ErrMissingField
	}

	var b strings.Builder
	b.WriteByte('{')

	writeField(&b, "txn_id", tx.TxnID, true)
	b.WriteByte(',')
	writeField(&b, "from_id", tx.FromID, true)
	b.WriteByte(',')
	writeField(&b, "to_id", tx.ToID, true)
	b.WriteByte(',')
	writeField(&b, "amount", tx.Amount.String(), false)
	b.WriteByte(',')
	writeField(&b, "timestamp", tx.Timestamp, true)
	b.WriteByte(',')
	writeField(&b, "prev_hash", tx.PrevHash, true)

	if variant == Extended {
		b.WriteByte(',')
		writeField(&b, "wallet_id", tx.WalletID, true)
	}

	b.WriteByte('}')
	return []byte(b.String()), nil
}

// writeField appends `"key":value` to b. When quoted is true value is
// emitted as a JSON string (with standard JSON escaping); otherwise it is
// emitted verbatim as a JSON numeric literal.
func writeField(b *strings.Builder, key, value string, quoted bool) {
	keyJSON, _ := json.Marshal(key)
	b.Write(keyJSON)
	b.WriteByte(':')
	if quoted {
		valJSON, _ := json.Marshal(value)
		b.Write(valJSON)
	} else {
		b.WriteString(value)
	}
}
