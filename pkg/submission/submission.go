// Package submission models a settlement request body as a tagged
// variant, Envelope or PlainLedger, resolved once at construction time by
// the presence of encrypted_payload. The handler never inspects the body
// itself, it only asks an already-constructed Input for its resolved
// ledger payload.
package submission

import (
	"bytes"
	"crypto/ecdh"
	"encoding/json"
	"errors"

	"github.com/certen/bank-settlement-core/pkg/envelope"
	"github.com/certen/bank-settlement-core/pkg/ledgerverify"
)

// Kind tags which variant an Input holds.
type Kind int

const (
	KindEnvelope Kind = iota
	KindPlainLedger
)

// ErrMalformed is returned when the request body is neither a well-formed
// Envelope nor a well-formed plain ledger payload.
var ErrMalformed = errors.New("submission: malformed request body")

// Input is the parsed, tagged request body.
type Input struct {
	Kind        Kind
	envelope    *envelope.Envelope
	plainLedger *ledgerverify.Payload
}

// Parse constructs an Input from a raw JSON request body, auto-detecting
// the variant by the presence of encrypted_payload. Unknown fields in
// either variant are rejected at parse time, so the two canonicalization
// variants (with and without wallet_id) are never confused with a
// decoder that silently drops unrecognized fields.
func Parse(body []byte) (*Input, error) {
	if envelope.IsEnvelope(json.RawMessage(body)) {
		var env envelope.Envelope
		if err := strictUnmarshal(body, &env); err != nil {
			return nil, ErrMalformed
		}
		return &Input{Kind: KindEnvelope, envelope: &env}, nil
	}

	var payload ledgerverify.Payload
	if err := strictUnmarshal(body, &payload); err != nil {
		return nil, ErrMalformed
	}
	return &Input{Kind: KindPlainLedger, plainLedger: &payload}, nil
}

// Resolve returns the ledger payload to verify and settle. For an Envelope
// input this decrypts it first, using bankPriv for the ECDH step; for a
// PlainLedger input it is already in hand.
func (in *Input) Resolve(bankPriv *ecdh.PrivateKey) (*ledgerverify.Payload, error) {
	switch in.Kind {
	case KindEnvelope:
		plaintext, err := envelope.Unwrap(in.envelope, bankPriv)
		if err != nil {
			return nil, err
		}
		var payload ledgerverify.Payload
		if err := strictUnmarshal(plaintext, &payload); err != nil {
			return nil, ErrMalformed
		}
		return &payload, nil
	case KindPlainLedger:
		return in.plainLedger, nil
	default:
		return nil, ErrMalformed
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
