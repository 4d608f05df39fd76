// Package ledgerverify validates a merchant-submitted hash-chained ledger:
// the merchant's signature over the whole chain, then every entry's hash
// chaining from the previous entry and from GENESIS at the head. The
// package never short-circuits on the first bad entry - it walks the whole
// chain and collects every failure, so a caller can report all of them at
// once.
package ledgerverify

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/certen/bank-settlement-core/pkg/canonical"
	"github.com/certen/bank-settlement-core/pkg/cryptoprim"
)

// Genesis is the sentinel previous-hash value for the first entry in a chain.
const Genesis = "GENESIS"

// Entry is one hash-chained ledger entry as submitted by a merchant.
type Entry struct {
	LedgerIndex int                   `json:"ledger_index"`
	Transaction canonical.Transaction `json:"transaction"`
	Hash        string                `json:"hash"`
	Status      string                `json:"status"`
}

// Payload is the full ledger as received, whether it arrived as the
// decrypted body of an Envelope or as a plain (legacy) submission: the
// entry chain plus the merchant's signature over it and the merchant's
// ECDSA public key to verify that signature against.
type Payload struct {
	Entries           []Entry         `json:"entries"`
	Hash              string          `json:"hash"`
	Signature         string          `json:"signature"`
	ReceiverPublicKey json.RawMessage `json:"receiver_public_key"`
}

// FieldError reports a single entry's validation failure, identified by its
// ledger index, so a caller can report all failures against their entries.
type FieldError struct {
	LedgerIndex int
	Reason      string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("ledger entry %d: %s", e.LedgerIndex, e.Reason)
}

// Result is the full-walk verdict over a submitted ledger.
type Result struct {
	Valid    bool
	Verified []string // txn_ids that passed every check
	Errors   []FieldError
}

// rejectAll builds a Result that rejects the whole submission with a single
// error, used for ledger-level failures as opposed to per-entry ones.
func rejectAll(reason string) Result {
	return Result{Valid: false, Errors: []FieldError{{LedgerIndex: -1, Reason: reason}}}
}

// Verify runs the full verification procedure over payload: first the
// ledger-level signature (over the tip hash - the last entry's hash, or
// GENESIS for an empty ledger, since each entry's hash already
// transitively commits every entry before it), then the per-entry
// hash-chain and transaction checks.
//
// The tip hash already binds the full prefix of the chain by construction,
// so it is the one quantity a merchant signs once per ledger rather than
// re-serializing every entry on every append.
func Verify(payload Payload) Result {
	tip := Genesis
	if n := len(payload.Entries); n > 0 {
		tip = payload.Entries[n-1].Hash
	}

	if payload.Hash != "" && payload.Hash != tip {
		return rejectAll("ledger hash does not match chain tip")
	}

	if ok, reason := verifyLedgerSignature(payload, tip); !ok {
		return rejectAll(reason)
	}

	return verifyEntries(payload.Entries)
}

func verifyLedgerSignature(payload Payload, tip string) (bool, string) {
	if payload.Signature == "" || len(payload.ReceiverPublicKey) == 0 {
		return false, "ledger missing signature or merchant public key"
	}

	var jwk cryptoprim.JWK
	if err := json.Unmarshal(payload.ReceiverPublicKey, &jwk); err != nil {
		return false, "merchant public key is not a valid JWK"
	}
	pub, err := cryptoprim.ParseECDSAPublicKey(jwk)
	if err != nil {
		return false, "merchant public key is not a valid P-256 key"
	}

	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return false, "ledger signature is not valid base64"
	}

	// Web-crypto clients sign over the raw 32 bytes of the tip hash, not
	// its hex text. GENESIS is the one non-hex tip (the empty ledger) and
	// is signed as its literal bytes.
	signed := []byte(tip)
	if tip != Genesis {
		raw, err := hex.DecodeString(tip)
		if err != nil {
			return false, "ledger tip hash is not valid hex"
		}
		signed = raw
	}
	digest := cryptoprim.SHA256(signed)
	if err := cryptoprim.VerifyP1363Signature(pub, digest[:], sig); err != nil {
		return false, "ledger signature does not verify"
	}
	return true, ""
}

func verifyEntries(entries []Entry) Result {
	res := Result{Valid: true}
	seenTxnIDs := make(map[string]bool, len(entries))
	prevHash := Genesis

	for i, entry := range entries {
		fail := func(reason string) {
			res.Valid = false
			res.Errors = append(res.Errors, FieldError{LedgerIndex: entry.LedgerIndex, Reason: reason})
		}

		if entry.LedgerIndex != i {
			fail("index gap")
		}

		tx := entry.Transaction
		recomputedTxHash, txHashOK := verifyTransactionHash(&tx, fail)
		sigOK := verifyTransactionSignature(&tx, fail)

		// The chain is recomputed over the recomputed transaction hash, and
		// the recomputed value carries forward as prev. Tampered transaction
		// fields therefore break the chain at their own index and at every
		// entry after it, rather than silently re-anchoring on the stored
		// entry hash.
		expectedEntryHash := chainHash(prevHash, recomputedTxHash)
		if entry.Hash != expectedEntryHash {
			fail("ledger hash mismatch")
		}

		if tx.TxnID != "" {
			if seenTxnIDs[tx.TxnID] {
				fail("duplicate txn in submission")
			}
			seenTxnIDs[tx.TxnID] = true
		}

		if txHashOK && sigOK && entry.Hash == expectedEntryHash && entry.LedgerIndex == i {
			res.Verified = append(res.Verified, tx.TxnID)
		}

		prevHash = expectedEntryHash
	}

	return res
}

// chainHash computes SHA256(prevHash || txnHash) hex-encoded, per the
// hash-chain rule.
func chainHash(prevHash, txnHash string) string {
	return cryptoprim.SHA256Hex([]byte(prevHash + txnHash))
}

// verifyTransactionHash recomputes tx's hash from its canonical encoding and
// checks it against the stored hash field. It returns the recomputed hash for
// chain recomputation; when the transaction cannot even be encoded the stored
// hash is returned instead so the chain walk can still proceed.
func verifyTransactionHash(tx *canonical.Transaction, fail func(string)) (string, bool) {
	variant := canonical.VariantFor(tx)
	encoded, err := canonical.Encode(tx, variant)
	if err != nil {
		fail("canonical form error")
		return tx.Hash, false
	}
	recomputed := cryptoprim.SHA256Hex(encoded)
	if tx.Hash != recomputed {
		fail("transaction hash mismatch")
		return recomputed, false
	}
	return recomputed, true
}

func verifyTransactionSignature(tx *canonical.Transaction, fail func(string)) bool {
	if tx.Signature == "" || len(tx.SenderPublicKey) == 0 {
		fail("signature invalid")
		return false
	}

	var jwk cryptoprim.JWK
	if err := json.Unmarshal(tx.SenderPublicKey, &jwk); err != nil {
		fail("signature invalid")
		return false
	}
	pub, err := cryptoprim.ParseECDSAPublicKey(jwk)
	if err != nil {
		fail("signature invalid")
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(tx.Signature)
	if err != nil {
		fail("signature invalid")
		return false
	}

	// The customer signs over the raw 32 bytes of the transaction hash,
	// not its hex text; the verifier must decode before hashing or no
	// real front-end signature would ever verify.
	raw, err := hex.DecodeString(tx.Hash)
	if err != nil {
		fail("signature invalid")
		return false
	}
	digest := cryptoprim.SHA256(raw)
	if err := cryptoprim.VerifyP1363Signature(pub, digest[:], sig); err != nil {
		fail("signature invalid")
		return false
	}
	return true
}
