package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/certen/bank-settlement-core/pkg/auditlog"
	"github.com/certen/bank-settlement-core/pkg/bankkey"
	"github.com/certen/bank-settlement-core/pkg/canonical"
	"github.com/certen/bank-settlement-core/pkg/cryptoprim"
	"github.com/certen/bank-settlement-core/pkg/money"
	"github.com/certen/bank-settlement-core/pkg/settlement"
)

// memStore is a mutable in-memory settlement.Store for driving the whole
// submission path end to end: decode, decrypt, verify, settle.
type memStore struct {
	wallets map[string]*settlement.Wallet
	settled map[string]settlement.SettledTxn
	audit   *memAudit
}

func newMemStore(audit *memAudit, wallets ...*settlement.Wallet) *memStore {
	s := &memStore{wallets: map[string]*settlement.Wallet{}, settled: map[string]settlement.SettledTxn{}, audit: audit}
	for _, w := range wallets {
		cp := *w
		s.wallets[w.WalletID] = &cp
	}
	return s
}

func (s *memStore) BeginSettlementTx(ctx context.Context) (settlement.Tx, error) {
	walletsBefore := make(map[string]*settlement.Wallet, len(s.wallets))
	for k, v := range s.wallets {
		cp := *v
		walletsBefore[k] = &cp
	}
	settledBefore := make(map[string]settlement.SettledTxn, len(s.settled))
	for k, v := range s.settled {
		settledBefore[k] = v
	}
	return &memTx{store: s, walletsBefore: walletsBefore, settledBefore: settledBefore}, nil
}

type memTx struct {
	store         *memStore
	walletsBefore map[string]*settlement.Wallet
	settledBefore map[string]settlement.SettledTxn
}

func (t *memTx) WalletForUpdate(ctx context.Context, walletID, fallbackUserID string) (*settlement.Wallet, error) {
	if walletID != "" {
		if w, ok := t.store.wallets[walletID]; ok {
			cp := *w
			return &cp, nil
		}
		return nil, settlement.ErrWalletNotFound
	}
	for _, w := range t.store.wallets {
		if w.UserID == fallbackUserID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, settlement.ErrWalletNotFound
}

func (t *memTx) SettledTxnExists(ctx context.Context, txnID string) (bool, error) {
	_, ok := t.store.settled[txnID]
	return ok, nil
}

func (t *memTx) ApplyDebit(ctx context.Context, walletID string, newBalance, newUsed money.Amount) error {
	w := t.store.wallets[walletID]
	w.CurrentBalance = newBalance
	w.UsedAmount = newUsed
	return nil
}

func (t *memTx) InsertSettledTxn(ctx context.Context, s settlement.SettledTxn) error {
	if _, exists := t.store.settled[s.TxnID]; exists {
		return settlement.ErrUniqueViolation
	}
	t.store.settled[s.TxnID] = s
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, e auditlog.Entry) (int64, error) {
	return t.store.audit.Append(ctx, e)
}

func (t *memTx) Commit() error { return nil }

func (t *memTx) Rollback() error {
	t.store.wallets = t.walletsBefore
	t.store.settled = t.settledBefore
	return nil
}

// ledgerBuilder accumulates signed transactions into a hash-chained ledger
// the way the merchant device does, then renders the plain wire payload.
type ledgerBuilder struct {
	sender     *ecdsa.PrivateKey
	merchant   *ecdsa.PrivateKey
	senderJWK  json.RawMessage
	entries    []map[string]any
	prevTxHash string
	prevHash   string
}

func newLedgerBuilder(t *testing.T) *ledgerBuilder {
	t.Helper()
	sender, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	merchant, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	jwk, err := json.Marshal(cryptoprim.ECDSAPublicKeyToJWK(&sender.PublicKey))
	if err != nil {
		t.Fatalf("marshal sender jwk: %v", err)
	}
	return &ledgerBuilder{sender: sender, merchant: merchant, senderJWK: jwk, prevHash: "GENESIS"}
}

// signedDigest computes the digest a client signs: SHA-256 over the raw
// bytes of the hex hash, or over GENESIS's literal bytes for an empty
// ledger's tip.
func signedDigest(t *testing.T, hash string) [32]byte {
	t.Helper()
	if hash == "GENESIS" {
		return cryptoprim.SHA256([]byte(hash))
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q): %v", hash, err)
	}
	return cryptoprim.SHA256(raw)
}

func signRaw(t *testing.T, priv *ecdsa.PrivateKey, digest []byte) string {
	t.Helper()
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		t.Fatalf("ecdsa.Sign: %v", err)
	}
	sig := make([]byte, 64)
	rb, sb := r.Bytes(), s.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)
	return base64.StdEncoding.EncodeToString(sig)
}

func (b *ledgerBuilder) add(t *testing.T, txnID, walletID string, amount money.Amount) {
	t.Helper()
	tx := canonical.Transaction{
		TxnID:           txnID,
		FromID:          "sender-1",
		ToID:            "merchant-1",
		Amount:          amount,
		Timestamp:       "2026-03-01T12:00:00Z",
		PrevHash:        b.prevTxHash,
		WalletID:        walletID,
		SenderPublicKey: b.senderJWK,
	}
	encoded, err := canonical.Encode(&tx, canonical.VariantFor(&tx))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tx.Hash = cryptoprim.SHA256Hex(encoded)
	digest := signedDigest(t, tx.Hash)
	tx.Signature = signRaw(t, b.sender, digest[:])

	entryHash := cryptoprim.SHA256Hex([]byte(b.prevHash + tx.Hash))
	txWire := map[string]any{
		"txn_id":            tx.TxnID,
		"from_id":           tx.FromID,
		"to_id":             tx.ToID,
		"amount":            json.RawMessage(amount.String()),
		"timestamp":         tx.Timestamp,
		"prev_hash":         tx.PrevHash,
		"wallet_id":         tx.WalletID,
		"hash":              tx.Hash,
		"signature":         tx.Signature,
		"sender_public_key": json.RawMessage(b.senderJWK),
	}
	b.entries = append(b.entries, map[string]any{
		"ledger_index": len(b.entries),
		"transaction":  txWire,
		"hash":         entryHash,
		"status":       "verified",
	})
	b.prevTxHash = tx.Hash
	b.prevHash = entryHash
}

func (b *ledgerBuilder) plainBody(t *testing.T) []byte {
	t.Helper()
	tip := b.prevHash
	tipDigest := signedDigest(t, tip)
	merchantJWK, err := json.Marshal(cryptoprim.ECDSAPublicKeyToJWK(&b.merchant.PublicKey))
	if err != nil {
		t.Fatalf("marshal merchant jwk: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"entries":             b.entries,
		"hash":                tip,
		"signature":           signRaw(t, b.merchant, tipDigest[:]),
		"receiver_public_key": json.RawMessage(merchantJWK),
	})
	if err != nil {
		t.Fatalf("marshal ledger body: %v", err)
	}
	return body
}

// envelopeBody wraps plaintext for bankPub the way the merchant front-end
// does: ephemeral ECDH keypair, HKDF-derived wrapping key, wrapped inner
// AES key, payload ciphertext.
func envelopeBody(t *testing.T, bankPub *ecdh.PublicKey, plaintext []byte) []byte {
	t.Helper()
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sharedSecret, err := cryptoprim.ECDHDeriveBits(ephemeral, bankPub)
	if err != nil {
		t.Fatalf("ECDHDeriveBits: %v", err)
	}
	wrapKey, err := cryptoprim.HKDFSHA256(sharedSecret, nil, []byte("aes-key-wrapping"), 32)
	if err != nil {
		t.Fatalf("HKDFSHA256: %v", err)
	}

	innerKey := make([]byte, 32)
	rand.Read(innerKey)
	wrapIV := make([]byte, 12)
	rand.Read(wrapIV)
	wrapped, err := cryptoprim.AESGCMEncrypt(wrapKey, wrapIV, innerKey)
	if err != nil {
		t.Fatalf("AESGCMEncrypt(wrap): %v", err)
	}

	payloadIV := make([]byte, 12)
	rand.Read(payloadIV)
	ciphertext, err := cryptoprim.AESGCMEncrypt(innerKey, payloadIV, plaintext)
	if err != nil {
		t.Fatalf("AESGCMEncrypt(payload): %v", err)
	}

	ephemeralJWK, err := cryptoprim.ECDHPublicKeyToJWK(ephemeral.PublicKey())
	if err != nil {
		t.Fatalf("ECDHPublicKeyToJWK: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"encrypted_payload":      base64.StdEncoding.EncodeToString(ciphertext),
		"encrypted_aes_key":      base64.StdEncoding.EncodeToString(append(append([]byte{}, wrapIV...), wrapped...)),
		"iv":                     base64.StdEncoding.EncodeToString(payloadIV),
		"sender_ecdh_public_key": ephemeralJWK,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func newE2EServer(t *testing.T, wallets ...*settlement.Wallet) (*Handlers, *memStore, *memAudit) {
	t.Helper()
	km := bankkey.New("")
	if err := km.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	audit := &memAudit{}
	store := newMemStore(audit, wallets...)
	engine := settlement.New(store, audit)
	return New(km, engine, audit, nil, 5*time.Second, nil), store, audit
}

func postJSON(t *testing.T, h *Handlers, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.Mux().ServeHTTP(rr, req)
	return rr
}

func TestEndToEndEncryptedSettlementHappyPath(t *testing.T) {
	wallet := &settlement.Wallet{
		WalletID:       "w1",
		UserID:         "sender-1",
		ApprovedLimit:  money.FromMinorUnits(10000),
		CurrentBalance: money.FromMinorUnits(10000),
		Status:         settlement.WalletStatusApproved,
	}
	handlers, store, audit := newE2EServer(t, wallet)

	amount, err := money.ParseDecimalString("10.5")
	if err != nil {
		t.Fatalf("ParseDecimalString: %v", err)
	}
	lb := newLedgerBuilder(t)
	lb.add(t, "T1", "w1", amount)

	bankPub := handlers.keyManager.PrivateKey().PublicKey()
	body := envelopeBody(t, bankPub, lb.plainBody(t))

	rr := postJSON(t, handlers, "/v1/settlements", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp settleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !resp.Settled {
		t.Fatalf("expected settled=true, errors: %v", resp.Errors)
	}
	if len(resp.SettledTransactions) != 1 || resp.SettledTransactions[0] != "T1" {
		t.Errorf("settled_transactions = %v, want [T1]", resp.SettledTransactions)
	}

	if got := store.wallets["w1"].CurrentBalance; got != money.FromMinorUnits(8950) {
		t.Errorf("wallet balance = %v, want 89.5", got)
	}

	settleAudits := 0
	for _, e := range audit.entries {
		if e.Action == "settle" && e.Status == auditlog.StatusSuccess {
			settleAudits++
		}
	}
	if settleAudits != 1 {
		t.Errorf("expected exactly one settle/success audit entry, got %d", settleAudits)
	}
}

func TestEndToEndIdempotentResubmission(t *testing.T) {
	wallet := &settlement.Wallet{
		WalletID:       "w1",
		UserID:         "sender-1",
		ApprovedLimit:  money.FromMinorUnits(10000),
		CurrentBalance: money.FromMinorUnits(10000),
		Status:         settlement.WalletStatusApproved,
	}
	handlers, store, _ := newE2EServer(t, wallet)

	amount, _ := money.ParseDecimalString("10.5")
	lb := newLedgerBuilder(t)
	lb.add(t, "T1", "w1", amount)
	bankPub := handlers.keyManager.PrivateKey().PublicKey()
	body := envelopeBody(t, bankPub, lb.plainBody(t))

	if rr := postJSON(t, handlers, "/v1/settlements", body); rr.Code != http.StatusOK {
		t.Fatalf("first submission: status = %d, body = %s", rr.Code, rr.Body.String())
	}
	rr := postJSON(t, handlers, "/v1/settlements", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("resubmission: status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp settleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !resp.Settled {
		t.Fatalf("expected idempotent resubmission to succeed, errors: %v", resp.Errors)
	}
	if got := store.wallets["w1"].CurrentBalance; got != money.FromMinorUnits(8950) {
		t.Errorf("resubmission must not debit again: balance = %v, want 89.5", got)
	}
	if len(store.settled) != 1 {
		t.Errorf("expected exactly one settled row, got %d", len(store.settled))
	}
}

func TestEndToEndInsufficientBalance(t *testing.T) {
	wallet := &settlement.Wallet{
		WalletID:       "w1",
		UserID:         "sender-1",
		ApprovedLimit:  money.FromMinorUnits(500),
		CurrentBalance: money.FromMinorUnits(500),
		Status:         settlement.WalletStatusApproved,
	}
	handlers, store, _ := newE2EServer(t, wallet)

	lb := newLedgerBuilder(t)
	lb.add(t, "T1", "w1", money.FromMinorUnits(1000))
	body := lb.plainBody(t)

	// the ledger itself verifies
	verifyRR := postJSON(t, handlers, "/v1/verify", body)
	if verifyRR.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", verifyRR.Code, verifyRR.Body.String())
	}
	var verdict verifyResponse
	if err := json.Unmarshal(verifyRR.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected a cryptographically valid ledger, errors: %v", verdict.Errors)
	}

	// but settlement refuses the overdraw and mutates nothing
	rr := postJSON(t, handlers, "/v1/settlements", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("settle status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp settleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Settled {
		t.Fatal("expected settled=false for an overdraw")
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Reason != settlement.ReasonInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %v", resp.Errors)
	}
	if got := store.wallets["w1"].CurrentBalance; got != money.FromMinorUnits(500) {
		t.Errorf("wallet must be untouched after a refused settlement, balance = %v", got)
	}
}

func TestEndToEndMultiEntryOverdrawRollsBackAll(t *testing.T) {
	wallet := &settlement.Wallet{
		WalletID:       "w1",
		UserID:         "sender-1",
		ApprovedLimit:  money.FromMinorUnits(1000),
		CurrentBalance: money.FromMinorUnits(1000),
		Status:         settlement.WalletStatusApproved,
	}
	handlers, store, _ := newE2EServer(t, wallet)

	lb := newLedgerBuilder(t)
	lb.add(t, "T1", "w1", money.FromMinorUnits(1000)) // drains the wallet
	lb.add(t, "T2", "w1", money.FromMinorUnits(100))  // would overdraw
	body := lb.plainBody(t)

	rr := postJSON(t, handlers, "/v1/settlements", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp settleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Settled {
		t.Fatal("expected settled=false when any entry fails")
	}
	if got := store.wallets["w1"].CurrentBalance; got != money.FromMinorUnits(1000) {
		t.Errorf("expected all-or-none rollback, balance = %v, want 10", got)
	}
	if len(store.settled) != 0 {
		t.Errorf("expected no settled rows after rollback, got %d", len(store.settled))
	}
}

func TestEndToEndWrongRecipientKeyRejected(t *testing.T) {
	handlers, _, audit := newE2EServer(t)

	otherBank, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	lb := newLedgerBuilder(t)
	lb.add(t, "T1", "w1", money.FromMinorUnits(100))
	body := envelopeBody(t, otherBank.PublicKey(), lb.plainBody(t))

	rr := postJSON(t, handlers, "/v1/settlements", body)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body = %s", rr.Code, rr.Body.String())
	}

	found := false
	for _, e := range audit.entries {
		if e.Action == "decrypt_envelope" && e.Status == auditlog.StatusError {
			found = true
		}
	}
	if !found {
		t.Error("expected a decrypt_envelope/error audit entry")
	}
}

func TestEndToEndEmptyLedger(t *testing.T) {
	handlers, _, _ := newE2EServer(t)

	lb := newLedgerBuilder(t)
	body := lb.plainBody(t)

	rr := postJSON(t, handlers, "/v1/settlements", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp settleResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !resp.Settled {
		t.Errorf("expected an empty ledger to settle trivially, errors: %v", resp.Errors)
	}
	if len(resp.SettledTransactions) != 0 {
		t.Errorf("expected no settled transactions, got %v", resp.SettledTransactions)
	}
}
