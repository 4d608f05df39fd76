// Package httpserver implements the settlement core's HTTP surface:
// manual routing over net/http, a typed JSON response helper, and
// request-deadline enforcement for the two mutating/verifying endpoints.
package httpserver

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/certen/bank-settlement-core/pkg/auditlog"
	"github.com/certen/bank-settlement-core/pkg/bankkey"
	"github.com/certen/bank-settlement-core/pkg/cryptoprim"
	"github.com/certen/bank-settlement-core/pkg/ledgerverify"
	"github.com/certen/bank-settlement-core/pkg/settlement"
	"github.com/certen/bank-settlement-core/pkg/submission"
)

// maxBodyBytes bounds a settlement/verification request body.
const maxBodyBytes = 8 << 20 // 8 MiB

// Pinger reports whether the backing store is reachable. The database
// client satisfies it; a nil Pinger disables the check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers bundles everything an HTTP handler needs.
type Handlers struct {
	keyManager     *bankkey.KeyManager
	engine         *settlement.Engine
	audit          auditlog.AppenderLister
	health         Pinger
	requestTimeout time.Duration
	logger         *log.Logger
}

// New builds the Handlers.
func New(km *bankkey.KeyManager, engine *settlement.Engine, audit auditlog.AppenderLister, health Pinger, requestTimeout time.Duration, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[httpserver] ", log.LstdFlags)
	}
	return &Handlers{keyManager: km, engine: engine, audit: audit, health: health, requestTimeout: requestTimeout, logger: logger}
}

// Mux builds the route table.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/v1/bank/public-key", h.handleBankPublicKey)
	mux.HandleFunc("/v1/settlements", h.handleSettle)
	mux.HandleFunc("/v1/verify", h.handleVerify)
	mux.HandleFunc("/v1/audit-log", h.handleAuditLog)
	return mux
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is allowed")
		return
	}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Printf("health check: %v", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleBankPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is allowed")
		return
	}
	jwk, err := h.keyManager.PublicJWK()
	if err != nil {
		h.logger.Printf("public key: %v", err)
		h.writeError(w, http.StatusInternalServerError, "internal", "failed to load bank public key")
		return
	}
	h.writeJSON(w, http.StatusOK, jwk)
}

// settleResponse is the wire shape for a settlement submission outcome.
type settleResponse struct {
	RequestID           string                 `json:"request_id"`
	Settled             bool                   `json:"settled"`
	SettledTransactions []string               `json:"settled_transactions"`
	Errors              []ledgerEntryErrorWire `json:"errors"`
	AuditLogIDs         []int64                `json:"audit_log_ids"`
}

// verifyResponse is the wire shape for a verification-only submission.
type verifyResponse struct {
	RequestID            string                 `json:"request_id"`
	Valid                bool                   `json:"valid"`
	VerifiedTransactions []string               `json:"verified_transactions"`
	Errors               []ledgerEntryErrorWire `json:"errors"`
}

type ledgerEntryErrorWire struct {
	LedgerIndex int    `json:"ledger_index"`
	Reason      string `json:"reason"`
}

func (h *Handlers) handleSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	requestID := uuid.New().String()

	payload, err := h.decodeAndResolve(w, r)
	if err != nil {
		return
	}

	verdict := ledgerverify.Verify(*payload)
	if !verdict.Valid {
		h.auditVerifyFailure(ctx, requestID, verdict)
		h.writeJSON(w, http.StatusUnprocessableEntity, settleResponse{
			RequestID: requestID,
			Settled:   false,
			Errors:    toErrorWire(verdict.Errors),
		})
		return
	}

	result, err := h.engine.Settle(ctx, payload.Entries)
	if err != nil {
		h.logger.Printf("settle %s: %v", requestID, err)
		h.writeError(w, http.StatusInternalServerError, "internal", "settlement failed")
		return
	}

	h.writeJSON(w, http.StatusOK, settleResponse{
		RequestID:           requestID,
		Settled:             result.Settled,
		SettledTransactions: result.SettledTransactions,
		Errors:              toEngineErrorWire(result.Errors),
		AuditLogIDs:         result.AuditLogIDs,
	})
}

func (h *Handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	requestID := uuid.New().String()

	payload, err := h.decodeAndResolve(w, r)
	if err != nil {
		return
	}

	verdict := ledgerverify.Verify(*payload)
	if ctx.Err() != nil {
		h.writeError(w, http.StatusGatewayTimeout, "timeout", "request deadline exceeded")
		return
	}

	h.writeJSON(w, http.StatusOK, verifyResponse{
		RequestID:            requestID,
		Valid:                verdict.Valid,
		VerifiedTransactions: verdict.Verified,
		Errors:               toErrorWire(verdict.Errors),
	})
}

// decodeAndResolve reads the request body, parses it as a tagged
// submission, and resolves it to a ledger payload - decrypting it first if
// it arrived as an Envelope. On any failure it writes the HTTP error
// response itself and returns a non-nil error so the caller can bail out.
func (h *Handlers) decodeAndResolve(w http.ResponseWriter, r *http.Request) (*ledgerverify.Payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, err
	}

	input, err := submission.Parse(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed", "request body is not a valid ledger or envelope")
		return nil, err
	}

	payload, err := input.Resolve(h.bankPrivateKey())
	if err != nil {
		status := http.StatusBadRequest
		code := "malformed"
		if errors.Is(err, cryptoprim.ErrDecryptFailed) {
			status = http.StatusUnprocessableEntity
			code = "decrypt_failed"
		}
		h.recordEnvelopeFailure(r.Context(), code)
		h.writeError(w, status, code, "unable to recover submission payload")
		return nil, err
	}

	return payload, nil
}

func (h *Handlers) bankPrivateKey() *ecdh.PrivateKey {
	return h.keyManager.PrivateKey()
}

func (h *Handlers) recordEnvelopeFailure(ctx context.Context, code string) {
	if h.audit == nil {
		return
	}
	_, _ = h.audit.Append(ctx, auditlog.Entry{
		Actor:   auditlog.ActorBank,
		Action:  "decrypt_envelope",
		Status:  auditlog.StatusError,
		Details: auditlog.DetailsOf(map[string]any{"reason": code}),
	})
}

func (h *Handlers) auditVerifyFailure(ctx context.Context, requestID string, verdict ledgerverify.Result) {
	if h.audit == nil {
		return
	}
	_, _ = h.audit.Append(ctx, auditlog.Entry{
		Actor:  auditlog.ActorBank,
		Action: "verify_chain",
		Status: auditlog.StatusError,
		Details: auditlog.DetailsOf(map[string]any{
			"request_id": requestID,
			"errors":     toErrorWire(verdict.Errors),
		}),
	})
}

func toErrorWire(errs []ledgerverify.FieldError) []ledgerEntryErrorWire {
	out := make([]ledgerEntryErrorWire, len(errs))
	for i, e := range errs {
		out[i] = ledgerEntryErrorWire{LedgerIndex: e.LedgerIndex, Reason: e.Reason}
	}
	return out
}

func toEngineErrorWire(errs []settlement.EntryError) []ledgerEntryErrorWire {
	out := make([]ledgerEntryErrorWire, len(errs))
	for i, e := range errs {
		out[i] = ledgerEntryErrorWire{LedgerIndex: e.LedgerIndex, Reason: e.Reason}
	}
	return out
}

func (h *Handlers) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is allowed")
		return
	}
	if h.audit == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "audit log is not configured")
		return
	}

	limit := parseIntParam(r, "limit", 50)
	if limit > 1000 {
		limit = 1000
	}
	offset := parseIntParam(r, "offset", 0)

	entries, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Printf("audit log: %v", err)
		h.writeError(w, http.StatusInternalServerError, "internal", "failed to list audit log")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	valStr := r.URL.Query().Get(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
