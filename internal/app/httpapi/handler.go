// Package httpapi exposes the platform over REST. Handlers stay thin: decode,
// delegate to a service, map domain errors onto status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"github.com/threadline/platform/internal/app/domain/account"
	"github.com/threadline/platform/internal/app/domain/engagement"
	"github.com/threadline/platform/internal/app/domain/escrow"
	"github.com/threadline/platform/internal/app/domain/payment"
	"github.com/threadline/platform/internal/app/metrics"
	escrowsvc "github.com/threadline/platform/internal/app/services/escrow"
	ledgersvc "github.com/threadline/platform/internal/app/services/ledger"
	paymentsvc "github.com/threadline/platform/internal/app/services/payments"
	workflowsvc "github.com/threadline/platform/internal/app/services/workflow"
	"github.com/threadline/platform/internal/app/storage"
	"github.com/threadline/platform/internal/middleware"
	"github.com/threadline/platform/pkg/logger"
)

// Handler is the REST surface over the core services.
type Handler struct {
	ledger   *ledgersvc.Service
	escrow   *escrowsvc.Service
	payments *paymentsvc.Service
	workflow *workflowsvc.Service
	limiter  *middleware.RateLimiter
	log      *logger.Logger
}

// New constructs the handler. The rate limiter may be nil.
func New(ledger *ledgersvc.Service, escrow *escrowsvc.Service, payments *paymentsvc.Service, workflow *workflowsvc.Service, limiter *middleware.RateLimiter, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		ledger:   ledger,
		escrow:   escrow,
		payments: payments,
		workflow: workflow,
		limiter:  limiter,
		log:      log,
	}
}

// Router assembles the chi routing tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if h.limiter != nil {
		r.Use(h.limiter.Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.createAccount)
			r.Get("/", h.listAccounts)
			r.Get("/{id}", h.getAccount)
			r.Get("/{id}/transactions", h.listTransactions)
			r.Post("/{id}/debit", h.debit)
			r.Post("/{id}/credit", h.credit)
			r.Post("/{id}/refund", h.refund)
			r.Post("/{id}/bonus", h.bonus)
		})

		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.initiatePurchase)
			r.Post("/{reference}/complete", h.completePurchase)
		})
		r.Post("/webhooks/payment", h.paymentWebhook)

		r.Route("/engagements", func(r chi.Router) {
			r.Post("/", h.createEngagement)
			r.Get("/", h.listEngagements)
			r.Get("/{id}", h.getEngagement)
			r.Post("/{id}/advance", h.advanceEngagement)
			r.Post("/{id}/generate", h.generateDesign)

			r.Route("/{id}/escrow", func(r chi.Router) {
				r.Post("/", h.createEscrow)
				r.Get("/", h.getEscrow)
				r.Post("/fund", h.fundEscrow)
				r.Get("/milestones", h.listMilestones)
				r.Post("/milestones/{milestoneID}/release", h.releaseMilestone)
				r.Post("/release", h.releaseAmount)
				r.Post("/dispute", h.disputeEscrow)
			})
		})
	})
	return metrics.InstrumentHandler("api", r)
}

// accounts ---------------------------------------------------------------------

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner    string            `json:"owner"`
		Metadata map[string]string `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.CreateAccount(r.Context(), req.Owner, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.ListAccounts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.ledger.ListTransactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

type entryRequest struct {
	Amount            int64             `json:"amount"`
	Kind              string            `json:"kind"`
	ExternalReference string            `json:"external_reference"`
	CorrelationID     string            `json:"correlation_id"`
	Metadata          map[string]string `json:"metadata"`
}

type entryResponse struct {
	Account     account.Account     `json:"account"`
	Transaction account.Transaction `json:"transaction"`
}

func (h *Handler) debit(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !decode(w, r, &req) {
		return
	}
	acct, txn, err := h.ledger.Debit(r.Context(), chi.URLParam(r, "id"), req.Amount, account.Kind(req.Kind), req.CorrelationID, req.Metadata)
	if err != nil {
		h.writeErrorState(w, err, h.accountState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Account: acct, Transaction: txn})
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !decode(w, r, &req) {
		return
	}
	acct, txn, err := h.ledger.Credit(r.Context(), chi.URLParam(r, "id"), req.Amount, account.Kind(req.Kind), req.ExternalReference, req.CorrelationID, req.Metadata)
	if err != nil {
		h.writeErrorState(w, err, h.accountState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Account: acct, Transaction: txn})
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !decode(w, r, &req) {
		return
	}
	acct, txn, err := h.ledger.Refund(r.Context(), chi.URLParam(r, "id"), req.Amount, req.CorrelationID, req.Metadata)
	if err != nil {
		h.writeErrorState(w, err, h.accountState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Account: acct, Transaction: txn})
}

func (h *Handler) bonus(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !decode(w, r, &req) {
		return
	}
	acct, txn, err := h.ledger.Bonus(r.Context(), chi.URLParam(r, "id"), req.Amount, req.CorrelationID, req.Metadata)
	if err != nil {
		h.writeErrorState(w, err, h.accountState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Account: acct, Transaction: txn})
}

// payments ---------------------------------------------------------------------

func (h *Handler) initiatePurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string            `json:"account_id"`
		Amount    int64             `json:"amount"`
		Metadata  map[string]string `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	result, err := h.payments.InitiatePurchase(r.Context(), req.AccountID, req.Amount, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) completePurchase(w http.ResponseWriter, r *http.Request) {
	acct, txn, err := h.payments.CompletePurchase(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		var state any
		if intent, ierr := h.payments.Intent(r.Context(), chi.URLParam(r, "reference")); ierr == nil {
			state = intent
		}
		h.writeErrorState(w, err, state)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Account: acct, Transaction: txn})
}

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !h.payments.VerifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	parsed := gjson.ParseBytes(body)
	event := payment.WebhookEvent{
		Type:      parsed.Get("event").String(),
		Reference: parsed.Get("data.reference").String(),
	}
	if event.Reference == "" {
		event.Reference = parsed.Get("reference").String()
	}

	if err := h.payments.HandleWebhook(r.Context(), event); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// engagements ------------------------------------------------------------------

func (h *Handler) createEngagement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string            `json:"client_id"`
		FabricatorID string            `json:"fabricator_id"`
		Metadata     map[string]string `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	eng, err := h.workflow.Create(r.Context(), req.ClientID, req.FabricatorID, req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eng)
}

func (h *Handler) listEngagements(w http.ResponseWriter, r *http.Request) {
	engs, err := h.workflow.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, engs)
}

func (h *Handler) getEngagement(w http.ResponseWriter, r *http.Request) {
	eng, err := h.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng)
}

func (h *Handler) advanceEngagement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if !decode(w, r, &req) {
		return
	}
	eng, err := h.workflow.Advance(r.Context(), chi.URLParam(r, "id"), engagement.Phase(req.To))
	if err != nil {
		h.writeErrorState(w, err, h.engagementState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, eng)
}

func (h *Handler) generateDesign(w http.ResponseWriter, r *http.Request) {
	result, err := h.workflow.GenerateDesign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErrorState(w, err, h.engagementState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

// escrow -----------------------------------------------------------------------

func (h *Handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiatorID string `json:"initiator_id"`
		Committed   int64  `json:"committed"`
	}
	if !decode(w, r, &req) {
		return
	}
	esc, err := h.escrow.Create(r.Context(), chi.URLParam(r, "id"), req.InitiatorID, req.Committed)
	if err != nil {
		h.writeErrorState(w, err, h.escrowState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

func (h *Handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := h.escrow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type escrowResponse struct {
	Escrow     escrow.Escrow      `json:"escrow"`
	Milestones []escrow.Milestone `json:"milestones,omitempty"`
}

func (h *Handler) fundEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiatorID string `json:"initiator_id"`
		AccountID   string `json:"account_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	esc, milestones, err := h.escrow.Fund(r.Context(), chi.URLParam(r, "id"), req.InitiatorID, req.AccountID)
	if err != nil {
		h.writeErrorState(w, err, h.escrowState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Escrow: esc, Milestones: milestones})
}

func (h *Handler) listMilestones(w http.ResponseWriter, r *http.Request) {
	milestones, err := h.escrow.Milestones(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, milestones)
}

func (h *Handler) releaseMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	esc, milestone, err := h.escrow.ReleaseMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "milestoneID"), req.AccountID)
	if err != nil {
		h.writeErrorState(w, err, h.escrowState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Escrow: esc, Milestones: []escrow.Milestone{milestone}})
}

func (h *Handler) releaseAmount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount    int64  `json:"amount"`
		AccountID string `json:"account_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	esc, err := h.escrow.ReleaseAmount(r.Context(), chi.URLParam(r, "id"), req.Amount, req.AccountID)
	if err != nil {
		h.writeErrorState(w, err, h.escrowState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Escrow: esc})
}

func (h *Handler) disputeEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiatorID string `json:"initiator_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	esc, err := h.escrow.Dispute(r.Context(), chi.URLParam(r, "id"), req.InitiatorID)
	if err != nil {
		h.writeErrorState(w, err, h.escrowState(r, chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{Escrow: esc})
}

// helpers ----------------------------------------------------------------------

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorPayload struct {
	Error string `json:"error"`
	State any    `json:"state,omitempty"`
}

// writeError maps domain sentinels onto HTTP status codes. Conflicts report
// 409 so clients can fetch authoritative state and retry deliberately.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeErrorState(w, err, nil)
}

// writeErrorState additionally attaches the entity's current authoritative
// state, so a rejected caller sees where the entity actually stands without a
// second round trip.
func (h *Handler) writeErrorState(w http.ResponseWriter, err error, state any) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, account.ErrNotFound),
		errors.Is(err, account.ErrTransactionNotFound),
		errors.Is(err, engagement.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrMilestoneNotFound),
		errors.Is(err, payment.ErrIntentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, account.ErrInsufficientBalance),
		errors.Is(err, payment.ErrVerificationFailed):
		status = http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrNotInitiator):
		status = http.StatusForbidden
	case errors.Is(err, engagement.ErrPhaseViolation),
		errors.Is(err, escrow.ErrStateConflict),
		errors.Is(err, escrow.ErrOutOfSequenceRelease),
		errors.Is(err, escrow.ErrReleaseExceedsCommitted),
		errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, account.ErrDuplicateReference):
		status = http.StatusConflict
	case errors.Is(err, engagement.ErrBusy):
		status = http.StatusTooManyRequests
	case errors.Is(err, storage.ErrBusy):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorPayload{Error: err.Error(), State: state})
}

// accountState fetches the account's current state for an error payload.
// Best effort; a miss attaches nothing.
func (h *Handler) accountState(r *http.Request, id string) any {
	if acct, err := h.ledger.GetAccount(r.Context(), id); err == nil {
		return acct
	}
	return nil
}

func (h *Handler) escrowState(r *http.Request, engagementID string) any {
	if esc, err := h.escrow.Get(r.Context(), engagementID); err == nil {
		return esc
	}
	return nil
}

func (h *Handler) engagementState(r *http.Request, id string) any {
	if eng, err := h.workflow.Get(r.Context(), id); err == nil {
		return eng
	}
	return nil
}
