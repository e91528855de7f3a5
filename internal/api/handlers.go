/**
 * @description
 * HTTP handlers for the transfer-service API. Handlers decode and lightly
 * validate requests, delegate to the service layer, and translate domain error
 * kinds into HTTP statuses. Every error response carries the machine-readable
 * kind, the human message, and a correlation id that is also logged, so a
 * support ticket quoting the id can be matched to server logs.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/domain: Error kinds and the transfer aggregate.
 */

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/domain"
)

// TransferService is the slice of the application service the handlers use.
type TransferService interface {
	CreateTransfer(ctx context.Context, in app.CreateTransferInput) (*domain.Transfer, error)
	CompleteTransfer(ctx context.Context, transactionCode, claimedReceiverNationalID string) (*domain.Transfer, error)
	CancelTransfer(ctx context.Context, transactionCode, reason string) (*domain.Transfer, error)
	GetTransfer(ctx context.Context, transactionCode string) (*domain.Transfer, error)
}

// Handlers holds the dependencies for the HTTP handlers.
type Handlers struct {
	service TransferService
}

// NewHandlers creates the handler set.
func NewHandlers(service TransferService) *Handlers {
	return &Handlers{service: service}
}

type createTransferRequest struct {
	SenderNationalID   string          `json:"sender_national_id"`
	ReceiverNationalID string          `json:"receiver_national_id"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	IdempotencyKey     string          `json:"idempotency_key"`
}

type completeTransferRequest struct {
	ReceiverNationalID string `json:"receiver_national_id"`
}

type cancelTransferRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CreateTransfer handles POST /transfers. The idempotency key may arrive as
// the Idempotency-Key header or in the body; the header wins when both are set.
func (h *Handlers) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid request body")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = req.IdempotencyKey
	}

	transfer, err := h.service.CreateTransfer(r.Context(), app.CreateTransferInput{
		SenderNationalID:   req.SenderNationalID,
		ReceiverNationalID: req.ReceiverNationalID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		IdempotencyKey:     idempotencyKey,
	})
	if err != nil {
		// A fraud rejection still persists the Failed transfer; return it in
		// the error payload's stead so the caller sees the auditable record.
		if domain.KindOf(err) == domain.KindHighRisk && transfer != nil {
			respondWithJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"kind":     string(domain.KindHighRisk),
				"message":  domain.MessageOf(err),
				"transfer": transfer,
			})
			return
		}
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, transfer)
}

// CompleteTransfer handles POST /transfers/{code}/complete.
func (h *Handlers) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	var req completeTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, string(domain.KindValidation), "invalid request body")
		return
	}

	transfer, err := h.service.CompleteTransfer(r.Context(), chi.URLParam(r, "code"), req.ReceiverNationalID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfer)
}

// CancelTransfer handles POST /transfers/{code}/cancel.
func (h *Handlers) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	var req cancelTransferRequest
	if r.Body != nil {
		// Reason is optional; an empty body is fine.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	transfer, err := h.service.CancelTransfer(r.Context(), chi.URLParam(r, "code"), req.Reason)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfer)
}

// GetTransfer handles GET /transfers/{code}.
func (h *Handlers) GetTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.GetTransfer(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfer)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)

	if status >= http.StatusInternalServerError || status == http.StatusServiceUnavailable || status == http.StatusBadGateway {
		correlationID := uuid.NewString()
		log.Printf("level=error component=api msg=\"request failed\" method=%s path=%s kind=%s correlation_id=%s err=%v", r.Method, r.URL.Path, kind, correlationID, err)
		respondWithJSON(w, status, errorResponse{
			Kind:          string(kind),
			Message:       domain.MessageOf(err),
			CorrelationID: correlationID,
		})
		return
	}
	respondWithError(w, status, string(kind), domain.MessageOf(err))
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInactiveCustomer, domain.KindLimitExceeded, domain.KindHighRisk:
		return http.StatusUnprocessableEntity
	case domain.KindIdentityMismatch:
		return http.StatusForbidden
	case domain.KindNotPending, domain.KindConflict:
		return http.StatusConflict
	case domain.KindApprovalPending:
		return http.StatusUnprocessableEntity
	case domain.KindLockUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindServiceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondWithError(w http.ResponseWriter, status int, kind, message string) {
	respondWithJSON(w, status, errorResponse{Kind: kind, Message: message})
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}
