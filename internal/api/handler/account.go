package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/models"
	"github.com/ayo6706/midas-core/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AccountHandler struct {
	svc *service.AccountService
}

func NewAccountHandler(svc *service.AccountService) *AccountHandler {
	return &AccountHandler{svc: svc}
}

type balanceResponse struct {
	AccountID     int64           `json:"account_id"`
	Name          string          `json:"name"`
	Balance       decimal.Decimal `json:"balance"`
	BalanceMicros int64           `json:"balance_micros"`
}

type transferResponse struct {
	ID          int64           `json:"id"`
	EventKey    string          `json:"event_key"`
	SenderID    int64           `json:"sender_id"`
	RecipientID int64           `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Incentive   decimal.Decimal `json:"incentive"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-account-id", "Invalid account ID")
		return
	}

	account, err := h.svc.GetBalance(r.Context(), accountID)
	if err != nil {
		h.respondLookupError(w, r, err, accountID, "account/balance-read-failed", "Failed to get balance")
		return
	}

	RespondJSON(w, http.StatusOK, balanceResponse{
		AccountID:     account.ID,
		Name:          account.Name,
		Balance:       domain.ToDecimal(account.Balance),
		BalanceMicros: account.Balance,
	})
}

func (h *AccountHandler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDParam(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-account-id", "Invalid account ID")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	records, err := h.svc.GetTransfers(r.Context(), accountID, page, pageSize)
	if err != nil {
		h.respondLookupError(w, r, err, accountID, "account/transfers-read-failed", "Failed to get transfers")
		return
	}

	out := make([]transferResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, transferResponse{
			ID:          rec.ID,
			EventKey:    rec.EventKey,
			SenderID:    rec.SenderID,
			RecipientID: rec.RecipientID,
			Amount:      domain.ToDecimal(rec.Amount),
			Incentive:   domain.ToDecimal(rec.Incentive),
			CreatedAt:   rec.CreatedAt,
		})
	}
	RespondJSON(w, http.StatusOK, out)
}

func (h *AccountHandler) respondLookupError(w http.ResponseWriter, r *http.Request, err error, accountID int64, problemType, message string) {
	if errors.Is(err, models.ErrAccountNotFound) {
		RespondError(w, r, http.StatusNotFound, "account/not-found", "Account not found")
		return
	}
	zap.L().Error(message, zap.Error(err), zap.Int64("account_id", accountID))
	RespondError(w, r, http.StatusInternalServerError, problemType, message)
}
