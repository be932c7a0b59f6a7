package handlers

import (
	"net/http"
	"strconv"

	"github.com/clubpoints/backend/internal/models"
	"github.com/clubpoints/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

type AccountHandler struct {
	accounts *services.AccountService
	ledger   *services.LedgerStore
}

func NewAccountHandler(accounts *services.AccountService, ledger *services.LedgerStore) *AccountHandler {
	return &AccountHandler{accounts: accounts, ledger: ledger}
}

// GetBalances returns the materialized internal-currency balances.
// @Summary Get account balances
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]int64
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{accountId}/balances [get]
func (h *AccountHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	account, err := h.accounts.ResolveCanonical(accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	balances := map[models.Currency]int64{}
	for _, currency := range models.InternalCurrencies {
		amount, err := h.ledger.Balance(account.ID, currency)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		balances[currency] = amount
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": account.ID,
		"balances":  balances,
	})
}

// GetLedger returns the newest ledger entries for an account.
// @Summary Get account ledger
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account ID"
// @Param limit query int false "Number of entries to return (default: 50, max: 200)"
// @Success 200 {object} map[string]any
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{accountId}/ledger [get]
func (h *AccountHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	account, err := h.accounts.ResolveCanonical(accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	entries, err := h.ledger.Entries(account.ID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": account.ID,
		"entries":   entries,
		"count":     len(entries),
	})
}
