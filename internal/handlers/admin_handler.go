package handlers

import (
	"log"
	"net/http"

	"github.com/clubpoints/backend/internal/middleware"
	"github.com/clubpoints/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

// AdminHandler exposes the operator-only repair paths: reconciliation,
// duplicate scanning, merges, and sync reprocessing.
type AdminHandler struct {
	reconcile *services.ReconcileService
	merge     *services.MergeService
	sync      *services.SyncService
	validator *services.ValidationHelper
}

func NewAdminHandler(reconcile *services.ReconcileService, merge *services.MergeService, sync *services.SyncService) *AdminHandler {
	return &AdminHandler{
		reconcile: reconcile,
		merge:     merge,
		sync:      sync,
		validator: services.NewValidationHelper(),
	}
}

// ReconcileAccount reconciles one account's balances against its ledger.
// @Summary Reconcile one account
// @Tags admin
// @Produce json
// @Param accountId path string true "Account ID"
// @Param dryRun query bool false "Preview without corrections"
// @Success 200 {object} services.ReconcileResult
// @Router /admin/reconcile/{accountId} [post]
func (h *AdminHandler) ReconcileAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	dryRun := r.URL.Query().Get("dryRun") == "true"
	performedBy := middleware.OperatorFrom(r.Context())

	result, err := h.reconcile.Reconcile(r.Context(), accountID, performedBy, dryRun)
	if err != nil {
		log.Printf("[RECONCILE] Account %s failed: %v", accountID, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ReconcileAll reconciles every account with a balance row.
// @Summary Reconcile all accounts
// @Tags admin
// @Produce json
// @Param dryRun query bool false "Preview without corrections"
// @Success 200 {object} services.ReconcileAllResult
// @Router /admin/reconcile [post]
func (h *AdminHandler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	performedBy := middleware.OperatorFrom(r.Context())

	result, err := h.reconcile.ReconcileAll(r.Context(), performedBy, dryRun)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ScanDuplicates lists duplicate-account merge candidates.
// @Summary Scan for duplicate accounts
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]any
// @Router /admin/duplicates [get]
func (h *AdminHandler) ScanDuplicates(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.merge.ScanDuplicates()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": candidates,
		"count":      len(candidates),
	})
}

type mergeRequest struct {
	CanonicalAccountID string `json:"canonicalAccountId" validate:"required"`
	DuplicateAccountID string `json:"duplicateAccountId" validate:"required"`
	DryRun             bool   `json:"dryRun"`
}

// Merge consolidates a duplicate account into its canonical account.
// @Summary Merge duplicate account
// @Tags admin
// @Accept json
// @Produce json
// @Param merge body mergeRequest true "Merge request"
// @Success 200 {object} services.MergeResult
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/merge [post]
func (h *AdminHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeStrict(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	performedBy := middleware.OperatorFrom(r.Context())
	result, err := h.merge.Merge(r.Context(), req.CanonicalAccountID, req.DuplicateAccountID, performedBy, req.DryRun)
	if err != nil {
		log.Printf("[MERGE] Merge %s <- %s failed: %v", req.CanonicalAccountID, req.DuplicateAccountID, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Reprocess drains the external sync reprocessing queue.
// @Summary Reprocess unverified external syncs
// @Tags admin
// @Produce json
// @Success 200 {object} services.ReprocessResult
// @Router /admin/sync/reprocess [post]
func (h *AdminHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	performedBy := middleware.OperatorFrom(r.Context())

	result, err := h.sync.Reprocess(r.Context(), performedBy)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// PendingSyncs lists sync logs awaiting reprocessing.
// @Summary List pending external syncs
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]any
// @Router /admin/sync/pending [get]
func (h *AdminHandler) PendingSyncs(w http.ResponseWriter, r *http.Request) {
	pending, err := h.sync.PendingReprocessing()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}
