package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/clubpoints/backend/internal/services"
)

type RewardHandler struct {
	rewards   *services.RewardService
	validator *services.ValidationHelper
}

func NewRewardHandler(rewards *services.RewardService) *RewardHandler {
	return &RewardHandler{
		rewards:   rewards,
		validator: services.NewValidationHelper(),
	}
}

// Award settles one reward intent.
// @Summary Award a reward
// @Description Apply a reward intent at most once, routed to the internal ledger or the external provider
// @Tags rewards
// @Accept json
// @Produce json
// @Param award body services.AwardRequest true "Reward intent"
// @Success 200 {object} services.AwardResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /rewards [post]
func (h *RewardHandler) Award(w http.ResponseWriter, r *http.Request) {
	var req services.AwardRequest
	if err := decodeStrict(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.rewards.Award(r.Context(), &req)
	if err != nil {
		// A rejected debit still carries a structured result the UI can
		// show; other failures map straight to the taxonomy.
		if errors.Is(err, services.ErrInsufficientBalance) && result != nil {
			writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		log.Printf("[REWARD] Award %s failed: %v", req.IdempotencyKey, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
