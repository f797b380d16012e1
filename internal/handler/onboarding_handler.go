package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"haven-service/internal/auth"
	"haven-service/internal/models"
	"haven-service/internal/service"
	"haven-service/internal/util"
)

const maxOnboardingBody = 64 << 10

// OnboardingHandler serves the signed-in user's own endpoints.
type OnboardingHandler struct {
	onboarding *service.OnboardingService
	users      *service.UserService
	production bool
}

func NewOnboardingHandler(onboarding *service.OnboardingService, users *service.UserService, production bool) *OnboardingHandler {
	return &OnboardingHandler{
		onboarding: onboarding,
		users:      users,
		production: production,
	}
}

type onboardingResponse struct {
	OK bool `json:"ok"`
	*service.OnboardingResult
}

// Submit handles POST /api/v1/onboarding
func (h *OnboardingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	callerID, ok := auth.SubjectFrom(r.Context())
	if !ok {
		respondWithJSON(w, http.StatusUnauthorized, apiError{Error: "Unauthorized"})
		return
	}

	var req service.OnboardingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOnboardingBody)).Decode(&req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, apiError{Error: "Invalid request body"})
		return
	}

	res, err := h.onboarding.Submit(r.Context(), callerID, req)
	if err != nil {
		status, msg := classify(r, err, h.production)
		respondWithJSON(w, status, apiError{Error: msg})
		return
	}

	respondWithJSON(w, http.StatusOK, onboardingResponse{OK: true, OnboardingResult: res})
	util.Info("Onboarding submitted via HTTP",
		util.Identity(callerID),
		util.Duration("duration", time.Since(startTime)),
	)
}

type meUser struct {
	ClerkID   string               `json:"clerkId"`
	KYCStatus models.KYCStatus     `json:"kycStatus"`
	Status    models.AccountStatus `json:"status"`
}

type meResponse struct {
	OK   bool    `json:"ok"`
	User *meUser `json:"user"`
}

// Me handles GET /api/v1/me. A caller without a record gets user: null.
func (h *OnboardingHandler) Me(w http.ResponseWriter, r *http.Request) {
	callerID, ok := auth.SubjectFrom(r.Context())
	if !ok {
		respondWithJSON(w, http.StatusUnauthorized, apiError{Error: "Unauthorized"})
		return
	}

	u, err := h.users.GetByIdentity(r.Context(), callerID)
	switch {
	case errors.Is(err, service.ErrNotFound):
		respondWithJSON(w, http.StatusOK, meResponse{OK: true})
	case err != nil:
		status, msg := classify(r, err, h.production)
		respondWithJSON(w, status, apiError{Error: msg})
	default:
		respondWithJSON(w, http.StatusOK, meResponse{OK: true, User: &meUser{
			ClerkID:   u.ClerkID,
			KYCStatus: u.KYCStatus,
			Status:    u.Status,
		}})
	}
}
