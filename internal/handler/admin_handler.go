package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"haven-service/internal/audit"
	"haven-service/internal/models"
	"haven-service/internal/repository"
	"haven-service/internal/service"
	"haven-service/internal/util"
)

// AdminHandler exposes the reconciliation service to operators.
type AdminHandler struct {
	users      *service.UserService
	token      string
	production bool
}

func NewAdminHandler(users *service.UserService, token string, production bool) *AdminHandler {
	return &AdminHandler{users: users, token: token, production: production}
}

// RegisterRoutes registers all admin user routes
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin/users", func(r chi.Router) {
		r.Use(h.requireToken)

		r.Get("/", h.ListUsers)
		r.Get("/by-email", h.GetUserByEmail)
		r.Get("/{userID}", h.GetUserByID)

		r.Route("/identity/{clerkID}", func(r chi.Router) {
			r.Get("/", h.GetUserByIdentity)
			r.Patch("/", h.PatchUser)
			r.Delete("/", h.SoftDeleteUser)
			r.Post("/consents", h.AppendConsent)
		})
	})
}

// requireToken accepts only the configured operator token. With no token
// configured every admin request is refused.
func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			respondWithJSON(w, http.StatusUnauthorized, errorResponse("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), "admin")))
	})
}

func (h *AdminHandler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(r, err, h.production)
	respondWithJSON(w, status, errorResponse(msg))
}

// ListUsers handles GET /admin/users?kycStatus=&status=&country=&page=&pageSize=
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.ListQuery{
		KYCStatus:  models.KYCStatus(q.Get("kycStatus")),
		Status:     models.AccountStatus(q.Get("status")),
		CountryISO: q.Get("country"),
		Page:       queryInt(q.Get("page"), 1),
		PageSize:   queryInt(q.Get("pageSize"), service.DefaultPageSize),
	}

	res, err := h.users.List(r.Context(), query)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	response := successResponse(res.Items, "Users retrieved successfully")
	response.Meta = &Meta{
		Page:       res.Page,
		PageSize:   res.PageSize,
		Total:      res.Total,
		TotalPages: res.TotalPages,
	}
	respondWithJSON(w, http.StatusOK, response)
}

// queryInt parses an integer query parameter, returning def when absent or malformed.
func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (h *AdminHandler) GetUserByID(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(user, "User retrieved successfully"))
}

func (h *AdminHandler) GetUserByEmail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		respondWithJSON(w, http.StatusBadRequest, errorResponse("email is required"))
		return
	}
	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(user, "User retrieved successfully"))
}

// GetUserByIdentity returns the full record including the private profile.
func (h *AdminHandler) GetUserByIdentity(w http.ResponseWriter, r *http.Request) {
	clerkID := chi.URLParam(r, "clerkID")
	user, err := h.users.GetPrivateByIdentity(r.Context(), clerkID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	util.Info("Private profile read", util.Identity(clerkID), util.String("actor", "admin"))
	respondWithJSON(w, http.StatusOK, successResponse(user, "User retrieved successfully"))
}

func (h *AdminHandler) PatchUser(w http.ResponseWriter, r *http.Request) {
	var patch service.UserPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	user, err := h.users.Patch(r.Context(), repository.ByIdentity(chi.URLParam(r, "clerkID")), patch)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(user, "User updated successfully"))
}

func (h *AdminHandler) SoftDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.SoftDelete(r.Context(), chi.URLParam(r, "clerkID"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(user, "User blocked successfully"))
}

func (h *AdminHandler) AppendConsent(w http.ResponseWriter, r *http.Request) {
	var in service.ConsentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse("Invalid request body"))
		return
	}

	user, err := h.users.AppendConsent(r.Context(), chi.URLParam(r, "clerkID"), in)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(user, "Consent recorded"))
}
