package handler

import (
	"embed"
	"errors"
	"html/template"
	"net/http"

	"haven-service/internal/auth"
	"haven-service/internal/models"
	"haven-service/internal/service"
	"haven-service/internal/util"
)

//go:embed templates/*.html
var templateFS embed.FS

// ConsentVersion is the policy version the onboarding form records.
const ConsentVersion = "1.0.0"

// Dashboard states.
const (
	stateMissing = "missing"
	statePending = "pending"
	stateReady   = "ready"
)

type PageHandler struct {
	users     *service.UserService
	dashboard *template.Template
	form      *template.Template
}

func NewPageHandler(users *service.UserService) (*PageHandler, error) {
	dashboard, err := template.ParseFS(templateFS, "templates/layout.html", "templates/dashboard.html")
	if err != nil {
		return nil, err
	}
	form, err := template.ParseFS(templateFS, "templates/layout.html", "templates/onboarding.html")
	if err != nil {
		return nil, err
	}
	return &PageHandler{users: users, dashboard: dashboard, form: form}, nil
}

type dashboardView struct {
	Title string
	State string
	User  *models.User
}

// DashboardState picks what the dashboard shows. u is nil when the user has
// not onboarded.
func DashboardState(u *models.User) string {
	switch {
	case u == nil:
		return stateMissing
	case u.KYCStatus != models.KYCStatusApproved:
		return statePending
	default:
		return stateReady
	}
}

// Dashboard handles GET /dashboard
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	clerkID, _ := auth.SubjectFrom(r.Context())

	u, err := h.users.GetByIdentity(r.Context(), clerkID)
	if err != nil && !errors.Is(err, service.ErrNotFound) {
		util.Error("Dashboard lookup failed", util.Identity(clerkID), util.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if err != nil {
		u = nil
	}

	view := dashboardView{Title: "Dashboard", State: DashboardState(u), User: u}
	h.render(w, h.dashboard, "dashboard.html", view)
}

type onboardingView struct {
	Title          string
	ClerkID        string
	Email          string
	FirstName      string
	LastName       string
	ConsentVersion string
}

// Onboarding handles GET /onboarding
func (h *PageHandler) Onboarding(w http.ResponseWriter, r *http.Request) {
	clerkID, _ := auth.SubjectFrom(r.Context())
	view := onboardingView{Title: "Onboarding", ClerkID: clerkID, ConsentVersion: ConsentVersion}

	if u, err := h.users.GetByIdentity(r.Context(), clerkID); err == nil {
		view.Email, view.FirstName, view.LastName = u.Email, u.FirstName, u.LastName
	}
	h.render(w, h.form, "onboarding.html", view)
}

func (h *PageHandler) render(w http.ResponseWriter, t *template.Template, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		util.Error("Failed to render page", util.String("template", name), util.ErrorField(err))
	}
}
