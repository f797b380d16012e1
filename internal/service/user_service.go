package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"haven-service/internal/audit"
	"haven-service/internal/events"
	"haven-service/internal/models"
	"haven-service/internal/repository"
	"haven-service/internal/util"
)

const (
	// DefaultPageSize applies when a caller gives no page size at all.
	DefaultPageSize = 20
	maxPageSize     = 100
)

// Consent types accepted by AppendConsent.
var consentTypes = map[string]bool{"tos": true, "privacy": true, "risk": true}

// UserService reconciles user records: idempotent creation, point lookups,
// patches and the narrow compliance setters.
type UserService struct {
	repo   repository.UserRepository
	events events.Publisher
	audit  audit.Sink
	now    func() time.Time
}

func NewUserService(repo repository.UserRepository, publisher events.Publisher, sink audit.Sink) *UserService {
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &UserService{
		repo:   repo,
		events: publisher,
		audit:  sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateUserInput carries everything known about a user at creation time.
type CreateUserInput struct {
	ClerkID         string
	Email           string
	FirstName       string
	LastName        string
	WalletAddress   string
	WalletID        string
	CountryISO      string
	DisplayCurrency string
	Address         *models.Address
	DOB             *time.Time
	PhoneNumber     string
	Features        models.Features
	RiskLevel       models.RiskLevel
	Status          models.AccountStatus
}

func (in *CreateUserInput) validate() error {
	switch {
	case strings.TrimSpace(in.ClerkID) == "":
		return validation("clerkId", "Missing clerkId")
	case !models.ValidEmail(in.Email):
		return validation("email", "Invalid email")
	case in.WalletAddress == "":
		return validation("walletAddress", "Missing walletAddress")
	case !models.ValidCountryISO(in.CountryISO):
		return validation("countryISO", "countryISO must be a two-letter uppercase code")
	case in.DisplayCurrency != "" && !models.ValidCurrency(in.DisplayCurrency):
		return validation("displayCurrency", "displayCurrency must be a three-letter uppercase code")
	case in.PhoneNumber != "" && !models.ValidPhone(in.PhoneNumber):
		return validation("phoneNumber", "Invalid phoneNumber")
	case in.RiskLevel != "" && !in.RiskLevel.Valid():
		return validation("riskLevel", "Invalid riskLevel")
	case in.Status != "" && !in.Status.Valid():
		return validation("status", "Invalid status")
	}
	if in.Address != nil {
		if err := validateAddress(in.Address); err != nil {
			return err
		}
	}
	return in.checkFreeText()
}

func validateAddress(a *models.Address) error {
	if field := a.MissingField(); field != "" {
		return validation(field, "Incomplete address")
	}
	if !models.ValidCountryISO(a.Country) {
		return validation("address.country", "address.country must be a two-letter uppercase code")
	}
	return nil
}

func (in *CreateUserInput) checkFreeText() error {
	return checkFreeText(in.FirstName, in.LastName, in.Address)
}

// checkFreeText rejects markup in names and address lines.
func checkFreeText(firstName, lastName string, a *models.Address) error {
	fields := []struct{ name, value string }{
		{"firstName", firstName},
		{"lastName", lastName},
	}
	if a != nil {
		fields = append(fields,
			struct{ name, value string }{"address.line1", a.Line1},
			struct{ name, value string }{"address.line2", a.Line2},
			struct{ name, value string }{"address.city", a.City},
		)
	}
	for _, f := range fields {
		if util.ContainsSuspicious(f.value) {
			return validation(f.name, "Invalid "+f.name)
		}
	}
	return nil
}

// CreateOrFetch is idempotent on the identity id. An existing record is
// returned as is, except that a missing wallet id is backfilled once.
func (s *UserService) CreateOrFetch(ctx context.Context, in CreateUserInput) (*models.User, error) {
	in.Email = models.NormalizeEmail(in.Email)
	if err := in.validate(); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByIdentity(ctx, in.ClerkID)
	switch {
	case err == nil:
		if in.WalletID != "" && existing.WalletID == "" {
			walletID := in.WalletID
			refreshed, err := s.repo.Update(ctx, repository.ByIdentity(in.ClerkID), repository.UserUpdate{WalletID: &walletID})
			if err != nil {
				return nil, fromRepository("backfill wallet id", err)
			}
			s.record(ctx, refreshed, "backfill_wallet_id", events.UserUpdated, "walletId")
			return refreshed, nil
		}
		return existing, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fromRepository("find user", err)
	}

	var emailTaken, walletTaken bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		emailTaken, err = s.repo.ExistsByEmail(gctx, in.Email)
		return err
	})
	g.Go(func() (err error) {
		walletTaken, err = s.repo.ExistsByWalletAddress(gctx, in.WalletAddress)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fromRepository("check uniqueness", err)
	}
	if emailTaken {
		return nil, conflictOn(repository.FieldEmail)
	}
	if walletTaken {
		return nil, conflictOn(repository.FieldWalletAddress)
	}

	user := &models.User{
		ClerkID:         in.ClerkID,
		Email:           in.Email,
		FirstName:       in.FirstName,
		LastName:        in.LastName,
		WalletAddress:   in.WalletAddress,
		WalletID:        in.WalletID,
		CountryISO:      in.CountryISO,
		DisplayCurrency: in.DisplayCurrency,
		Address:         in.Address,
		DOB:             in.DOB,
		PhoneNumber:     in.PhoneNumber,
		Features:        in.Features,
		RiskLevel:       in.RiskLevel,
		Status:          in.Status,
	}
	user.ApplyDefaults()

	// a racing insert for the same identity, email or wallet lands here as a duplicate key
	if err := s.repo.Insert(ctx, user); err != nil {
		return nil, fromRepository("insert user", err)
	}

	util.Info("User record created", util.Identity(user.ClerkID), util.Email(user.Email), zap.String("user_id", user.ID))
	created := user.Public()
	s.record(ctx, created, "create", events.UserCreated)
	return created, nil
}

func (s *UserService) GetByIdentity(ctx context.Context, clerkID string) (*models.User, error) {
	u, err := s.repo.FindByIdentity(ctx, clerkID)
	return u, fromRepository("find user", err)
}

// GetPrivateByIdentity is the only read that returns address, dob and phone.
func (s *UserService) GetPrivateByIdentity(ctx context.Context, clerkID string) (*models.User, error) {
	u, err := s.repo.FindPrivateByIdentity(ctx, clerkID)
	return u, fromRepository("find user", err)
}

func (s *UserService) GetByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, validation("id", "Invalid user id")
	}
	u, err := s.repo.FindByID(ctx, id)
	return u, fromRepository("find user", err)
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := s.repo.FindByEmail(ctx, models.NormalizeEmail(email))
	return u, fromRepository("find user", err)
}

// UserPatch lists the fields a generic patch may touch. KYC status and
// wallet linkage only change through their dedicated setters.
type UserPatch struct {
	FirstName       *string                `json:"firstName,omitempty"`
	LastName        *string                `json:"lastName,omitempty"`
	Email           *string                `json:"email,omitempty"`
	CountryISO      *string                `json:"countryISO,omitempty"`
	DisplayCurrency *string                `json:"displayCurrency,omitempty"`
	Address         *models.Address        `json:"address,omitempty"`
	DOB             *time.Time             `json:"dob,omitempty"`
	PhoneNumber     *string                `json:"phoneNumber,omitempty"`
	RiskLevel       *models.RiskLevel      `json:"riskLevel,omitempty"`
	Status          *models.AccountStatus  `json:"status,omitempty"`
	Features        map[string]interface{} `json:"features,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *UserService) toUpdate(p UserPatch) (repository.UserUpdate, error) {
	var u repository.UserUpdate

	if err := checkFreeText(deref(p.FirstName), deref(p.LastName), p.Address); err != nil {
		return u, err
	}
	u.FirstName, u.LastName = p.FirstName, p.LastName
	if p.Email != nil {
		email := models.NormalizeEmail(*p.Email)
		if !models.ValidEmail(email) {
			return u, validation("email", "Invalid email")
		}
		u.Email = &email
	}
	if p.CountryISO != nil {
		country := strings.ToUpper(strings.TrimSpace(*p.CountryISO))
		if !models.ValidCountryISO(country) {
			return u, validation("countryISO", "countryISO must be a two-letter uppercase code")
		}
		u.CountryISO = &country
	}
	if p.DisplayCurrency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*p.DisplayCurrency))
		if !models.ValidCurrency(currency) {
			return u, validation("displayCurrency", "displayCurrency must be a three-letter uppercase code")
		}
		u.DisplayCurrency = &currency
	}
	if p.Address != nil {
		addr := *p.Address
		addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
		if err := validateAddress(&addr); err != nil {
			return u, err
		}
		u.Address = &addr
	}
	u.DOB = p.DOB
	if p.PhoneNumber != nil {
		if !models.ValidPhone(*p.PhoneNumber) {
			return u, validation("phoneNumber", "Invalid phoneNumber")
		}
		u.PhoneNumber = p.PhoneNumber
	}
	if p.RiskLevel != nil {
		if !p.RiskLevel.Valid() {
			return u, validation("riskLevel", "Invalid riskLevel")
		}
		now := s.now()
		u.RiskLevel, u.RiskLevelUpdatedAt = p.RiskLevel, &now
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return u, validation("status", "Invalid status")
		}
		u.Status = p.Status
	}
	for k, v := range p.Features {
		if b, ok := v.(bool); ok {
			if u.Features == nil {
				u.Features = map[string]bool{}
			}
			u.Features[k] = b
		}
	}
	return u, nil
}

// Patch applies only the fields present in p. Exactly one of the selector's
// identity id or internal id must be set. An empty patch returns the record.
func (s *UserService) Patch(ctx context.Context, sel repository.Selector, p UserPatch) (*models.User, error) {
	if (sel.ClerkID == "") == (sel.ID == "") {
		return nil, validation("selector", "Provide clerkId or userId")
	}
	if sel.ID != "" {
		if _, err := uuid.Parse(sel.ID); err != nil {
			return nil, validation("id", "Invalid user id")
		}
	}

	update, err := s.toUpdate(p)
	if err != nil {
		return nil, err
	}
	if update.IsEmpty() {
		if sel.ClerkID != "" {
			return s.GetByIdentity(ctx, sel.ClerkID)
		}
		return s.GetByID(ctx, sel.ID)
	}

	u, err := s.repo.Update(ctx, sel, update)
	if err != nil {
		return nil, fromRepository("patch user", err)
	}
	s.record(ctx, u, "patch", events.UserUpdated, changedFields(&update)...)
	return u, nil
}

// ConsentInput is one consent acceptance. AcceptedAt defaults to now.
type ConsentInput struct {
	Type       string     `json:"type"`
	Version    string     `json:"version"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
}

func (s *UserService) AppendConsent(ctx context.Context, clerkID string, in ConsentInput) (*models.User, error) {
	if !consentTypes[in.Type] {
		return nil, validation("type", "Invalid consent type")
	}
	if strings.TrimSpace(in.Version) == "" {
		return nil, validation("version", "Missing consent version")
	}

	consent := models.Consent{Type: in.Type, Version: in.Version, AcceptedAt: s.now()}
	if in.AcceptedAt != nil {
		consent.AcceptedAt = in.AcceptedAt.UTC()
	}

	u, err := s.repo.AppendConsent(ctx, clerkID, consent)
	if err != nil {
		return nil, fromRepository("append consent", err)
	}
	s.record(ctx, u, "append_consent", "", "consents."+in.Type)
	return u, nil
}

type ListQuery struct {
	KYCStatus  models.KYCStatus
	Status     models.AccountStatus
	CountryISO string
	Page       int
	PageSize   int
}

type ListResult struct {
	Items      []*models.User `json:"items"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	Total      int64          `json:"total"`
	TotalPages int            `json:"totalPages"`
}

// ClampPage normalises pagination: page at least 1, page size within [1, 100].
func ClampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func (s *UserService) List(ctx context.Context, q ListQuery) (*ListResult, error) {
	if q.KYCStatus != "" && !q.KYCStatus.Valid() {
		return nil, validation("kycStatus", "Invalid kycStatus")
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, validation("status", "Invalid status")
	}

	page, pageSize := ClampPage(q.Page, q.PageSize)
	filter := repository.ListFilter{
		KYCStatus:  q.KYCStatus,
		Status:     q.Status,
		CountryISO: strings.ToUpper(q.CountryISO),
	}

	items, total, err := s.repo.List(ctx, filter, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fromRepository("list users", err)
	}

	return &ListResult{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// SoftDelete blocks the account. Records are never physically removed.
func (s *UserService) SoftDelete(ctx context.Context, clerkID string) (*models.User, error) {
	return s.SetStatus(ctx, clerkID, models.StatusBlocked)
}

func (s *UserService) SetKYCStatus(ctx context.Context, clerkID string, status models.KYCStatus) (*models.User, error) {
	if !status.Valid() {
		return nil, validation("kycStatus", "Invalid kycStatus")
	}
	return s.set(ctx, clerkID, "set_kyc_status", events.UserUpdated, repository.UserUpdate{KYCStatus: &status})
}

func (s *UserService) SetStatus(ctx context.Context, clerkID string, status models.AccountStatus) (*models.User, error) {
	if !status.Valid() {
		return nil, validation("status", "Invalid status")
	}
	evt := events.UserUpdated
	if status == models.StatusBlocked {
		evt = events.UserBlocked
	}
	return s.set(ctx, clerkID, "set_status", evt, repository.UserUpdate{Status: &status})
}

func (s *UserService) SetRiskLevel(ctx context.Context, clerkID string, level models.RiskLevel) (*models.User, error) {
	if !level.Valid() {
		return nil, validation("riskLevel", "Invalid riskLevel")
	}
	now := s.now()
	return s.set(ctx, clerkID, "set_risk_level", events.UserUpdated,
		repository.UserUpdate{RiskLevel: &level, RiskLevelUpdatedAt: &now})
}

// SetFeatures switches the given flags and leaves the others alone.
func (s *UserService) SetFeatures(ctx context.Context, clerkID string, features map[string]bool) (*models.User, error) {
	if len(features) == 0 {
		return s.GetByIdentity(ctx, clerkID)
	}
	return s.set(ctx, clerkID, "set_features", events.UserUpdated, repository.UserUpdate{Features: features})
}

type WalletInfo struct {
	Address  string `json:"walletAddress,omitempty"`
	WalletID string `json:"walletId,omitempty"`
}

func (s *UserService) SetWalletInfo(ctx context.Context, clerkID string, info WalletInfo) (*models.User, error) {
	var update repository.UserUpdate
	if info.Address != "" {
		update.WalletAddress = &info.Address
	}
	if info.WalletID != "" {
		update.WalletID = &info.WalletID
	}
	if update.IsEmpty() {
		return nil, validation("wallet", "Nothing to update")
	}
	return s.set(ctx, clerkID, "set_wallet_info", events.UserUpdated, update)
}

func (s *UserService) set(ctx context.Context, clerkID, action string, evt events.Type, update repository.UserUpdate) (*models.User, error) {
	u, err := s.repo.Update(ctx, repository.ByIdentity(clerkID), update)
	if err != nil {
		return nil, fromRepository(action, err)
	}
	s.record(ctx, u, action, evt, changedFields(&update)...)
	return u, nil
}

// record mirrors a mutation to the audit trail and, when evt is set, the
// lifecycle stream. Failures are logged and never fail the mutation.
func (s *UserService) record(ctx context.Context, u *models.User, action string, evt events.Type, fields ...string) {
	if err := s.audit.Record(ctx, audit.NewRecord(ctx, u.ClerkID, action, fields...)); err != nil {
		util.Warn("Failed to record audit entry", util.Identity(u.ClerkID), zap.String("action", action), zap.Error(err))
	}
	if evt == "" {
		return
	}
	if err := s.events.Publish(ctx, events.NewEvent(evt, u, fields...)); err != nil {
		util.Warn("Failed to publish lifecycle event", util.Identity(u.ClerkID), zap.String("type", string(evt)), zap.Error(err))
	}
}

func changedFields(u *repository.UserUpdate) []string {
	var fields []string
	add := func(present bool, name string) {
		if present {
			fields = append(fields, name)
		}
	}
	add(u.FirstName != nil, "firstName")
	add(u.LastName != nil, "lastName")
	add(u.Email != nil, "email")
	add(u.CountryISO != nil, "countryISO")
	add(u.DisplayCurrency != nil, "displayCurrency")
	add(u.Address != nil, "address")
	add(u.DOB != nil, "dob")
	add(u.PhoneNumber != nil, "phoneNumber")
	add(u.KYCStatus != nil, "kycStatus")
	add(u.RiskLevel != nil, "riskLevel")
	add(u.Status != nil, "status")
	add(u.WalletAddress != nil, "walletAddress")
	add(u.WalletID != nil, "walletId")
	for k := range u.Features {
		fields = append(fields, "features."+k)
	}
	return fields
}

func (s *UserService) HealthCheck(ctx context.Context) error {
	if err := s.repo.HealthCheck(ctx); err != nil {
		return fmt.Errorf("user store: %w", err)
	}
	return nil
}
