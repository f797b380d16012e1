package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"haven-service/internal/audit"
	"haven-service/internal/events"
	"haven-service/internal/models"
	"haven-service/internal/util"
	"haven-service/internal/wallet"
)

// OnboardingRequest is the body submitted by the onboarding form.
type OnboardingRequest struct {
	ClerkID         string          `json:"clerkId"`
	Email           string          `json:"email"`
	FirstName       string          `json:"firstName,omitempty"`
	LastName        string          `json:"lastName,omitempty"`
	CountryISO      string          `json:"countryISO"`
	DisplayCurrency string          `json:"displayCurrency,omitempty"`
	Address         *models.Address `json:"address"`
	DOB             string          `json:"dob,omitempty"`
	PhoneNumber     string          `json:"phoneNumber,omitempty"`
	RiskLevel       string          `json:"riskLevel,omitempty"`
	Consents        []ConsentInput  `json:"consents,omitempty"`
}

type ConsentError struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Error   string `json:"error"`
}

type OnboardingResult struct {
	WalletAddress string               `json:"walletAddress"`
	WalletID      string               `json:"walletId,omitempty"`
	KYCStatus     models.KYCStatus     `json:"kycStatus"`
	Status        models.AccountStatus `json:"status"`
	Features      models.Features      `json:"features"`
	ConsentErrors []ConsentError       `json:"consentErrors,omitempty"`
}

// RateLimiter bounds how often one identity may submit onboarding.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// CompletionPolicy decides what a successful submission unlocks.
type CompletionPolicy interface {
	Complete(ctx context.Context, users *UserService, u *models.User) (*models.User, error)
}

// ApproveOnSubmit treats a complete submission as a passed review: KYC
// approved, account active and on-ramp enabled.
type ApproveOnSubmit struct{}

func (ApproveOnSubmit) Complete(ctx context.Context, users *UserService, u *models.User) (*models.User, error) {
	var err error
	if u, err = users.SetKYCStatus(ctx, u.ClerkID, models.KYCStatusApproved); err != nil {
		return nil, err
	}
	if u, err = users.SetStatus(ctx, u.ClerkID, models.StatusActive); err != nil {
		return nil, err
	}
	return users.SetFeatures(ctx, u.ClerkID, map[string]bool{models.FeatureOnramp: true})
}

// ManualReview leaves the record pending until an operator approves it.
type ManualReview struct{}

func (ManualReview) Complete(_ context.Context, _ *UserService, u *models.User) (*models.User, error) {
	return u, nil
}

// PolicyFor maps the configured policy name to an implementation.
func PolicyFor(name string) CompletionPolicy {
	if name == "review" {
		return ManualReview{}
	}
	return ApproveOnSubmit{}
}

type OnboardingService struct {
	users   *UserService
	wallets wallet.Provisioner
	limiter RateLimiter
	policy  CompletionPolicy
	chain   string
}

func NewOnboardingService(users *UserService, wallets wallet.Provisioner, limiter RateLimiter, policy CompletionPolicy) *OnboardingService {
	if policy == nil {
		policy = ApproveOnSubmit{}
	}
	return &OnboardingService{
		users:   users,
		wallets: wallets,
		limiter: limiter,
		policy:  policy,
		chain:   models.WalletChainSolana,
	}
}

// Submit runs the onboarding workflow for the authenticated caller.
func (s *OnboardingService) Submit(ctx context.Context, callerID string, req OnboardingRequest) (*OnboardingResult, error) {
	ctx = audit.WithActor(ctx, "onboarding")

	if req.ClerkID != callerID {
		return nil, forbidden("Clerk user mismatch")
	}
	if err := s.allow(ctx, callerID); err != nil {
		return nil, err
	}

	in, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	w, err := s.resolveWallet(ctx, in)
	if err != nil {
		return nil, err
	}
	in.WalletAddress, in.WalletID = w.Address, w.WalletID

	// CreateOrFetch also backfills a missing wallet id on an existing record.
	user, err := s.users.CreateOrFetch(ctx, in)
	if err != nil {
		return nil, err
	}

	if user, err = s.policy.Complete(ctx, s.users, user); err != nil {
		return nil, err
	}

	var consentErrors []ConsentError
	for _, c := range req.Consents {
		updated, err := s.users.AppendConsent(ctx, user.ClerkID, c)
		if err != nil {
			util.Warn("Consent append failed",
				util.Identity(user.ClerkID),
				zap.String("type", c.Type),
				zap.String("version", c.Version),
				zap.Error(err))
			consentErrors = append(consentErrors, ConsentError{Type: c.Type, Version: c.Version, Error: consentMessage(err)})
			continue
		}
		user = updated
	}

	if err := s.users.events.Publish(ctx, events.NewEvent(events.UserOnboarded, user)); err != nil {
		util.Warn("Failed to publish onboarding event", util.Identity(user.ClerkID), zap.Error(err))
	}
	util.Info("User onboarded",
		util.Identity(user.ClerkID),
		zap.String("kyc_status", string(user.KYCStatus)),
		zap.Int("consent_errors", len(consentErrors)))

	return &OnboardingResult{
		WalletAddress: user.WalletAddress,
		WalletID:      user.WalletID,
		KYCStatus:     user.KYCStatus,
		Status:        user.Status,
		Features:      user.Features,
		ConsentErrors: consentErrors,
	}, nil
}

// allow fails open when the limiter itself is unavailable.
func (s *OnboardingService) allow(ctx context.Context, clerkID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, clerkID)
	if err != nil {
		util.Warn("Onboarding rate limiter unavailable", util.Identity(clerkID), zap.Error(err))
		return nil
	}
	if !ok {
		return &Error{Kind: ErrRateLimited, Message: "Too many onboarding attempts, try again shortly"}
	}
	return nil
}

func (s *OnboardingService) normalize(req OnboardingRequest) (CreateUserInput, error) {
	if strings.TrimSpace(req.Email) == "" {
		return CreateUserInput{}, validation("email", "Missing email")
	}
	if strings.TrimSpace(req.CountryISO) == "" {
		return CreateUserInput{}, validation("countryISO", "Missing countryISO")
	}
	if field := req.Address.MissingField(); field != "" {
		return CreateUserInput{}, validation(field, "Incomplete address")
	}

	addr := *req.Address
	addr.Line1 = util.SanitizeInput(addr.Line1)
	addr.Line2 = util.SanitizeInput(addr.Line2)
	addr.City = util.SanitizeInput(addr.City)
	addr.StateOrProvince = util.SanitizeInput(addr.StateOrProvince)
	addr.PostalCode = util.SanitizeInput(addr.PostalCode)
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))

	in := CreateUserInput{
		ClerkID:         req.ClerkID,
		Email:           req.Email,
		FirstName:       util.SanitizeInput(req.FirstName),
		LastName:        util.SanitizeInput(req.LastName),
		CountryISO:      strings.ToUpper(strings.TrimSpace(req.CountryISO)),
		DisplayCurrency: strings.ToUpper(strings.TrimSpace(req.DisplayCurrency)),
		Address:         &addr,
		PhoneNumber:     strings.TrimSpace(req.PhoneNumber),
		RiskLevel:       models.RiskLow,
	}
	if err := in.checkFreeText(); err != nil {
		return CreateUserInput{}, err
	}

	if req.DOB != "" {
		dob, err := ParseDOB(req.DOB)
		if err != nil {
			return CreateUserInput{}, validation("dob", "Invalid dob")
		}
		in.DOB = &dob
	}
	if req.RiskLevel != "" {
		in.RiskLevel = models.RiskLevel(strings.ToLower(req.RiskLevel))
		if !in.RiskLevel.Valid() {
			return CreateUserInput{}, validation("riskLevel", "Invalid riskLevel")
		}
	}
	return in, nil
}

// ParseDOB accepts an RFC 3339 timestamp or a plain YYYY-MM-DD date.
func ParseDOB(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// resolveWallet reuses a wallet already on record, otherwise provisions one.
func (s *OnboardingService) resolveWallet(ctx context.Context, in CreateUserInput) (wallet.Wallet, error) {
	existing, err := s.users.GetByIdentity(ctx, in.ClerkID)
	switch {
	case err == nil && existing.WalletAddress != "":
		return wallet.Wallet{Address: existing.WalletAddress, WalletID: existing.WalletID}, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return wallet.Wallet{}, err
	}

	w, err := s.wallets.EnsureWallet(ctx, wallet.ProvisionRequest{
		ExternalUserID: in.ClerkID,
		Chain:          s.chain,
		Email:          in.Email,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
	})
	if err == nil {
		err = wallet.ValidateWallet(s.chain, w)
	}
	if err != nil {
		util.Error("Wallet provisioning failed", util.Identity(in.ClerkID), zap.Error(err))
		return wallet.Wallet{}, gateway("Wallet provisioning failed", err)
	}
	return w, nil
}

func consentMessage(err error) string {
	if msg, ok := PublicMessage(err); ok {
		return msg
	}
	return "Failed to record consent"
}
