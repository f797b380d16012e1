package models

import (
	"regexp"
	"strings"
	"time"
)

type KYCStatus string

const (
	KYCStatusNone     KYCStatus = "none"
	KYCStatusApproved KYCStatus = "approved"
)

func (s KYCStatus) Valid() bool {
	return s == KYCStatusNone || s == KYCStatusApproved
}

type AccountStatus string

const (
	StatusActive  AccountStatus = "active"
	StatusBlocked AccountStatus = "blocked"
	StatusPending AccountStatus = "pending"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusBlocked, StatusPending:
		return true
	}
	return false
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

const (
	WalletProviderPrivy = "privy"
	WalletChainSolana   = "solana"

	DefaultDisplayCurrency = "CAD"
)

// Feature flag keys known to the product. Unknown keys are still stored.
const (
	FeatureOnramp = "onramp"
	FeatureCards  = "cards"
	FeatureLend   = "lend"
)

// Features is a set of independent boolean toggles.
type Features map[string]bool

// DefaultFeatures returns every known flag switched off.
func DefaultFeatures() Features {
	return Features{
		FeatureOnramp: false,
		FeatureCards:  false,
		FeatureLend:   false,
	}
}

func (f Features) Clone() Features {
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Address is the mailing address collected at onboarding. Access restricted.
type Address struct {
	Line1           string `json:"line1" cql:"line1"`
	Line2           string `json:"line2,omitempty" cql:"line2"`
	City            string `json:"city" cql:"city"`
	StateOrProvince string `json:"stateOrProvince" cql:"state_or_province"`
	PostalCode      string `json:"postalCode" cql:"postal_code"`
	Country         string `json:"country" cql:"country"`
}

// MissingField returns the first required address field that is blank.
func (a *Address) MissingField() string {
	switch {
	case a == nil:
		return "address"
	case strings.TrimSpace(a.Line1) == "":
		return "address.line1"
	case strings.TrimSpace(a.City) == "":
		return "address.city"
	case strings.TrimSpace(a.StateOrProvince) == "":
		return "address.stateOrProvince"
	case strings.TrimSpace(a.PostalCode) == "":
		return "address.postalCode"
	case strings.TrimSpace(a.Country) == "":
		return "address.country"
	}
	return ""
}

// Consent is one accepted policy version. The consent log only grows.
type Consent struct {
	Type       string    `json:"type" cql:"type"` // tos | privacy | risk
	Version    string    `json:"version" cql:"version"`
	AcceptedAt time.Time `json:"acceptedAt" cql:"accepted_at"`
}

// User is the onboarding record for one identity-provider subject.
type User struct {
	ID      string `json:"id" db:"user_id"`
	ClerkID string `json:"clerkId" db:"clerk_id"`
	Email   string `json:"email" db:"email"`

	FirstName string `json:"firstName,omitempty" db:"first_name"`
	LastName  string `json:"lastName,omitempty" db:"last_name"`

	WalletAddress  string `json:"walletAddress" db:"wallet_address"`
	WalletID       string `json:"walletId,omitempty" db:"wallet_id"`
	WalletProvider string `json:"walletProvider" db:"wallet_provider"`
	WalletChain    string `json:"walletChain" db:"wallet_chain"`

	CountryISO      string `json:"countryISO" db:"country_iso"`
	DisplayCurrency string `json:"displayCurrency" db:"display_currency"`

	// Private profile, only populated by the private read path.
	Address     *Address   `json:"address,omitempty" db:"address"`
	DOB         *time.Time `json:"dob,omitempty" db:"dob"`
	PhoneNumber string     `json:"phoneNumber,omitempty" db:"phone_number"`

	KYCStatus          KYCStatus     `json:"kycStatus" db:"kyc_status"`
	RiskLevel          RiskLevel     `json:"riskLevel" db:"risk_level"`
	RiskLevelUpdatedAt *time.Time    `json:"riskLevelUpdatedAt,omitempty" db:"risk_level_updated_at"`
	Status             AccountStatus `json:"status" db:"status"`
	Features           Features      `json:"features" db:"features"`
	Consents           []Consent     `json:"consents" db:"consents"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Public returns a copy with the access-restricted fields cleared.
func (u *User) Public() *User {
	cp := u.Clone()
	cp.Address = nil
	cp.DOB = nil
	cp.PhoneNumber = ""
	return cp
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	cp := *u
	if u.Address != nil {
		addr := *u.Address
		cp.Address = &addr
	}
	if u.DOB != nil {
		dob := *u.DOB
		cp.DOB = &dob
	}
	if u.RiskLevelUpdatedAt != nil {
		ts := *u.RiskLevelUpdatedAt
		cp.RiskLevelUpdatedAt = &ts
	}
	cp.Features = u.Features.Clone()
	cp.Consents = append([]Consent(nil), u.Consents...)
	return &cp
}

// ApplyDefaults fills the schema defaults for a record about to be created.
func (u *User) ApplyDefaults() {
	if u.WalletProvider == "" {
		u.WalletProvider = WalletProviderPrivy
	}
	if u.WalletChain == "" {
		u.WalletChain = WalletChainSolana
	}
	if u.DisplayCurrency == "" {
		u.DisplayCurrency = DefaultDisplayCurrency
	}
	if u.KYCStatus == "" {
		u.KYCStatus = KYCStatusNone
	}
	if u.RiskLevel == "" {
		u.RiskLevel = RiskLow
	}
	if u.Status == "" {
		u.Status = StatusPending
	}
	features := DefaultFeatures()
	for k, v := range u.Features {
		features[k] = v
	}
	u.Features = features
	if u.Consents == nil {
		u.Consents = []Consent{}
	}
}

var (
	countryRe  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)
	emailRe    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phoneRe    = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)
)

// ValidCountryISO reports an ISO-3166 alpha-2 code: exactly two uppercase letters.
func ValidCountryISO(code string) bool { return countryRe.MatchString(code) }

// ValidCurrency reports an ISO-4217 code: exactly three uppercase letters.
func ValidCurrency(code string) bool { return currencyRe.MatchString(code) }

func ValidEmail(email string) bool { return emailRe.MatchString(email) }

func ValidPhone(phone string) bool { return phoneRe.MatchString(phone) }

// NormalizeEmail is the canonical form used for storage and uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
