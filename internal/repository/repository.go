// Package repository defines the user record store contract shared by the
// Scylla and in-memory implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"haven-service/internal/models"
)

var ErrNotFound = errors.New("user not found")

// Unique keys of the user store.
const (
	FieldClerkID       = "clerkId"
	FieldEmail         = "email"
	FieldWalletAddress = "walletAddress"
	FieldWalletID      = "walletId"
)

// DuplicateKeyError reports a unique-index violation on Field.
type DuplicateKeyError struct {
	Field string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key: %s already exists", e.Field)
}

// IsDuplicateKey reports whether err carries a unique-index violation and on which field.
func IsDuplicateKey(err error) (string, bool) {
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		return dup.Field, true
	}
	return "", false
}

// Selector addresses one record by identity id or internal id.
type Selector struct {
	ClerkID string
	ID      string
}

func ByIdentity(clerkID string) Selector { return Selector{ClerkID: clerkID} }

func ByID(id string) Selector { return Selector{ID: id} }

// UserUpdate is a set-document: nil fields are left untouched. Features are
// applied per key and never replace the whole flag set.
type UserUpdate struct {
	FirstName       *string
	LastName        *string
	Email           *string
	CountryISO      *string
	DisplayCurrency *string
	Address         *models.Address
	DOB             *time.Time
	PhoneNumber     *string

	KYCStatus          *models.KYCStatus
	RiskLevel          *models.RiskLevel
	RiskLevelUpdatedAt *time.Time
	Status             *models.AccountStatus

	WalletAddress *string
	WalletID      *string

	Features map[string]bool
}

// IsEmpty reports whether applying u would change nothing.
func (u *UserUpdate) IsEmpty() bool {
	return u.FirstName == nil && u.LastName == nil && u.Email == nil &&
		u.CountryISO == nil && u.DisplayCurrency == nil && u.Address == nil &&
		u.DOB == nil && u.PhoneNumber == nil && u.KYCStatus == nil &&
		u.RiskLevel == nil && u.RiskLevelUpdatedAt == nil && u.Status == nil &&
		u.WalletAddress == nil && u.WalletID == nil && len(u.Features) == 0
}

// Apply copies the present fields onto user.
func (u *UserUpdate) Apply(user *models.User) {
	if u.FirstName != nil {
		user.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		user.LastName = *u.LastName
	}
	if u.Email != nil {
		user.Email = *u.Email
	}
	if u.CountryISO != nil {
		user.CountryISO = *u.CountryISO
	}
	if u.DisplayCurrency != nil {
		user.DisplayCurrency = *u.DisplayCurrency
	}
	if u.Address != nil {
		addr := *u.Address
		user.Address = &addr
	}
	if u.DOB != nil {
		dob := *u.DOB
		user.DOB = &dob
	}
	if u.PhoneNumber != nil {
		user.PhoneNumber = *u.PhoneNumber
	}
	if u.KYCStatus != nil {
		user.KYCStatus = *u.KYCStatus
	}
	if u.RiskLevel != nil {
		user.RiskLevel = *u.RiskLevel
	}
	if u.RiskLevelUpdatedAt != nil {
		ts := *u.RiskLevelUpdatedAt
		user.RiskLevelUpdatedAt = &ts
	}
	if u.Status != nil {
		user.Status = *u.Status
	}
	if u.WalletAddress != nil {
		user.WalletAddress = *u.WalletAddress
	}
	if u.WalletID != nil {
		user.WalletID = *u.WalletID
	}
	if len(u.Features) > 0 {
		if user.Features == nil {
			user.Features = models.Features{}
		}
		for k, v := range u.Features {
			user.Features[k] = v
		}
	}
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	KYCStatus  models.KYCStatus
	Status     models.AccountStatus
	CountryISO string
}

// Matches reports whether user passes every set filter.
func (f ListFilter) Matches(user *models.User) bool {
	if f.KYCStatus != "" && user.KYCStatus != f.KYCStatus {
		return false
	}
	if f.Status != "" && user.Status != f.Status {
		return false
	}
	if f.CountryISO != "" && user.CountryISO != f.CountryISO {
		return false
	}
	return true
}

// UserRepository is the user record store. Reads other than
// FindPrivateByIdentity never return the access-restricted profile fields.
type UserRepository interface {
	// Insert persists a new record, assigning ID and timestamps when unset.
	// Unique-index violations surface as *DuplicateKeyError.
	Insert(ctx context.Context, user *models.User) error
	FindByIdentity(ctx context.Context, clerkID string) (*models.User, error)
	FindPrivateByIdentity(ctx context.Context, clerkID string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByWalletAddress(ctx context.Context, address string) (bool, error)
	// Update applies a non-empty set-document and returns the refreshed record.
	Update(ctx context.Context, sel Selector, update UserUpdate) (*models.User, error)
	AppendConsent(ctx context.Context, clerkID string, consent models.Consent) (*models.User, error)
	// List returns one page ordered newest-created first, plus the total match count.
	List(ctx context.Context, filter ListFilter, offset, limit int) ([]*models.User, int64, error)
	HealthCheck(ctx context.Context) error
}
