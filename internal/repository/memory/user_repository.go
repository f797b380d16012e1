// Package memory is a process-local user store with the same unique-index
// semantics as the Scylla store. Used by tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"haven-service/internal/models"
	"haven-service/internal/repository"

	"github.com/google/uuid"
)

type UserRepository struct {
	mu sync.RWMutex

	byClerk  map[string]*models.User
	byID     map[string]string // id -> clerkId
	emails   map[string]string // normalized email -> clerkId
	wallets  map[string]string // wallet address -> clerkId
	walletID map[string]string // wallet id -> clerkId

	now func() time.Time
}

var _ repository.UserRepository = (*UserRepository)(nil)

func NewUserRepository() *UserRepository {
	return &UserRepository{
		byClerk:  make(map[string]*models.User),
		byID:     make(map[string]string),
		emails:   make(map[string]string),
		wallets:  make(map[string]string),
		walletID: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *UserRepository) Insert(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byClerk[user.ClerkID]; ok {
		return &repository.DuplicateKeyError{Field: repository.FieldClerkID}
	}
	if _, ok := r.emails[user.Email]; ok {
		return &repository.DuplicateKeyError{Field: repository.FieldEmail}
	}
	if _, ok := r.wallets[user.WalletAddress]; ok {
		return &repository.DuplicateKeyError{Field: repository.FieldWalletAddress}
	}
	if user.WalletID != "" {
		if _, ok := r.walletID[user.WalletID]; ok {
			return &repository.DuplicateKeyError{Field: repository.FieldWalletID}
		}
	}

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now

	stored := user.Clone()
	r.byClerk[stored.ClerkID] = stored
	r.byID[stored.ID] = stored.ClerkID
	r.emails[stored.Email] = stored.ClerkID
	r.wallets[stored.WalletAddress] = stored.ClerkID
	if stored.WalletID != "" {
		r.walletID[stored.WalletID] = stored.ClerkID
	}
	return nil
}

func (r *UserRepository) FindByIdentity(_ context.Context, clerkID string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byClerk[clerkID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u.Public(), nil
}

func (r *UserRepository) FindPrivateByIdentity(_ context.Context, clerkID string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byClerk[clerkID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u.Clone(), nil
}

func (r *UserRepository) FindByID(_ context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clerkID, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.byClerk[clerkID].Public(), nil
}

func (r *UserRepository) FindByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clerkID, ok := r.emails[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.byClerk[clerkID].Public(), nil
}

func (r *UserRepository) ExistsByEmail(_ context.Context, email string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.emails[email]
	return ok, nil
}

func (r *UserRepository) ExistsByWalletAddress(_ context.Context, address string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.wallets[address]
	return ok, nil
}

func (r *UserRepository) Update(_ context.Context, sel repository.Selector, update repository.UserUpdate) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, err := r.resolve(sel)
	if err != nil {
		return nil, err
	}

	if update.Email != nil && *update.Email != u.Email {
		if owner, ok := r.emails[*update.Email]; ok && owner != u.ClerkID {
			return nil, &repository.DuplicateKeyError{Field: repository.FieldEmail}
		}
	}
	if update.WalletAddress != nil && *update.WalletAddress != u.WalletAddress {
		if owner, ok := r.wallets[*update.WalletAddress]; ok && owner != u.ClerkID {
			return nil, &repository.DuplicateKeyError{Field: repository.FieldWalletAddress}
		}
	}
	if update.WalletID != nil && *update.WalletID != "" && *update.WalletID != u.WalletID {
		if owner, ok := r.walletID[*update.WalletID]; ok && owner != u.ClerkID {
			return nil, &repository.DuplicateKeyError{Field: repository.FieldWalletID}
		}
	}

	oldEmail, oldWallet, oldWalletID := u.Email, u.WalletAddress, u.WalletID
	update.Apply(u)
	u.UpdatedAt = r.now()

	if u.Email != oldEmail {
		delete(r.emails, oldEmail)
		r.emails[u.Email] = u.ClerkID
	}
	if u.WalletAddress != oldWallet {
		delete(r.wallets, oldWallet)
		r.wallets[u.WalletAddress] = u.ClerkID
	}
	if u.WalletID != oldWalletID {
		delete(r.walletID, oldWalletID)
		if u.WalletID != "" {
			r.walletID[u.WalletID] = u.ClerkID
		}
	}

	return u.Public(), nil
}

func (r *UserRepository) AppendConsent(_ context.Context, clerkID string, consent models.Consent) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byClerk[clerkID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u.Consents = append(u.Consents, consent)
	u.UpdatedAt = r.now()
	return u.Public(), nil
}

func (r *UserRepository) List(_ context.Context, filter repository.ListFilter, offset, limit int) ([]*models.User, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.User, 0, len(r.byClerk))
	for _, u := range r.byClerk {
		if filter.Matches(u) {
			matched = append(matched, u)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*models.User{}, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	items := make([]*models.User, 0, end-offset)
	for _, u := range matched[offset:end] {
		items = append(items, u.Public())
	}
	return items, total, nil
}

func (r *UserRepository) HealthCheck(context.Context) error {
	return nil
}

// resolve must be called with the write lock held.
func (r *UserRepository) resolve(sel repository.Selector) (*models.User, error) {
	clerkID := sel.ClerkID
	if clerkID == "" {
		var ok bool
		if clerkID, ok = r.byID[sel.ID]; !ok {
			return nil, repository.ErrNotFound
		}
	}
	u, ok := r.byClerk[clerkID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}
