package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"haven-service/internal/bucketing"
	"haven-service/internal/models"
	"haven-service/internal/repository"
	"haven-service/internal/util"
)

const privateProfilePurpose = "user.private_profile"

const userColumns = `clerk_id, user_id, email, first_name, last_name,
	wallet_address, wallet_id, wallet_provider, wallet_chain,
	country_iso, display_currency, private_profile,
	kyc_status, risk_level, risk_level_updated_at, status,
	features, consents, created_at, updated_at`

var (
	insertUserCQL = `INSERT INTO users (` + userColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	selectUserCQL    = `SELECT ` + userColumns + ` FROM users WHERE clerk_id = ?`
	deleteUserCQL    = `DELETE FROM users WHERE clerk_id = ?`
	insertByIDCQL    = `INSERT INTO users_by_id (user_bucket, user_id, clerk_id) VALUES (?, ?, ?)`
	deleteByIDCQL    = `DELETE FROM users_by_id WHERE user_bucket = ? AND user_id = ?`
	selectByIDCQL    = `SELECT clerk_id FROM users_by_id WHERE user_bucket = ? AND user_id = ?`
	appendConsentCQL = `UPDATE users SET consents = consents + ?, updated_at = ? WHERE clerk_id = ? IF EXISTS`
)

// uniqueIndex is a lightweight-transaction claim table mapping a unique
// value to the identity that owns it.
type uniqueIndex struct {
	table  string
	column string
	field  string
}

var (
	emailIndex         = uniqueIndex{"user_emails", "email", repository.FieldEmail}
	walletAddressIndex = uniqueIndex{"user_wallet_addresses", "wallet_address", repository.FieldWalletAddress}
	walletIDIndex      = uniqueIndex{"user_wallet_ids", "wallet_id", repository.FieldWalletID}
)

type claim struct {
	index uniqueIndex
	value string
}

// maxUpdateAttempts bounds retries of an update that lost a race with another writer.
const maxUpdateAttempts = 3

var errConcurrentUpdate = errors.New("user was modified concurrently")

// Session runs statements against the cluster. *ScyllaClient implements it.
type Session interface {
	Exec(ctx context.Context, stmt string, values ...interface{}) error
	ExecCAS(ctx context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error)
	Get(ctx context.Context, stmt string, args []interface{}, dest ...interface{}) error
	HealthCheck(ctx context.Context) error
}

var _ Session = (*ScyllaClient)(nil)

// Sealer encrypts the private profile column.
type Sealer interface {
	SealString(ctx context.Context, purpose string, plaintext []byte) (string, error)
	OpenString(ctx context.Context, column string) ([]byte, error)
}

// Indexer is the search projection used for listing.
type Indexer interface {
	Upsert(ctx context.Context, u *models.User) error
	Search(ctx context.Context, filter repository.ListFilter, offset, limit int) ([]string, int64, error)
}

type UserRepository struct {
	session Session
	buckets *bucketing.Manager
	sealer  Sealer
	index   Indexer
	now     func() time.Time
}

var _ repository.UserRepository = (*UserRepository)(nil)

// NewUserRepository wires the store. index may be nil, in which case List fails.
func NewUserRepository(session Session, buckets *bucketing.Manager, sealer Sealer, index Indexer) *UserRepository {
	return &UserRepository{
		session: session,
		buckets: buckets,
		sealer:  sealer,
		index:   index,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// privateProfile is stored sealed in users.private_profile.
type privateProfile struct {
	Address     *models.Address `json:"address,omitempty"`
	DOB         *time.Time      `json:"dob,omitempty"`
	PhoneNumber string          `json:"phoneNumber,omitempty"`
}

func (p privateProfile) empty() bool {
	return p.Address == nil && p.DOB == nil && p.PhoneNumber == ""
}

func profileOf(u *models.User) privateProfile {
	return privateProfile{Address: u.Address, DOB: u.DOB, PhoneNumber: u.PhoneNumber}
}

func (r *UserRepository) sealProfile(ctx context.Context, p privateProfile) (string, error) {
	if p.empty() {
		return "", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return r.sealer.SealString(ctx, privateProfilePurpose, raw)
}

func (r *UserRepository) openProfile(ctx context.Context, column string) (privateProfile, error) {
	var p privateProfile
	raw, err := r.sealer.OpenString(ctx, column)
	if err != nil || raw == nil {
		return p, err
	}
	err = json.Unmarshal(raw, &p)
	return p, err
}

func (r *UserRepository) Insert(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	userUUID, err := gocql.ParseUUID(user.ID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now

	sealed, err := r.sealProfile(ctx, profileOf(user))
	if err != nil {
		return fmt.Errorf("failed to seal private profile: %w", err)
	}

	// The primary row is the identity claim; other claims are only taken by its winner.
	applied, _, err := r.session.ExecCAS(ctx, insertUserCQL,
		user.ClerkID, userUUID, user.Email, user.FirstName, user.LastName,
		user.WalletAddress, user.WalletID, user.WalletProvider, user.WalletChain,
		user.CountryISO, user.DisplayCurrency, sealed,
		string(user.KYCStatus), string(user.RiskLevel), user.RiskLevelUpdatedAt, string(user.Status),
		map[string]bool(user.Features), user.Consents, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if !applied {
		return &repository.DuplicateKeyError{Field: repository.FieldClerkID}
	}

	bucket := r.buckets.UserBucket(user.ID)
	if err := r.session.Exec(ctx, insertByIDCQL, bucket, userUUID, user.ClerkID); err != nil {
		r.rollbackInsert(ctx, user.ClerkID, bucket, userUUID, nil)
		return fmt.Errorf("failed to insert id lookup: %w", err)
	}

	claims := []claim{{emailIndex, user.Email}, {walletAddressIndex, user.WalletAddress}}
	if user.WalletID != "" {
		claims = append(claims, claim{walletIDIndex, user.WalletID})
	}

	taken, err := r.claimAll(ctx, user.ClerkID, claims)
	if err != nil {
		r.rollbackInsert(ctx, user.ClerkID, bucket, userUUID, taken)
		return err
	}

	util.Info("User created",
		util.Identity(user.ClerkID),
		zap.String("user_id", user.ID),
		zap.Int("user_bucket", bucket))

	r.reindex(ctx, user)
	return nil
}

// rollbackInsert undoes a partial Insert: claims first, then the id mapping,
// then the primary row, so a retry starts from nothing.
func (r *UserRepository) rollbackInsert(ctx context.Context, clerkID string, bucket int, userUUID gocql.UUID, taken []claim) {
	r.releaseAll(ctx, clerkID, taken)
	if err := r.session.Exec(ctx, deleteByIDCQL, bucket, userUUID); err != nil {
		util.Error("Failed to roll back id lookup", util.Identity(clerkID), zap.Error(err))
	}
	if err := r.session.Exec(ctx, deleteUserCQL, clerkID); err != nil {
		util.Error("Failed to roll back user row", util.Identity(clerkID), zap.Error(err))
	}
}

// claimAll takes every claim in order and returns those taken. On failure
// the caller releases the returned claims.
func (r *UserRepository) claimAll(ctx context.Context, clerkID string, claims []claim) ([]claim, error) {
	taken := make([]claim, 0, len(claims))
	for _, c := range claims {
		stmt := fmt.Sprintf(`INSERT INTO %s (%s, clerk_id) VALUES (?, ?) IF NOT EXISTS`, c.index.table, c.index.column)
		applied, existing, err := r.session.ExecCAS(ctx, stmt, c.value, clerkID)
		if err != nil {
			return taken, fmt.Errorf("failed to claim %s: %w", c.index.field, err)
		}
		if !applied {
			// a claim left behind by an earlier attempt for the same identity is still ours
			if owner, _ := existing["clerk_id"].(string); owner != clerkID {
				return taken, &repository.DuplicateKeyError{Field: c.index.field}
			}
			continue
		}
		taken = append(taken, c)
	}
	return taken, nil
}

func (r *UserRepository) releaseAll(ctx context.Context, clerkID string, claims []claim) {
	for _, c := range claims {
		stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s = ? IF clerk_id = ?`, c.index.table, c.index.column)
		if _, _, err := r.session.ExecCAS(ctx, stmt, c.value, clerkID); err != nil {
			util.Warn("Failed to release unique claim",
				util.Identity(clerkID),
				zap.String("field", c.index.field),
				zap.Error(err))
		}
	}
}

func (r *UserRepository) FindByIdentity(ctx context.Context, clerkID string) (*models.User, error) {
	u, _, err := r.load(ctx, clerkID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *UserRepository) FindPrivateByIdentity(ctx context.Context, clerkID string) (*models.User, error) {
	u, sealed, err := r.load(ctx, clerkID)
	if err != nil {
		return nil, err
	}
	p, err := r.openProfile(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open private profile: %w", err)
	}
	u.Address, u.DOB, u.PhoneNumber = p.Address, p.DOB, p.PhoneNumber
	return u, nil
}

// load reads the primary row. The private profile is returned still sealed.
func (r *UserRepository) load(ctx context.Context, clerkID string) (*models.User, string, error) {
	var (
		u                 models.User
		userUUID          gocql.UUID
		sealed            string
		kyc, risk, status string
		riskAt            time.Time
		features          map[string]bool
		consents          []models.Consent
	)

	err := r.session.Get(ctx, selectUserCQL, []interface{}{clerkID},
		&u.ClerkID, &userUUID, &u.Email, &u.FirstName, &u.LastName,
		&u.WalletAddress, &u.WalletID, &u.WalletProvider, &u.WalletChain,
		&u.CountryISO, &u.DisplayCurrency, &sealed,
		&kyc, &risk, &riskAt, &status,
		&features, &consents, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, "", repository.ErrNotFound
		}
		util.Error("Failed to load user", util.Identity(clerkID), zap.Error(err))
		return nil, "", fmt.Errorf("failed to load user: %w", err)
	}

	u.ID = userUUID.String()
	u.KYCStatus = models.KYCStatus(kyc)
	u.RiskLevel = models.RiskLevel(risk)
	u.Status = models.AccountStatus(status)
	if !riskAt.IsZero() {
		u.RiskLevelUpdatedAt = &riskAt
	}
	u.Features = models.Features(features)
	if u.Features == nil {
		u.Features = models.Features{}
	}
	u.Consents = consents
	if u.Consents == nil {
		u.Consents = []models.Consent{}
	}
	return &u, sealed, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	clerkID, err := r.identityForID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.FindByIdentity(ctx, clerkID)
}

func (r *UserRepository) identityForID(ctx context.Context, id string) (string, error) {
	userUUID, err := gocql.ParseUUID(id)
	if err != nil {
		return "", repository.ErrNotFound
	}

	var clerkID string
	err = r.session.Get(ctx, selectByIDCQL,
		[]interface{}{r.buckets.UserBucket(userUUID.String()), userUUID}, &clerkID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve user id: %w", err)
	}
	return clerkID, nil
}

// owner returns the identity holding value in idx, verified against the primary row
// so that a claim orphaned by a failed rollback does not count.
func (r *UserRepository) owner(ctx context.Context, idx uniqueIndex, value string) (*models.User, error) {
	var clerkID string
	stmt := fmt.Sprintf(`SELECT clerk_id FROM %s WHERE %s = ?`, idx.table, idx.column)
	if err := r.session.Get(ctx, stmt, []interface{}{value}, &clerkID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up %s: %w", idx.field, err)
	}

	u, err := r.FindByIdentity(ctx, clerkID)
	if err != nil {
		return nil, err
	}
	if (idx == emailIndex && u.Email != value) || (idx == walletAddressIndex && u.WalletAddress != value) {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.owner(ctx, emailIndex, email)
}

func (r *UserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return exists(r.owner(ctx, emailIndex, email))
}

func (r *UserRepository) ExistsByWalletAddress(ctx context.Context, address string) (bool, error) {
	return exists(r.owner(ctx, walletAddressIndex, address))
}

func exists(_ *models.User, err error) (bool, error) {
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Update applies update to one user. The write is conditional on the row's
// updated_at, so a concurrent writer forces a re-read instead of being overwritten
// and a deleted row is never recreated.
func (r *UserRepository) Update(ctx context.Context, sel repository.Selector, update repository.UserUpdate) (*models.User, error) {
	clerkID := sel.ClerkID
	if clerkID == "" {
		var err error
		if clerkID, err = r.identityForID(ctx, sel.ID); err != nil {
			return nil, err
		}
	}

	for attempt := 1; ; attempt++ {
		u, err := r.tryUpdate(ctx, clerkID, update)
		if !errors.Is(err, errConcurrentUpdate) || attempt == maxUpdateAttempts {
			return u, err
		}
		util.Debug("Retrying user update after concurrent write", util.Identity(clerkID), zap.Int("attempt", attempt))
	}
}

func (r *UserRepository) tryUpdate(ctx context.Context, clerkID string, update repository.UserUpdate) (*models.User, error) {
	current, err := r.FindPrivateByIdentity(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	var wanted, stale []claim
	if update.Email != nil && *update.Email != current.Email {
		wanted = append(wanted, claim{emailIndex, *update.Email})
		stale = append(stale, claim{emailIndex, current.Email})
	}
	if update.WalletAddress != nil && *update.WalletAddress != current.WalletAddress {
		wanted = append(wanted, claim{walletAddressIndex, *update.WalletAddress})
		stale = append(stale, claim{walletAddressIndex, current.WalletAddress})
	}
	if update.WalletID != nil && *update.WalletID != current.WalletID {
		if *update.WalletID != "" {
			wanted = append(wanted, claim{walletIDIndex, *update.WalletID})
		}
		if current.WalletID != "" {
			stale = append(stale, claim{walletIDIndex, current.WalletID})
		}
	}

	taken, err := r.claimAll(ctx, clerkID, wanted)
	if err != nil {
		r.releaseAll(ctx, clerkID, taken)
		return nil, err
	}

	assignments, args := BuildAssignments(&update)
	if touchesPrivateProfile(&update) {
		merged := profileOf(current)
		if update.Address != nil {
			merged.Address = update.Address
		}
		if update.DOB != nil {
			merged.DOB = update.DOB
		}
		if update.PhoneNumber != nil {
			merged.PhoneNumber = *update.PhoneNumber
		}
		sealed, err := r.sealProfile(ctx, merged)
		if err != nil {
			r.releaseAll(ctx, clerkID, taken)
			return nil, fmt.Errorf("failed to seal private profile: %w", err)
		}
		assignments = append(assignments, "private_profile = ?")
		args = append(args, sealed)
	}

	assignments = append(assignments, "updated_at = ?")
	args = append(args, r.now(), clerkID, current.UpdatedAt)
	stmt := "UPDATE users SET " + strings.Join(assignments, ", ") + " WHERE clerk_id = ? IF updated_at = ?"

	applied, existing, err := r.session.ExecCAS(ctx, stmt, args...)
	if err != nil {
		r.releaseAll(ctx, clerkID, taken)
		util.Error("Failed to update user", util.Identity(clerkID), zap.Error(err))
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if !applied {
		r.releaseAll(ctx, clerkID, taken)
		if seen, _ := existing["updated_at"].(time.Time); seen.IsZero() {
			return nil, repository.ErrNotFound
		}
		return nil, errConcurrentUpdate
	}
	r.releaseAll(ctx, clerkID, stale)

	refreshed, err := r.FindByIdentity(ctx, clerkID)
	if err != nil {
		return nil, err
	}
	r.reindex(ctx, refreshed)
	return refreshed, nil
}

func touchesPrivateProfile(u *repository.UserUpdate) bool {
	return u.Address != nil || u.DOB != nil || u.PhoneNumber != nil
}

// BuildAssignments renders the public columns of u as CQL SET clauses.
// Feature flags are written per map key.
func BuildAssignments(u *repository.UserUpdate) ([]string, []interface{}) {
	var (
		set  []string
		args []interface{}
	)
	add := func(column string, value interface{}) {
		set = append(set, column+" = ?")
		args = append(args, value)
	}

	if u.FirstName != nil {
		add("first_name", *u.FirstName)
	}
	if u.LastName != nil {
		add("last_name", *u.LastName)
	}
	if u.Email != nil {
		add("email", *u.Email)
	}
	if u.CountryISO != nil {
		add("country_iso", *u.CountryISO)
	}
	if u.DisplayCurrency != nil {
		add("display_currency", *u.DisplayCurrency)
	}
	if u.KYCStatus != nil {
		add("kyc_status", string(*u.KYCStatus))
	}
	if u.RiskLevel != nil {
		add("risk_level", string(*u.RiskLevel))
	}
	if u.RiskLevelUpdatedAt != nil {
		add("risk_level_updated_at", *u.RiskLevelUpdatedAt)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.WalletAddress != nil {
		add("wallet_address", *u.WalletAddress)
	}
	if u.WalletID != nil {
		add("wallet_id", *u.WalletID)
	}

	keys := make([]string, 0, len(u.Features))
	for k := range u.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set = append(set, "features[?] = ?")
		args = append(args, k, u.Features[k])
	}
	return set, args
}

func (r *UserRepository) AppendConsent(ctx context.Context, clerkID string, consent models.Consent) (*models.User, error) {
	applied, _, err := r.session.ExecCAS(ctx, appendConsentCQL, []models.Consent{consent}, r.now(), clerkID)
	if err != nil {
		util.Error("Failed to append consent",
			util.Identity(clerkID),
			zap.String("consent_type", consent.Type),
			zap.Error(err))
		return nil, fmt.Errorf("failed to append consent: %w", err)
	}
	if !applied {
		return nil, repository.ErrNotFound
	}
	return r.FindByIdentity(ctx, clerkID)
}

func (r *UserRepository) List(ctx context.Context, filter repository.ListFilter, offset, limit int) ([]*models.User, int64, error) {
	if r.index == nil {
		return nil, 0, errors.New("user listing requires the search index")
	}

	ids, total, err := r.index.Search(ctx, filter, offset, limit)
	if err != nil {
		return nil, 0, err
	}

	rows := make([]*models.User, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			u, err := r.FindByIdentity(gctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				return nil // index ahead of the store
			}
			rows[i] = u
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("failed to hydrate listed users: %w", err)
	}

	items := make([]*models.User, 0, len(rows))
	for _, u := range rows {
		if u != nil {
			items = append(items, u)
		}
	}
	return items, total, nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return r.session.HealthCheck(ctx)
}

func (r *UserRepository) reindex(ctx context.Context, u *models.User) {
	if r.index == nil {
		return
	}
	if err := r.index.Upsert(ctx, u); err != nil {
		util.Warn("Failed to update user search index", util.Identity(u.ClerkID), zap.Error(err))
	}
}
