package scylla

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haven-service/internal/bucketing"
	"haven-service/internal/config"
	"haven-service/internal/models"
	"haven-service/internal/repository"
)

func TestBuildAssignmentsOnlyPresentFields(t *testing.T) {
	status := models.StatusActive
	email := "a@example.com"

	set, args := BuildAssignments(&repository.UserUpdate{Email: &email, Status: &status})

	assert.Equal(t, []string{"email = ?", "status = ?"}, set)
	assert.Equal(t, []interface{}{"a@example.com", "active"}, args)
}

func TestBuildAssignmentsFeaturesPerKey(t *testing.T) {
	risk := models.RiskHigh
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	set, args := BuildAssignments(&repository.UserUpdate{
		RiskLevel:          &risk,
		RiskLevelUpdatedAt: &at,
		Features:           map[string]bool{"onramp": true, "cards": false},
	})

	assert.Equal(t, []string{
		"risk_level = ?",
		"risk_level_updated_at = ?",
		"features[?] = ?",
		"features[?] = ?",
	}, set)
	assert.Equal(t, []interface{}{"high", at, "cards", false, "onramp", true}, args)
}

func TestBuildAssignmentsSkipsPrivateFields(t *testing.T) {
	phone := "+14165550100"
	set, _ := BuildAssignments(&repository.UserUpdate{PhoneNumber: &phone, Address: &models.Address{Line1: "x"}})

	assert.Empty(t, set)
	assert.True(t, touchesPrivateProfile(&repository.UserUpdate{PhoneNumber: &phone}))
}

func TestSchemaStatements(t *testing.T) {
	stmts := SchemaStatements()

	assert.Len(t, stmts, 6)
	for _, s := range stmts {
		assert.True(t, strings.HasPrefix(s, "CREATE "), s)
		assert.Contains(t, s, "IF NOT EXISTS")
	}
}

func TestPrivateProfileEmpty(t *testing.T) {
	assert.True(t, privateProfile{}.empty())
	assert.False(t, profileOf(&models.User{PhoneNumber: "+1416"}).empty())
}

type plainSealer struct{}

func (plainSealer) SealString(_ context.Context, _ string, plaintext []byte) (string, error) {
	return string(plaintext), nil
}

func (plainSealer) OpenString(_ context.Context, column string) ([]byte, error) {
	if column == "" {
		return nil, nil
	}
	return []byte(column), nil
}

func newRepo(t *testing.T) (*UserRepository, *fakeSession) {
	t.Helper()
	fake := newFakeSession()
	buckets := bucketing.NewManager(config.BucketingConfig{UserBuckets: 4, EventBuckets: 4})
	return NewUserRepository(fake, buckets, plainSealer{}, nil), fake
}

func newUser(clerkID, email, wallet string) *models.User {
	u := &models.User{ClerkID: clerkID, Email: email, WalletAddress: wallet, CountryISO: "CA"}
	u.ApplyDefaults()
	return u
}

func assertDuplicate(t *testing.T, err error, field string) {
	t.Helper()
	got, ok := repository.IsDuplicateKey(err)
	require.True(t, ok, "expected a duplicate key error, got %v", err)
	assert.Equal(t, field, got)
}

func TestInsertAndFind(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	u := newUser("u1", "a@example.com", "W1")
	u.PhoneNumber = "+14165550100"
	require.NoError(t, repo.Insert(ctx, u))
	require.NotEmpty(t, u.ID)

	byID, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", byID.ClerkID)
	assert.Empty(t, byID.PhoneNumber, "public read leaves the profile sealed")

	private, err := repo.FindPrivateByIdentity(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "+14165550100", private.PhoneNumber)

	byEmail, err := repo.FindByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	ok, err := repo.ExistsByWalletAddress(ctx, "W1")
	require.NoError(t, err)
	assert.True(t, ok)

	assertDuplicate(t, repo.Insert(ctx, newUser("u1", "other@example.com", "W9")), repository.FieldClerkID)
}

func TestInsertConflictRollsBackEverything(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newUser("u1", "a@example.com", "W1")))

	// the email claim succeeds, the wallet claim collides
	loser := newUser("u2", "b@example.com", "W1")
	assertDuplicate(t, repo.Insert(ctx, loser), repository.FieldWalletAddress)

	_, err := repo.FindByIdentity(ctx, "u2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.FindByID(ctx, loser.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NotContains(t, fake.claims["user_emails"], "b@example.com")
	assert.Len(t, fake.byID, 1)

	assertDuplicate(t, repo.Insert(ctx, newUser("u3", "a@example.com", "W3")), repository.FieldEmail)
	require.NoError(t, repo.Insert(ctx, newUser("u2", "b@example.com", "W2")))
}

func TestInsertIDLookupFailureRollsBack(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()

	failed := false
	fake.fail = func(stmt string) error {
		if stmt == insertByIDCQL && !failed {
			failed = true
			return errors.New("write timeout")
		}
		return nil
	}

	u := newUser("u1", "a@example.com", "W1")
	require.ErrorContains(t, repo.Insert(ctx, u), "write timeout")

	_, err := repo.FindByIdentity(ctx, "u1")
	assert.ErrorIs(t, err, repository.ErrNotFound, "no row without an id mapping")
	exists, err := repo.ExistsByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.Insert(ctx, u))
	got, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ClerkID)
}

func TestInsertClaimFailureRemovesIDLookup(t *testing.T) {
	repo, fake := newRepo(t)
	fake.fail = func(stmt string) error {
		if strings.HasPrefix(stmt, "INSERT INTO user_wallet_addresses") {
			return errors.New("unavailable")
		}
		return nil
	}

	require.Error(t, repo.Insert(context.Background(), newUser("u1", "a@example.com", "W1")))
	assert.Empty(t, fake.byID)
	assert.Empty(t, fake.users)
	assert.Empty(t, fake.claims["user_emails"])
}

func TestInsertKeepsOwnLeftoverClaim(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()
	fake.claimTable("user_emails")["a@example.com"] = "u1"
	fake.claimTable("user_emails")["b@example.com"] = "u9"

	require.NoError(t, repo.Insert(ctx, newUser("u1", "a@example.com", "W1")))
	assertDuplicate(t, repo.Insert(ctx, newUser("u2", "b@example.com", "W2")), repository.FieldEmail)
}

func TestUpdateMovesClaims(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newUser("u1", "a@example.com", "W1")))
	require.NoError(t, repo.Insert(ctx, newUser("u2", "b@example.com", "W2")))

	email := "c@example.com"
	u, err := repo.Update(ctx, repository.ByIdentity("u1"), repository.UserUpdate{Email: &email})
	require.NoError(t, err)
	assert.Equal(t, email, u.Email)
	assert.Equal(t, "u1", fake.claims["user_emails"][email])
	assert.NotContains(t, fake.claims["user_emails"], "a@example.com")

	_, err = repo.Update(ctx, repository.ByIdentity("u2"), repository.UserUpdate{Email: &email})
	assertDuplicate(t, err, repository.FieldEmail)
	still, err := repo.FindByIdentity(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", still.Email)

	freed := "a@example.com"
	_, err = repo.Update(ctx, repository.ByIdentity("u2"), repository.UserUpdate{Email: &freed})
	require.NoError(t, err)
}

func TestUpdateDoesNotRecreateDeletedRow(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newUser("u1", "a@example.com", "W1")))

	fake.before = func(f *fakeSession, stmt string) {
		if strings.HasPrefix(stmt, "UPDATE users SET") {
			delete(f.users, "u1")
		}
	}

	email := "new@example.com"
	_, err := repo.Update(ctx, repository.ByIdentity("u1"), repository.UserUpdate{Email: &email})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, fake.users)
	assert.NotContains(t, fake.claims["user_emails"], email, "claim taken for the update is released")
}

func TestUpdateRetriesAfterConcurrentWrite(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newUser("u1", "a@example.com", "W1")))

	raced := false
	fake.before = func(f *fakeSession, stmt string) {
		if strings.HasPrefix(stmt, "UPDATE users SET") && !raced {
			raced = true
			row := f.users["u1"]
			row["last_name"] = "Lovelace"
			row["updated_at"] = row["updated_at"].(time.Time).Add(time.Second)
		}
	}

	first := "Ada"
	u, err := repo.Update(ctx, repository.ByIdentity("u1"), repository.UserUpdate{FirstName: &first})
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.FirstName)
	assert.Equal(t, "Lovelace", u.LastName, "the concurrent write survives")
	assert.Equal(t, 2, fake.count("UPDATE users SET"))
}

func TestUpdateGivesUpAfterRepeatedRaces(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newUser("u1", "a@example.com", "W1")))

	fake.before = func(f *fakeSession, stmt string) {
		if strings.HasPrefix(stmt, "UPDATE users SET") {
			row := f.users["u1"]
			row["updated_at"] = row["updated_at"].(time.Time).Add(time.Second)
		}
	}

	first := "Ada"
	_, err := repo.Update(ctx, repository.ByIdentity("u1"), repository.UserUpdate{FirstName: &first})
	assert.ErrorIs(t, err, errConcurrentUpdate)
	assert.Equal(t, maxUpdateAttempts, fake.count("UPDATE users SET"))
}

func TestUpdateMergesPrivateProfile(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	u := newUser("u1", "a@example.com", "W1")
	u.PhoneNumber = "+14165550100"
	require.NoError(t, repo.Insert(ctx, u))

	addr := &models.Address{Line1: "1 Main", City: "Toronto", StateOrProvince: "ON", PostalCode: "M5V", Country: "CA"}
	_, err := repo.Update(ctx, repository.ByIdentity("u1"), repository.UserUpdate{Address: addr})
	require.NoError(t, err)

	private, err := repo.FindPrivateByIdentity(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "+14165550100", private.PhoneNumber)
	assert.Equal(t, addr, private.Address)
}

func TestAppendConsentRequiresRow(t *testing.T) {
	repo, fake := newRepo(t)
	ctx := context.Background()
	consent := models.Consent{Type: "tos", Version: "1.0.0", AcceptedAt: time.Now().UTC()}

	_, err := repo.AppendConsent(ctx, "ghost", consent)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, fake.users)

	require.NoError(t, repo.Insert(ctx, newUser("u1", "a@example.com", "W1")))
	u, err := repo.AppendConsent(ctx, "u1", consent)
	require.NoError(t, err)
	require.Len(t, u.Consents, 1)
	assert.Equal(t, "tos", u.Consents[0].Type)
}
