package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"

	"haven-service/internal/models"
	"haven-service/internal/repository"
	"haven-service/internal/repository/memory"
	"haven-service/internal/service"
)

var testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("clerk-webhook-test-secret"))

func signedHeaders(t *testing.T, msgID string, payload []byte) http.Header {
	t.Helper()
	wh, err := svix.NewWebhook(testSecret)
	require.NoError(t, err)
	now := time.Now()
	sig, err := wh.Sign(msgID, now, payload)
	require.NoError(t, err)

	h := http.Header{}
	h.Set(HeaderID, msgID)
	h.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	h.Set(HeaderSignature, sig)
	return h
}

func newProcessor(t *testing.T) *ClerkProcessor {
	t.Helper()
	p, err := NewClerkProcessor(testSecret)
	require.NoError(t, err)
	return p
}

func TestVerifyAndParse(t *testing.T) {
	p := newProcessor(t)
	payload := []byte(`{"type":"user.updated","data":{"id":"user_1","first_name":"Ada","last_name":null,
		"primary_email_address_id":"e2","email_addresses":[{"id":"e1","email_address":"old@example.com"},{"id":"e2","email_address":" Ada@Example.com "}]}}`)

	evt, err := p.VerifyAndParse(payload, signedHeaders(t, "msg_1", payload))
	require.NoError(t, err)
	assert.Equal(t, "msg_1", evt.MessageID)
	assert.Equal(t, EventUserUpdated, evt.Type)
	assert.Equal(t, "user_1", evt.Data.ID)
	assert.Equal(t, "ada@example.com", evt.Data.PrimaryEmail())
	require.NotNil(t, evt.Data.FirstName)
	assert.Nil(t, evt.Data.LastName)
}

func TestVerifyAndParseRejects(t *testing.T) {
	p := newProcessor(t)
	payload := []byte(`{"type":"user.deleted","data":{"id":"user_1"}}`)

	_, err := p.VerifyAndParse(payload, http.Header{})
	assert.ErrorIs(t, err, ErrMissingHeaders)

	h := signedHeaders(t, "msg_1", payload)
	h.Set(HeaderSignature, "v1,"+base64.StdEncoding.EncodeToString([]byte("forged")))
	_, err = p.VerifyAndParse(payload, h)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	h = signedHeaders(t, "msg_1", payload)
	_, err = p.VerifyAndParse([]byte(`{"type":"user.deleted","data":{"id":"user_2"}}`), h)
	assert.ErrorIs(t, err, ErrInvalidSignature, "payload must match the signature")

	bad := []byte(`{"type":"user.updated","data":"nope"}`)
	_, err = p.VerifyAndParse(bad, signedHeaders(t, "msg_2", bad))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	noID := []byte(`{"type":"user.updated","data":{"first_name":"Ada"}}`)
	_, err = p.VerifyAndParse(noID, signedHeaders(t, "msg_3", noID))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestPrimaryEmailFallsBackToFirst(t *testing.T) {
	missing := "e9"
	d := UserData{PrimaryEmailAddressID: &missing, EmailAddresses: []EmailAddress{{ID: "e1", EmailAddress: "First@Example.com"}}}
	assert.Equal(t, "first@example.com", d.PrimaryEmail())
	assert.Empty(t, UserData{}.PrimaryEmail())
}

type memoryGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (g *memoryGuard) Claim(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[id] {
		return false, nil
	}
	g.seen[id] = true
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
	return nil
}

func seededUsers(t *testing.T) *service.UserService {
	t.Helper()
	users := service.NewUserService(memory.NewUserRepository(), nil, nil)
	_, err := users.CreateOrFetch(context.Background(), service.CreateUserInput{
		ClerkID:       "user_1",
		Email:         "old@example.com",
		WalletAddress: "W1",
		CountryISO:    "CA",
	})
	require.NoError(t, err)
	return users
}

func TestIngesterHandlesLifecycle(t *testing.T) {
	users := seededUsers(t)
	ing := NewIngester(users, &memoryGuard{seen: map[string]bool{}})
	ctx := context.Background()
	name := "Ada"

	out, err := ing.Handle(ctx, &Event{MessageID: "m0", Type: EventUserCreated, Data: UserData{ID: "user_9"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	_, err = users.GetByIdentity(ctx, "user_9")
	assert.ErrorIs(t, err, service.ErrNotFound, "signup does not create a record")

	out, err = ing.Handle(ctx, &Event{MessageID: "m1", Type: EventUserUpdated, Data: UserData{
		ID:             "user_1",
		FirstName:      &name,
		EmailAddresses: []EmailAddress{{ID: "e1", EmailAddress: "NEW@example.com"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)

	u, err := users.GetByIdentity(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	assert.Equal(t, "Ada", u.FirstName)

	out, err = ing.Handle(ctx, &Event{MessageID: "m2", Type: EventUserUpdated, Data: UserData{ID: "ghost", FirstName: &name}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out, "users who never onboarded are skipped")

	out, err = ing.Handle(ctx, &Event{MessageID: "m3", Type: EventUserDeleted, Data: UserData{ID: "user_1"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)
	u, err = users.GetByIdentity(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, u.Status)

	out, err = ing.Handle(ctx, &Event{MessageID: "m4", Type: EventUserDeleted, Data: UserData{ID: "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	out, err = ing.Handle(ctx, &Event{MessageID: "m5", Type: "session.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
}

func TestIngesterSkipsReplays(t *testing.T) {
	users := seededUsers(t)
	ing := NewIngester(users, &memoryGuard{seen: map[string]bool{}})
	evt := &Event{MessageID: "m1", Type: EventUserDeleted, Data: UserData{ID: "user_1"}}

	out, err := ing.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)

	out, err = ing.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
}

type brokenStore struct{}

func (brokenStore) Patch(context.Context, repository.Selector, service.UserPatch) (*models.User, error) {
	return nil, errors.New("scylla timeout")
}

func (brokenStore) SoftDelete(context.Context, string) (*models.User, error) {
	return nil, errors.New("scylla timeout")
}

func TestIngesterReleasesClaimOnFailure(t *testing.T) {
	guard := &memoryGuard{seen: map[string]bool{}}
	ing := NewIngester(brokenStore{}, guard)
	evt := &Event{MessageID: "m1", Type: EventUserDeleted, Data: UserData{ID: "user_1"}}

	_, err := ing.Handle(context.Background(), evt)
	require.Error(t, err)
	assert.False(t, guard.seen["m1"], "a failed delivery must be retryable")
}
