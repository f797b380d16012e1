package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"
	"go.uber.org/zap"

	"haven-service/internal/auth"
	"haven-service/internal/config"
	"haven-service/internal/models"
	"haven-service/internal/repository"
	"haven-service/internal/repository/memory"
	"haven-service/internal/service"
	"haven-service/internal/wallet"
	"haven-service/internal/webhook"
)

const adminToken = "admin-secret"

var webhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("handler-test-secret"))

type testServer struct {
	handler http.Handler
	key     *rsa.PrivateKey
	users   *service.UserService
}

type serverOptions struct {
	repo       repository.UserRepository
	wallets    wallet.Provisioner
	policy     service.CompletionPolicy
	production bool
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	if opts.repo == nil {
		opts.repo = memory.NewUserRepository()
	}
	if opts.wallets == nil {
		opts.wallets = wallet.DevProvisioner{}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	factory := service.NewServiceFactory(opts.repo, nil, nil, opts.wallets, nil, opts.policy)
	users := factory.UserService()

	processor, err := webhook.NewClerkProcessor(webhookSecret)
	require.NoError(t, err)
	pages, err := NewPageHandler(users)
	require.NoError(t, err)

	router := NewRouter(Routes{
		Onboarding: NewOnboardingHandler(factory.OnboardingService(), users, opts.production),
		Webhooks:   NewWebhookHandler(processor, webhook.NewIngester(users, nil)),
		Admin:      NewAdminHandler(users, adminToken, opts.production),
		Pages:      pages,
		Auth:       auth.NewVerifierFromKey(&key.PublicKey, config.AuthConfig{}),
	}, zap.NewNop())

	return &testServer{handler: router, key: key, users: users}
}

func (s *testServer) token(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func onboardingBody(clerkID string) map[string]interface{} {
	return map[string]interface{}{
		"clerkId":    clerkID,
		"email":      clerkID + "@example.com",
		"firstName":  "Ada",
		"countryISO": "ca",
		"address": map[string]string{
			"line1": "1 Main St", "city": "Toronto", "stateOrProvince": "ON", "postalCode": "M5V 1A1", "country": "ca",
		},
		"consents": []map[string]string{{"type": "tos", "version": "1.0.0"}},
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestOnboardingFlow(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	token := srv.token(t, "u1")

	rec := srv.do(t, http.MethodGet, "/api/v1/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode(t, rec)
	assert.Equal(t, true, me["ok"])
	assert.Nil(t, me["user"])

	rec = srv.do(t, http.MethodPost, "/api/v1/onboarding", token, onboardingBody("u1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "approved", body["kycStatus"])
	assert.Equal(t, "active", body["status"])
	assert.NotEmpty(t, body["walletAddress"])
	assert.Equal(t, true, body["features"].(map[string]interface{})["onramp"])

	rec = srv.do(t, http.MethodGet, "/api/v1/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]interface{})
	assert.Equal(t, "u1", user["clerkId"])
	assert.Equal(t, "approved", user["kycStatus"])
	assert.Equal(t, "active", user["status"])
	assert.NotContains(t, user, "email", "me returns the minimal profile only")
}

func TestOnboardingErrors(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodPost, "/api/v1/onboarding", "", onboardingBody("u1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/onboarding", srv.token(t, "u1"), onboardingBody("u2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Clerk user mismatch", decode(t, rec)["error"])

	body := onboardingBody("u1")
	delete(body, "address")
	rec = srv.do(t, http.MethodPost, "/api/v1/onboarding", srv.token(t, "u1"), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Incomplete address", decode(t, rec)["error"])

	rec = srv.do(t, http.MethodPost, "/api/v1/onboarding", srv.token(t, "u1"), onboardingBody("u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	taken := onboardingBody("u3")
	taken["email"] = "U1@example.com"
	rec = srv.do(t, http.MethodPost, "/api/v1/onboarding", srv.token(t, "u3"), taken)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Email is already registered to another user.", decode(t, rec)["error"])
}

type downProvisioner struct{}

func (downProvisioner) EnsureWallet(context.Context, wallet.ProvisionRequest) (wallet.Wallet, error) {
	return wallet.Wallet{}, errors.New("privy returned 503")
}

func TestOnboardingWalletFailureIsBadGateway(t *testing.T) {
	srv := newTestServer(t, serverOptions{wallets: downProvisioner{}, production: true})

	rec := srv.do(t, http.MethodPost, "/api/v1/onboarding", srv.token(t, "u1"), onboardingBody("u1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Wallet provisioning failed", decode(t, rec)["error"])
}

// racingRepo holds every insert until both competing requests have reached it,
// so both pass the "not found" pre-check before either writes.
type racingRepo struct {
	*memory.UserRepository
	arrived sync.WaitGroup
}

func (r *racingRepo) Insert(ctx context.Context, u *models.User) error {
	r.arrived.Done()
	r.arrived.Wait()
	return r.UserRepository.Insert(ctx, u)
}

func TestConcurrentOnboardingSameIdentity(t *testing.T) {
	repo := &racingRepo{UserRepository: memory.NewUserRepository()}
	repo.arrived.Add(2)
	srv := newTestServer(t, serverOptions{repo: repo})
	token := srv.token(t, "u2")

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = srv.do(t, http.MethodPost, "/api/v1/onboarding", token, onboardingBody("u2")).Code
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, codes)

	res, err := srv.users.List(context.Background(), service.ListQuery{PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total, "exactly one record for the identity")
}

func signedWebhook(t *testing.T, msgID string, payload []byte) *http.Request {
	t.Helper()
	wh, err := svix.NewWebhook(webhookSecret)
	require.NoError(t, err)
	now := time.Now()
	sig, err := wh.Sign(msgID, now, payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/clerk", bytes.NewReader(payload))
	req.Header.Set("svix-id", msgID)
	req.Header.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("svix-signature", sig)
	return req
}

func TestClerkWebhook(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	rec := srv.do(t, http.MethodPost, "/api/v1/onboarding", srv.token(t, "u1"), onboardingBody("u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/webhooks/clerk", "", map[string]string{"type": "user.deleted"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload := []byte(`{"type":"user.deleted","data":{"id":"u1"}}`)
	req := signedWebhook(t, "msg_1", payload)
	req.Header.Set("svix-signature", "v1,bm9wZQ==")
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, signedWebhook(t, "msg_2", []byte(`{"type":"user.created","data":{"id":"u9"}}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, signedWebhook(t, "msg_3", payload))
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := srv.users.GetByIdentity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, u.Status)
}

func TestAdminRoutes(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	for _, id := range []string{"u1", "u2"} {
		rec := srv.do(t, http.MethodPost, "/api/v1/onboarding", srv.token(t, id), onboardingBody(id))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := srv.do(t, http.MethodGet, "/api/v1/admin/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users?pageSize=500&page=0&country=ca", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Success bool           `json:"success"`
		Data    []*models.User `json:"data"`
		Meta    Meta           `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.True(t, list.Success)
	assert.Len(t, list.Data, 2)
	assert.Equal(t, Meta{Page: 1, PageSize: 100, Total: 2, TotalPages: 1}, list.Meta)

	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, Meta{Page: 1, PageSize: service.DefaultPageSize, Total: 2, TotalPages: 1}, list.Meta)

	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users?pageSize=-5", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, Meta{Page: 1, PageSize: 1, Total: 2, TotalPages: 2}, list.Meta)
	assert.Len(t, list.Data, 1)

	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users/not-a-uuid", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid user id", decode(t, rec)["error"])

	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users/"+list.Data[0].ID, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users/by-email?email=U1@example.com", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", decode(t, rec)["data"].(map[string]interface{})["clerkId"])

	rec = srv.do(t, http.MethodGet, "/api/v1/admin/users/identity/u1", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode(t, rec)["data"].(map[string]interface{})["address"], "admin reads the private profile")

	rec = srv.do(t, http.MethodPatch, "/api/v1/admin/users/identity/u1", adminToken, map[string]interface{}{})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = srv.do(t, http.MethodPatch, "/api/v1/admin/users/identity/ghost", adminToken, map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPatch, "/api/v1/admin/users/identity/u1", adminToken,
		map[string]interface{}{"riskLevel": "high", "features": map[string]interface{}{"cards": true}})
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, "high", data["riskLevel"])
	assert.NotEmpty(t, data["riskLevelUpdatedAt"])

	rec = srv.do(t, http.MethodPost, "/api/v1/admin/users/identity/u1/consents", adminToken,
		map[string]string{"type": "risk", "version": "2.0.0"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	for i := 0; i < 2; i++ {
		rec = srv.do(t, http.MethodDelete, "/api/v1/admin/users/identity/u2", adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "blocked", decode(t, rec)["data"].(map[string]interface{})["status"])
	}
}

func TestDashboardStates(t *testing.T) {
	srv := newTestServer(t, serverOptions{policy: service.ManualReview{}})
	token := srv.token(t, "u1")

	rec := srv.do(t, http.MethodGet, "/dashboard", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodGet, "/dashboard", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "We still need a few details.")
	assert.Contains(t, rec.Body.String(), `href="/onboarding"`)

	rec = srv.do(t, http.MethodPost, "/api/v1/onboarding", token, onboardingBody("u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/dashboard", token, nil)
	assert.Contains(t, rec.Body.String(), "Almost there")
	assert.Contains(t, rec.Body.String(), "Continue onboarding")

	_, err := srv.users.SetKYCStatus(context.Background(), "u1", models.KYCStatusApproved)
	require.NoError(t, err)
	rec = srv.do(t, http.MethodGet, "/dashboard", token, nil)
	assert.Contains(t, rec.Body.String(), "<h1>Dashboard</h1>")
	assert.Contains(t, rec.Body.String(), "u1@example.com")
}

func TestOnboardingPageRenders(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	rec := srv.do(t, http.MethodGet, "/onboarding", srv.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `data-clerk-id="u1"`)
	assert.Contains(t, rec.Body.String(), "/api/v1/onboarding")
}

type fakeHealth map[string]error

func (f fakeHealth) HealthCheck(context.Context) map[string]error { return f }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(fakeHealth{})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	healthHandler(fakeHealth{"scylla": errors.New("no hosts")})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no hosts")
}

func TestErrorMessageHidesInternalsInProduction(t *testing.T) {
	internal := errors.New("gocql: no hosts available")
	assert.Equal(t, "Internal error", errorMessage(internal, true))
	assert.Equal(t, internal.Error(), errorMessage(internal, false))

	_, err := service.NewUserService(memory.NewUserRepository(), nil, nil).GetByID(context.Background(), "bad")
	assert.Equal(t, "Invalid user id", errorMessage(err, true))
	assert.Equal(t, http.StatusBadRequest, getStatusCode(err))
}
