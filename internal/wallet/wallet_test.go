package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haven-service/internal/config"
	"haven-service/internal/models"
)

// 32 zero bytes in base58.
const systemProgram = "11111111111111111111111111111111"

func TestValidSolanaAddress(t *testing.T) {
	assert.True(t, ValidSolanaAddress(systemProgram))
	assert.True(t, ValidSolanaAddress("So11111111111111111111111111111111111111112"))
	assert.False(t, ValidSolanaAddress("0x52908400098527886E0F7030069857D2E4169EE7"))
	assert.False(t, ValidSolanaAddress("pda_75736572"))
	assert.False(t, ValidSolanaAddress("O0Il"+systemProgram[4:]), "base58 excludes 0, O, I and l")
}

func TestValidateWallet(t *testing.T) {
	assert.NoError(t, ValidateWallet(models.WalletChainSolana, Wallet{Address: systemProgram, WalletID: "w1"}))
	assert.ErrorIs(t, ValidateWallet(models.WalletChainSolana, Wallet{Address: systemProgram}), ErrInvalidWallet)
	assert.ErrorIs(t, ValidateWallet("ethereum", Wallet{Address: systemProgram, WalletID: "w1"}), ErrUnsupportedChain)
}

func TestDevProvisionerIsDeterministic(t *testing.T) {
	ctx := context.Background()
	req := ProvisionRequest{ExternalUserID: "u2", Chain: models.WalletChainSolana}

	a, err := DevProvisioner{}.EnsureWallet(ctx, req)
	require.NoError(t, err)
	b, err := DevProvisioner{}.EnsureWallet(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := DevProvisioner{}.EnsureWallet(ctx, ProvisionRequest{ExternalUserID: "u3", Chain: models.WalletChainSolana})
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, other.Address)
}

func newPrivy(t *testing.T, handler http.HandlerFunc) *PrivyProvisioner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPrivyProvisioner(config.WalletConfig{
		PrivyBaseURL:   srv.URL,
		PrivyAppID:     "app_123",
		PrivyAppSecret: "secret",
		Timeout:        2 * time.Second,
	})
}

func TestPrivyProvisionerCreatesWallet(t *testing.T) {
	p := newPrivy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/wallets", r.URL.Path)
		assert.Equal(t, "app_123", r.Header.Get("privy-app-id"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "app_123", user)
		assert.Equal(t, "secret", pass)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "solana", body["chain_type"])

		_ = json.NewEncoder(w).Encode(map[string]string{"id": "wal_1", "address": systemProgram, "chain_type": "solana"})
	})

	w, err := p.EnsureWallet(context.Background(), ProvisionRequest{ExternalUserID: "u1", Chain: models.WalletChainSolana})
	require.NoError(t, err)
	assert.Equal(t, Wallet{Address: systemProgram, WalletID: "wal_1"}, w)
}

func TestPrivyProvisionerRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"missing id":    `{"address":"` + systemProgram + `"}`,
		"bad address":   `{"id":"wal_1","address":"not-a-wallet"}`,
		"wrong chain":   `{"id":"wal_1","address":"` + systemProgram + `","chain_type":"ethereum"}`,
		"not an object": `[1,2,3]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			p := newPrivy(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(payload))
			})
			_, err := p.EnsureWallet(context.Background(), ProvisionRequest{ExternalUserID: "u1", Chain: models.WalletChainSolana})
			assert.ErrorIs(t, err, ErrInvalidWallet)
		})
	}
}

func TestPrivyProvisionerUpstreamError(t *testing.T) {
	p := newPrivy(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := p.EnsureWallet(context.Background(), ProvisionRequest{ExternalUserID: "u1", Chain: models.WalletChainSolana})
	assert.ErrorIs(t, err, ErrProviderRejected)
}
