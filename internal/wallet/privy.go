package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"haven-service/internal/config"
	"haven-service/internal/util"
)

// PrivyProvisioner creates server-side embedded wallets through the Privy REST API.
type PrivyProvisioner struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
}

func NewPrivyProvisioner(cfg config.WalletConfig) *PrivyProvisioner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PrivyProvisioner{
		baseURL:    strings.TrimRight(cfg.PrivyBaseURL, "/"),
		appID:      cfg.PrivyAppID,
		appSecret:  cfg.PrivyAppSecret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createWalletRequest struct {
	ChainType string `json:"chain_type"`
}

// privyWallet is the provider payload. Fields are checked by ValidateWallet
// before anything is returned to callers.
type privyWallet struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	ChainType string `json:"chain_type"`
}

func (p *PrivyProvisioner) EnsureWallet(ctx context.Context, req ProvisionRequest) (Wallet, error) {
	body, err := json.Marshal(createWalletRequest{ChainType: req.Chain})
	if err != nil {
		return Wallet{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/wallets", bytes.NewReader(body))
	if err != nil {
		return Wallet{}, fmt.Errorf("failed to build privy request: %w", err)
	}
	httpReq.SetBasicAuth(p.appID, p.appSecret)
	httpReq.Header.Set("privy-app-id", p.appID)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Wallet{}, fmt.Errorf("privy request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Wallet{}, fmt.Errorf("failed to read privy response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.Warn("Privy rejected wallet creation",
			util.Identity(req.ExternalUserID),
			zap.Int("status", resp.StatusCode))
		return Wallet{}, fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
	}

	w, err := parsePrivyWallet(raw, req.Chain)
	if err != nil {
		return Wallet{}, err
	}

	util.Info("Provisioned wallet",
		util.Identity(req.ExternalUserID),
		zap.String("wallet_id", w.WalletID),
		zap.String("chain", req.Chain),
		zap.Duration("took", time.Since(start)))
	return w, nil
}

func parsePrivyWallet(raw []byte, chain string) (Wallet, error) {
	var pw privyWallet
	if err := json.Unmarshal(raw, &pw); err != nil {
		return Wallet{}, fmt.Errorf("%w: malformed response", ErrInvalidWallet)
	}
	if pw.ChainType != "" && pw.ChainType != chain {
		return Wallet{}, fmt.Errorf("%w: chain %q, want %q", ErrInvalidWallet, pw.ChainType, chain)
	}
	w := Wallet{Address: pw.Address, WalletID: pw.ID}
	if err := ValidateWallet(chain, w); err != nil {
		return Wallet{}, err
	}
	return w, nil
}
