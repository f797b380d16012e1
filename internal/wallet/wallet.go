// Package wallet provisions custodial wallets for users.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"haven-service/internal/models"
)

var (
	ErrInvalidWallet    = errors.New("wallet provider returned an invalid wallet")
	ErrUnsupportedChain = errors.New("unsupported wallet chain")
	ErrProviderRejected = errors.New("wallet provider rejected the request")
)

type ProvisionRequest struct {
	ExternalUserID string
	Chain          string
	Email          string
	FirstName      string
	LastName       string
}

type Wallet struct {
	Address  string
	WalletID string
}

// Provisioner obtains a new custodial wallet. The returned wallet has
// already passed ValidateWallet for the requested chain.
type Provisioner interface {
	EnsureWallet(ctx context.Context, req ProvisionRequest) (Wallet, error)
}

// ValidateWallet checks a provider-supplied wallet before it is trusted.
func ValidateWallet(chain string, w Wallet) error {
	if strings.TrimSpace(w.WalletID) == "" {
		return fmt.Errorf("%w: missing wallet id", ErrInvalidWallet)
	}
	switch chain {
	case models.WalletChainSolana:
		if !ValidSolanaAddress(w.Address) {
			return fmt.Errorf("%w: %q is not a solana address", ErrInvalidWallet, w.Address)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	return nil
}

// ValidSolanaAddress reports whether addr is a base58-encoded 32-byte public key.
func ValidSolanaAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	raw, err := base58.Decode(addr)
	return err == nil && len(raw) == 32
}
