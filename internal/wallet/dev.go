package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/mr-tron/base58"
)

// DevProvisioner derives a stable wallet from the identity id without any
// network call. Local development only: nobody holds the keys.
type DevProvisioner struct{}

func (DevProvisioner) EnsureWallet(_ context.Context, req ProvisionRequest) (Wallet, error) {
	sum := sha256.Sum256([]byte("haven-dev-wallet:" + req.ExternalUserID))
	w := Wallet{
		Address:  base58.Encode(sum[:]),
		WalletID: "dev_" + hex.EncodeToString(sum[:8]),
	}
	return w, ValidateWallet(req.Chain, w)
}
