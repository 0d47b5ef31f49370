package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// Vault binds the liquidation vault and its settlement token.
type Vault struct {
	client *Client
	vault  common.Address
	token  common.Address
}

// NewVault binds vault and settlement token addresses to a client.
func NewVault(client *Client, vault, token common.Address) *Vault {
	return &Vault{client: client, vault: vault, token: token}
}

// Address returns the vault contract address.
func (v *Vault) Address() common.Address {
	return v.vault
}

// StandbyBalance returns the settlement token balance held by the vault.
func (v *Vault) StandbyBalance(ctx context.Context) (*big.Int, error) {
	balance, err := v.client.BalanceOf(ctx, v.token, v.vault)
	if err != nil {
		return nil, fmt.Errorf("vault balance: %w", err)
	}
	return balance, nil
}

// Liquidate calls liquidateLstBorrower and waits for the receipt.
func (v *Vault) Liquidate(ctx context.Context, borrower common.Address, amount *big.Int, swapToInput, flashloan bool) (common.Hash, error) {
	return v.client.transact(ctx, vaultABI, v.vault, "liquidateLstBorrower", borrower, amount, swapToInput, flashloan)
}

// EnsureApproval grants the vault an unlimited allowance on the settlement token
// unless the signer already holds at least half of it. Returns the approval
// transaction hash, or the zero hash when nothing was sent.
func (v *Vault) EnsureApproval(ctx context.Context) (common.Hash, error) {
	if !v.client.CanSign() {
		return common.Hash{}, ErrNoSigner
	}

	current, err := v.client.Allowance(ctx, v.token, v.client.From(), v.vault)
	if err != nil {
		return common.Hash{}, fmt.Errorf("read allowance: %w", err)
	}

	half := new(big.Int).Rsh(math.MaxBig256, 1)
	if current.Cmp(half) >= 0 {
		return common.Hash{}, nil
	}

	hash, err := v.client.transact(ctx, erc20ABI, v.token, "approve", v.vault, new(big.Int).Set(math.MaxBig256))
	if err != nil {
		return hash, fmt.Errorf("approve vault: %w", err)
	}
	return hash, nil
}
