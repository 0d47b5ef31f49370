package risk

import "math/big"

// VaultState is the standby liquidity available for a liquidation.
type VaultState struct {
	Balance *big.Int
	// Ceiling optionally caps the usable balance during staged rollouts.
	Ceiling *big.Int
}

// Available returns the balance after applying the ceiling.
func (v VaultState) Available() *big.Int {
	balance := orZero(v.Balance)
	if v.Ceiling != nil && balance.Cmp(v.Ceiling) > 0 {
		return new(big.Int).Set(v.Ceiling)
	}
	return new(big.Int).Set(balance)
}

// Gate reports whether standby liquidity covers the plan amount. It reserves nothing.
func Gate(plan Plan, vault VaultState) bool {
	return vault.Available().Cmp(orZero(plan.Amount)) >= 0
}
