package service

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"vault-liquidator/internal/risk"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BorrowerRecord renders one borrower in settlement units. The enumerate-only
// artifact is a JSON array of these records.
type BorrowerRecord struct {
	Address            string `json:"address"`
	BorrowValue        string `json:"borrowValue"`
	CollateralValue    string `json:"collateralValue"`
	CollateralValueRaw string `json:"collateralValueRaw"`
	Liquidity          string `json:"liquidity"`
	Shortfall          string `json:"shortfall"`
	BadDebt            string `json:"badDebt"`
	LTV                string `json:"ltv"`
	LTVPercent         string `json:"ltvPercent"`
	LiquidationType    string `json:"liquidationType"`
	LiquidationAmount  string `json:"liquidationAmount"`
	VaultBalance       string `json:"vaultBalance"`
	LiquidityInVault   bool   `json:"liquidityInVault"`
}

// BuildArtifact converts an enumeration report to its artifact records.
func BuildArtifact(report Report) []BorrowerRecord {
	records := make([]BorrowerRecord, 0, len(report.Entries))
	for _, entry := range report.Entries {
		snap := entry.Snapshot
		vault := risk.VaultState{Balance: report.VaultBalance, Ceiling: report.Ceiling}
		if entry.Vault.Balance != nil {
			vault = entry.Vault
		}
		records = append(records, BorrowerRecord{
			Address:            snap.Borrower.Hex(),
			BorrowValue:        risk.ToDecimal(snap.BorrowValue).String(),
			CollateralValue:    risk.ToDecimal(snap.CollateralValueAdjusted).String(),
			CollateralValueRaw: risk.ToDecimal(snap.CollateralValueRaw).String(),
			Liquidity:          risk.ToDecimal(snap.AccountLiquidity).String(),
			Shortfall:          risk.ToDecimal(snap.Shortfall).String(),
			BadDebt:            risk.ToDecimal(snap.BadDebt).String(),
			LTV:                risk.ToDecimal(snap.LTV).String(),
			LTVPercent:         snap.LTVPercent.StringFixed(2),
			LiquidationType:    entry.Plan.Type.String(),
			LiquidationAmount:  risk.ToDecimal(entry.Plan.Amount).String(),
			VaultBalance:       risk.ToDecimal(vault.Available()).String(),
			LiquidityInVault:   risk.Gate(entry.Plan, vault),
		})
	}
	return records
}

// WriteArtifact writes the report's records as an indented JSON array.
func WriteArtifact(w io.Writer, report Report) error {
	payload, err := json.MarshalIndent(BuildArtifact(report), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if _, err := w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}
