package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"vault-liquidator/internal/app"
)

var (
	simulateBorrow     string
	simulateCollateral string
	simulateShortfall  string
	simulateBadDebt    string
	simulateLTV        string
	simulateVault      string
	simulateNotify     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一个仓位的清算分类，可选发送告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts app.SimulateOptions
		var err error
		if opts.BorrowValue, err = parseDecimalFlag("borrow", simulateBorrow); err != nil {
			return err
		}
		if opts.CollateralValueRaw, err = parseDecimalFlag("collateral", simulateCollateral); err != nil {
			return err
		}
		if opts.Shortfall, err = parseDecimalFlag("shortfall", simulateShortfall); err != nil {
			return err
		}
		if opts.BadDebt, err = parseDecimalFlag("bad-debt", simulateBadDebt); err != nil {
			return err
		}
		if opts.LTVPercent, err = parseDecimalFlag("ltv", simulateLTV); err != nil {
			return err
		}
		if opts.VaultBalance, err = parseDecimalFlag("vault", simulateVault); err != nil {
			return err
		}
		opts.Notify = simulateNotify

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func parseDecimalFlag(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return d, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulateBorrow, "borrow", "0", "借款价值（结算单位）")
	simulateCmd.Flags().StringVar(&simulateCollateral, "collateral", "0", "未折算的抵押价值（结算单位）")
	simulateCmd.Flags().StringVar(&simulateShortfall, "shortfall", "0", "缺口")
	simulateCmd.Flags().StringVar(&simulateBadDebt, "bad-debt", "0", "坏账")
	simulateCmd.Flags().StringVar(&simulateLTV, "ltv", "0", "LTV 百分比，例如 105")
	simulateCmd.Flags().StringVar(&simulateVault, "vault", "0", "金库余额（结算单位）")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "流动性不足时通过已配置通道发送告警")
}
