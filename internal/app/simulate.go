package app

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vault-liquidator/internal/alerting"
	"vault-liquidator/internal/risk"
	"vault-liquidator/internal/service"
)

// simulatedBorrower stands in for a real account in simulated alerts.
var simulatedBorrower = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// Simulate 用给定的仓位数据走一遍分类与流动性判断，可选择发送告警。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Shortfall.IsNegative() || opts.BorrowValue.IsNegative() {
		return errors.New("仓位数值不能为负")
	}

	params, err := classifierParams(a.Config.Risk)
	if err != nil {
		return err
	}

	network := "simulated"
	vault := risk.VaultState{Balance: risk.FromDecimal(opts.VaultBalance)}
	if name, cfg, err := a.selectNetwork(); err == nil {
		network = name
		if vault.Ceiling, err = parseUnits(cfg.MaxTestVaultBalance); err != nil {
			return err
		}
	}

	entry := simulateEntry(risk.NewClassifier(params), opts, vault)
	if err := writeEntry(a.Out, entry); err != nil {
		return err
	}

	if !opts.Notify {
		return nil
	}
	if !entry.Plan.Actionable() || entry.Sufficient {
		a.Logger.Info().Str("plan", entry.Plan.Type.String()).Msg("无需告警：金库流动性充足或无需清算")
		return nil
	}

	dispatcher, _, closeAlerts, err := a.newDispatcher(ctx)
	if err != nil {
		return err
	}
	if closeAlerts != nil {
		defer closeAlerts()
	}
	if dispatcher == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		Kind:         alerting.KindInsufficientLiquidity,
		Network:      network,
		Borrower:     simulatedBorrower,
		PlanType:     entry.Plan.Type.String(),
		Amount:       risk.ToDecimal(entry.Plan.Amount),
		VaultBalance: risk.ToDecimal(vault.Available()),
		At:           time.Now().UTC(),
	}
	if !dispatcher.Notify(ctx, note) {
		return errors.New("告警发送失败")
	}
	return nil
}

func simulateEntry(classifier risk.Classifier, opts SimulateOptions, vault risk.VaultState) service.Entry {
	snap := risk.Snapshot{
		Borrower:                simulatedBorrower,
		BorrowValue:             risk.FromDecimal(opts.BorrowValue),
		CollateralValueRaw:      risk.FromDecimal(opts.CollateralValueRaw),
		CollateralValueAdjusted: risk.FromDecimal(opts.CollateralValueRaw),
		AccountLiquidity:        new(big.Int),
		Shortfall:               risk.FromDecimal(opts.Shortfall),
		BadDebt:                 risk.FromDecimal(opts.BadDebt),
		LTV:                     risk.FromDecimal(opts.LTVPercent.Shift(-2)),
		LTVPercent:              opts.LTVPercent,
		TakenAt:                 time.Now().UTC(),
	}
	plan := classifier.Classify(snap)
	return service.Entry{
		Snapshot:   snap,
		Plan:       plan,
		Vault:      vault,
		Sufficient: risk.Gate(plan, vault),
	}
}
