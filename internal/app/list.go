package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"

	"vault-liquidator/internal/risk"
	"vault-liquidator/internal/service"
)

// List 只读枚举全部借款人并写出快照文件，不提交任何交易。
func (a *App) List(ctx context.Context, opts ListOptions) error {
	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.engine.Enumerate(ctx)
	if err != nil {
		return err
	}

	path := a.artifactPath(rt.name, rt.network.SwapMarkets, opts.Output)
	if err := writeArtifactFile(path, report); err != nil {
		return err
	}

	a.Logger.Info().
		Str("path", path).
		Int("borrowers", report.Borrowers).
		Int("skipped", report.Skipped).
		Msg("快照文件已写出")
	return nil
}

// artifactPath 默认按网络命名；市场互换时使用单独的文件，避免覆盖正常方向的结果。
func (a *App) artifactPath(network string, swapped bool, output string) string {
	if output != "" {
		return output
	}
	name := fmt.Sprintf("borrowersData_%s.json", network)
	if swapped {
		name = fmt.Sprintf("borrowersData_swapped_%s.json", network)
	}
	return filepath.Join(a.Config.Export.OutputDir, name)
}

func writeArtifactFile(path string, report service.Report) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := service.WriteArtifact(file, report); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Inspect 打印单个借款人的快照、计划与流动性判断。
func (a *App) Inspect(ctx context.Context, opts InspectOptions) error {
	if !common.IsHexAddress(opts.Borrower) {
		return fmt.Errorf("invalid borrower address %q", opts.Borrower)
	}

	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	entry, err := rt.engine.Inspect(ctx, common.HexToAddress(opts.Borrower))
	if err != nil {
		return err
	}
	return writeEntry(a.Out, entry)
}

func writeEntry(out io.Writer, entry service.Entry) error {
	snap := entry.Snapshot
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"Borrower", snap.Borrower.Hex()},
		{"Borrow value", formatUnits(snap.BorrowValue)},
		{"Collateral value", formatUnits(snap.CollateralValueAdjusted)},
		{"Collateral value (raw)", formatUnits(snap.CollateralValueRaw)},
		{"Liquidity", formatUnits(snap.AccountLiquidity)},
		{"Shortfall", formatUnits(snap.Shortfall)},
		{"Bad debt", formatUnits(snap.BadDebt)},
		{"LTV %", formatDecimal(snap.LTVPercent, 2)},
		{"Plan", entry.Plan.Type.String()},
		{"Plan amount", formatUnits(entry.Plan.Amount)},
		{"Vault available", formatUnits(entry.Vault.Available())},
		{"Liquidity in vault", fmt.Sprintf("%t", entry.Sufficient)},
	}
	for _, row := range rows {
		fmt.Fprintf(writer, "%s\t%s\n", row[0], row[1])
	}
	return writer.Flush()
}

// Approve 授权金库无限额度使用结算代币；额度已足够时不发送交易。
func (a *App) Approve(ctx context.Context) error {
	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	if !rt.client.CanSign() {
		return errors.New("private key 未配置，无法授权")
	}
	return a.approve(ctx, rt)
}

func (a *App) approve(ctx context.Context, rt *runtime) error {
	hash, err := rt.vault.EnsureApproval(ctx)
	if err != nil {
		return err
	}
	log := a.Logger.With().Str("vault", rt.vault.Address().Hex()).Logger()
	if hash == (common.Hash{}) {
		log.Info().Msg("allowance already granted")
		return nil
	}
	log.Info().Str("tx", hash.Hex()).Msg("vault approved")
	return nil
}

func formatUnits(v *big.Int) string {
	return formatDecimal(risk.ToDecimal(v), 4)
}
