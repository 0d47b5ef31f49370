package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"vault-liquidator/internal/storage"
)

// Show prints recent cycles.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show cycles")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cycles, err := store.ListRecentCycles(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeCycles(a.Out, cycles)
}

func writeCycles(out io.Writer, cycles []storage.CycleRecord) error {
	if len(cycles) == 0 {
		fmt.Fprintln(out, "no cycles found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tNetwork\tBorrowers\tLiquidatable\tExecuted\tFailed\tVault\tShortfall\tStatus\tError")

	for _, cycle := range cycles {
		errMsg := ""
		if cycle.Error != nil {
			errMsg = sanitizeInline(*cycle.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			cycle.StartedAt.UTC().Format(time.RFC3339),
			cycle.Network,
			cycle.Borrowers,
			cycle.Liquidatable,
			cycle.Executed,
			cycle.Failed,
			formatDecimal(cycle.VaultBalance, 2),
			formatDecimal(cycle.TotalShortfall, 2),
			cycle.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
