package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"vault-liquidator/internal/storage"
)

// Export renders cycle history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	cycles, err := store.ListCyclesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(cycles) == 0 {
		a.Logger.Info().Msg("no cycles found for export window")
		return nil
	}

	downsampled := downsampleCycles(cycles, opts.MaxPoints)
	a.Logger.Info().Int("total", len(cycles)).Int("exported", len(downsampled)).Msg("exporting cycles")

	if opts.CSVPath != "" {
		if err := writeCyclesCSVFile(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCyclesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCycles(cycles []storage.CycleRecord, max int) []storage.CycleRecord {
	if max <= 0 || len(cycles) <= max {
		return cycles
	}
	if max == 1 {
		return cycles[len(cycles)-1:]
	}

	result := make([]storage.CycleRecord, 0, max)
	step := float64(len(cycles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(cycles) {
			idx = len(cycles) - 1
		}
		result = append(result, cycles[idx])
	}
	return result
}

func writeCyclesCSVFile(path string, cycles []storage.CycleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeCyclesCSV(file, cycles)
}

func writeCyclesCSV(w io.Writer, cycles []storage.CycleRecord) error {
	writer := csv.NewWriter(w)

	header := []string{"cycle_id", "network", "started_at", "finished_at", "borrowers", "liquidatable", "executed", "failed", "vault_balance", "total_shortfall", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, cycle := range cycles {
		errMsg := ""
		if cycle.Error != nil {
			errMsg = *cycle.Error
		}
		record := []string{
			cycle.ID,
			cycle.Network,
			cycle.StartedAt.UTC().Format(time.RFC3339),
			cycle.FinishedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(cycle.Borrowers),
			strconv.Itoa(cycle.Liquidatable),
			strconv.Itoa(cycle.Executed),
			strconv.Itoa(cycle.Failed),
			cycle.VaultBalance.String(),
			cycle.TotalShortfall.String(),
			cycle.Status,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCyclesPNG(path string, cycles []storage.CycleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return renderCyclesChart(file, cycles)
}

func renderCyclesChart(w io.Writer, cycles []storage.CycleRecord) error {
	x := make([]time.Time, len(cycles))
	vault := make([]float64, len(cycles))
	shortfall := make([]float64, len(cycles))

	for i, cycle := range cycles {
		x[i] = cycle.StartedAt
		vault[i] = cycle.VaultBalance.InexactFloat64()
		shortfall[i] = cycle.TotalShortfall.InexactFloat64()
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Vault balance",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Total shortfall",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Vault balance",
				XValues: x,
				YValues: vault,
			},
			chart.TimeSeries{
				Name:    "Total shortfall",
				XValues: x,
				YValues: shortfall,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
