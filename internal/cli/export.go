package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vault-liquidator/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cycle history as CSV and/or PNG chart",
	Example: `  liquidator export --csv out/cycles.csv --png out/cycles.png --from 72h
  liquidator export --csv cycles.csv --from 2025-03-01 --to 2025-03-08`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		from, err := parseTimeFlag("from", exportFrom, now)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo, now)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// parseTimeFlag accepts RFC3339, a UTC date, or a duration counted back from now.
// An empty value yields nil.
func parseTimeFlag(name, raw string, now time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		t := now.Add(-d)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339, YYYY-MM-DD or a duration such as 24h", name, raw)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start, inclusive (RFC3339, YYYY-MM-DD or duration ago)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end, exclusive (defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum cycles to export (defaults to config)")
}
