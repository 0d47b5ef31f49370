package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"vault-liquidator/internal/config"
	"vault-liquidator/internal/risk"
	"vault-liquidator/internal/service"
	"vault-liquidator/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			CollateralFactor:    "0.95",
			OverLeverageLTVPct:  110,
			CollateralBufferPct: 102,
			SafetyMargin:        "1",
			StandardCap:         "300000",
		},
		Export: config.ExportConfig{MaxDataPoints: 100, OutputDir: "out"},
	}
}

func testApp(cfg *config.Config) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewApp(cfg, "", zerolog.Nop())
	a.Out = out
	return a, out
}

func cycleAt(i int) storage.CycleRecord {
	return storage.CycleRecord{
		ID:             "cycle-" + string(rune('a'+i)),
		Network:        "arbitrum",
		StartedAt:      time.Date(2025, 3, 1, 0, i, 0, 0, time.UTC),
		FinishedAt:     time.Date(2025, 3, 1, 0, i, 5, 0, time.UTC),
		Borrowers:      10 + i,
		Liquidatable:   i % 3,
		Executed:       i % 2,
		VaultBalance:   decimal.NewFromInt(int64(1000 * (i + 1))),
		TotalShortfall: decimal.NewFromInt(int64(50 * i)),
		Status:         storage.CycleStatusComplete,
	}
}

func TestParseUnits(t *testing.T) {
	v, err := parseUnits("300000")
	require.NoError(t, err)
	require.Equal(t, 0, v.Cmp(risk.Units(300_000)))

	v, err = parseUnits(" 0.95 ")
	require.NoError(t, err)
	require.Equal(t, "950000000000000000", v.String())

	v, err = parseUnits("")
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = parseUnits("abc")
	require.Error(t, err)
	_, err = parseUnits("-1")
	require.Error(t, err)
}

func TestMarketsForSwap(t *testing.T) {
	network := config.NetworkConfig{
		Comptroller:      "0x1000000000000000000000000000000000000001",
		Oracle:           "0x1000000000000000000000000000000000000002",
		CollateralMarket: "0x1000000000000000000000000000000000000003",
		DebtMarket:       "0x1000000000000000000000000000000000000004",
	}

	markets := marketsFor(network)
	require.Equal(t, common.HexToAddress(network.CollateralMarket), markets.Collateral)
	require.Equal(t, common.HexToAddress(network.DebtMarket), markets.Debt)

	network.SwapMarkets = true
	swapped := marketsFor(network)
	require.Equal(t, common.HexToAddress(network.DebtMarket), swapped.Collateral)
	require.Equal(t, common.HexToAddress(network.CollateralMarket), swapped.Debt)
	require.Equal(t, markets.Comptroller, swapped.Comptroller)
}

func TestClassifierParamsFromConfig(t *testing.T) {
	params, err := classifierParams(testConfig().Risk)
	require.NoError(t, err)
	require.True(t, params.OverLeverageLTVPct.Equal(decimal.NewFromInt(110)))
	require.Equal(t, int64(102), params.CollateralBufferPct)
	require.Equal(t, 0, params.SafetyMargin.Cmp(risk.Units(1)))
	require.Equal(t, 0, params.StandardCap.Cmp(risk.Units(300_000)))

	cfg := testConfig().Risk
	cfg.StandardCap = "lots"
	_, err = classifierParams(cfg)
	require.ErrorContains(t, err, "risk.standard_cap")
}

func TestExecutorOptionsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Execution = config.ExecutionConfig{
		RetryLadder:      []int{100, 50},
		FlashloanEnabled: true,
		BadDebtStrategy:  config.BadDebtStrategyFlashloan,
		SwapToInput:      true,
	}
	a, _ := testApp(cfg)

	opts := a.executorOptions()
	require.Equal(t, []int{100, 50}, opts.Ladder)
	require.True(t, opts.FlashloanEnabled)
	require.True(t, opts.BadDebtFlashloan)
	require.True(t, opts.SwapToInput)
	require.False(t, opts.DryRun)
}

func TestArtifactPath(t *testing.T) {
	a, _ := testApp(testConfig())
	require.Equal(t, filepath.Join("out", "borrowersData_arbitrum.json"), a.artifactPath("arbitrum", false, ""))
	require.Equal(t, filepath.Join("out", "borrowersData_swapped_arbitrum.json"), a.artifactPath("arbitrum", true, ""))
	require.NotEqual(t, a.artifactPath("arbitrum", false, ""), a.artifactPath("arbitrum", true, ""))
	require.Equal(t, "custom.json", a.artifactPath("arbitrum", true, "custom.json"))
}

func TestWriteArtifactFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "borrowersData_base.json")
	report := service.Report{
		Network:      "base",
		FinishedAt:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		VaultBalance: risk.Units(500),
		Entries: []service.Entry{{
			Snapshot: risk.Snapshot{
				Borrower:    common.HexToAddress("0x123400000000000000000000000000000000abcd"),
				BorrowValue: risk.Units(100),
				Shortfall:   risk.Units(10),
			},
			Plan: risk.Plan{Type: risk.PlanStandard, Amount: risk.Units(100)},
		}},
	}

	require.NoError(t, writeArtifactFile(path, report))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "["))
	require.Contains(t, string(raw), `"liquidationType": "standard"`)
	require.Contains(t, string(raw), `"liquidityInVault": true`)
	require.NotContains(t, string(raw), `"network"`)
}

func TestDownsampleCycles(t *testing.T) {
	cycles := make([]storage.CycleRecord, 10)
	for i := range cycles {
		cycles[i] = cycleAt(i)
	}

	require.Len(t, downsampleCycles(cycles, 0), 10)
	require.Len(t, downsampleCycles(cycles, 20), 10)

	got := downsampleCycles(cycles, 4)
	require.Len(t, got, 4)
	require.Equal(t, cycles[0].ID, got[0].ID)
	require.Equal(t, cycles[9].ID, got[3].ID)

	one := downsampleCycles(cycles, 1)
	require.Len(t, one, 1)
	require.Equal(t, cycles[9].ID, one[0].ID)
}

func TestWriteCyclesCSV(t *testing.T) {
	failed := cycleAt(2)
	failed.Status = storage.CycleStatusAborted
	msg := "discover borrowers: 429"
	failed.Error = &msg

	var buf bytes.Buffer
	require.NoError(t, writeCyclesCSV(&buf, []storage.CycleRecord{cycleAt(1), failed}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "cycle_id", records[0][0])
	require.Equal(t, "2000", records[1][8])
	require.Equal(t, "aborted", records[2][10])
	require.Equal(t, msg, records[2][11])
}

func TestRenderCyclesChart(t *testing.T) {
	cycles := []storage.CycleRecord{cycleAt(0), cycleAt(1), cycleAt(2)}

	var buf bytes.Buffer
	require.NoError(t, renderCyclesChart(&buf, cycles))
	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestWriteCycles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeCycles(&buf, nil))
	require.Equal(t, "no cycles found\n", buf.String())

	aborted := cycleAt(1)
	aborted.Status = storage.CycleStatusAborted
	msg := "rpc down\nretrying"
	aborted.Error = &msg

	buf.Reset()
	require.NoError(t, writeCycles(&buf, []storage.CycleRecord{aborted}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "arbitrum")
	require.Contains(t, lines[1], "rpc down retrying")
}

func TestSimulateEntry(t *testing.T) {
	params, err := classifierParams(testConfig().Risk)
	require.NoError(t, err)
	classifier := risk.NewClassifier(params)

	opts := SimulateOptions{
		BorrowValue:        decimal.NewFromInt(1000),
		CollateralValueRaw: decimal.NewFromInt(1050),
		Shortfall:          decimal.NewFromInt(50),
		LTVPercent:         decimal.NewFromInt(95),
	}

	entry := simulateEntry(classifier, opts, risk.VaultState{Balance: risk.Units(500)})
	require.Equal(t, risk.PlanStandard, entry.Plan.Type)
	require.Equal(t, 0, entry.Plan.Amount.Cmp(risk.Units(1000)))
	require.False(t, entry.Sufficient)

	entry = simulateEntry(classifier, opts, risk.VaultState{Balance: risk.Units(5000), Ceiling: risk.Units(800)})
	require.False(t, entry.Sufficient)
	require.Equal(t, 0, entry.Vault.Available().Cmp(risk.Units(800)))

	entry = simulateEntry(classifier, opts, risk.VaultState{Balance: risk.Units(5000)})
	require.True(t, entry.Sufficient)
}

func TestSimulatePrintsPlanWithoutNetwork(t *testing.T) {
	a, out := testApp(testConfig())

	err := a.Simulate(context.Background(), SimulateOptions{
		BorrowValue:        decimal.NewFromInt(500_000),
		CollateralValueRaw: decimal.NewFromInt(520_000),
		Shortfall:          decimal.NewFromInt(1_000),
		LTVPercent:         decimal.NewFromInt(96),
		VaultBalance:       decimal.NewFromInt(1_000_000),
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "capped_standard")
	require.Contains(t, out.String(), "300000.0000")
}

func TestSimulateNotifyWithoutChannels(t *testing.T) {
	a, _ := testApp(testConfig())

	err := a.Simulate(context.Background(), SimulateOptions{
		BorrowValue:  decimal.NewFromInt(1000),
		Shortfall:    decimal.NewFromInt(10),
		LTVPercent:   decimal.NewFromInt(90),
		VaultBalance: decimal.Zero,
		Notify:       true,
	})
	require.Error(t, err)
}

func TestWriteEntry(t *testing.T) {
	entry := service.Entry{
		Snapshot: risk.Snapshot{
			Borrower:    common.HexToAddress("0x123400000000000000000000000000000000abcd"),
			BorrowValue: risk.Units(1000),
			Shortfall:   new(big.Int),
		},
		Plan:  risk.Plan{Type: risk.PlanNone, Amount: new(big.Int)},
		Vault: risk.VaultState{Balance: risk.Units(10)},
	}

	var buf bytes.Buffer
	require.NoError(t, writeEntry(&buf, entry))
	require.Contains(t, strings.ToLower(buf.String()), "0x123400000000000000000000000000000000abcd")
	require.Contains(t, buf.String(), "1000.0000")
	require.Contains(t, buf.String(), "none")
}
