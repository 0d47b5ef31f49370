package risk

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"vault-liquidator/internal/chain"
)

type fakeReader struct {
	mu          sync.Mutex
	healthErrs  []error
	healthCalls int

	health      chain.AccountHealth
	position    chain.AccountSnapshot
	borrowed    *big.Int
	borrowPrice *big.Int
	collPrice   *big.Int
}

func (f *fakeReader) AccountHealth(context.Context, common.Address, common.Address, common.Address, common.Address) (chain.AccountHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	if len(f.healthErrs) > 0 {
		err := f.healthErrs[0]
		f.healthErrs = f.healthErrs[1:]
		return chain.AccountHealth{}, err
	}
	return f.health, nil
}

func (f *fakeReader) AccountSnapshot(context.Context, common.Address, common.Address) (chain.AccountSnapshot, error) {
	return f.position, nil
}

func (f *fakeReader) BorrowBalanceStored(context.Context, common.Address, common.Address) (*big.Int, error) {
	return f.borrowed, nil
}

func (f *fakeReader) PriceAsBorrowed(context.Context, common.Address, common.Address) (*big.Int, error) {
	return f.borrowPrice, nil
}

func (f *fakeReader) PriceAsCollateral(context.Context, common.Address, common.Address) (*big.Int, error) {
	return f.collPrice, nil
}

func (f *fakeReader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls
}

func pct(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e16))
}

func healthyReader() *fakeReader {
	return &fakeReader{
		health: chain.AccountHealth{
			ErrorCode: big.NewInt(0),
			Liquidity: big.NewInt(0),
			Shortfall: Units(5),
			BadDebt:   big.NewInt(0),
			LTV:       pct(95),
		},
		position: chain.AccountSnapshot{
			ErrorCode:    big.NewInt(0),
			TokenBalance: Units(1000),
			ExchangeRate: Units(1),
		},
		borrowed:    Units(500),
		borrowPrice: Units(2),
		collPrice:   Units(1),
	}
}

func TestBuildNormalisesPosition(t *testing.T) {
	reader := healthyReader()
	builder := NewBuilder(reader, BuilderOptions{RetryDelay: time.Millisecond}, zerolog.Nop())

	snap, err := builder.Build(context.Background(), common.HexToAddress("0xaa"))
	require.NoError(t, err)
	require.Equal(t, Units(1000), snap.BorrowValue)
	require.Equal(t, Units(1000), snap.CollateralValueRaw)
	require.Equal(t, Units(950), snap.CollateralValueAdjusted)
	require.Equal(t, Units(5), snap.Shortfall)
	require.True(t, snap.LTVPercent.Equal(decimal.NewFromInt(95)), snap.LTVPercent.String())
	require.False(t, snap.TakenAt.IsZero())
}

func TestBuildRetriesRateLimitedReads(t *testing.T) {
	reader := healthyReader()
	reader.healthErrs = []error{errors.New("429 Too Many Requests"), errors.New("rate limit exceeded")}
	builder := NewBuilder(reader, BuilderOptions{RetryDelay: time.Millisecond}, zerolog.Nop())

	snap, err := builder.Build(context.Background(), common.HexToAddress("0xaa"))
	require.NoError(t, err)
	require.Equal(t, 3, reader.calls())
	require.Equal(t, Units(1000), snap.BorrowValue)
}

func TestBuildDoesNotRetryOtherErrors(t *testing.T) {
	reader := healthyReader()
	reader.healthErrs = []error{errors.New("execution reverted")}
	builder := NewBuilder(reader, BuilderOptions{RetryDelay: time.Millisecond}, zerolog.Nop())

	_, err := builder.Build(context.Background(), common.HexToAddress("0xaa"))
	require.ErrorContains(t, err, "execution reverted")
	require.Equal(t, 1, reader.calls())
}

func TestBuildDoesNotRetryErrorsMentioning429(t *testing.T) {
	reader := healthyReader()
	reader.healthErrs = []error{errors.New("dial tcp 10.0.0.5:8429: connect: connection refused")}
	builder := NewBuilder(reader, BuilderOptions{RetryDelay: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := builder.Build(ctx, common.HexToAddress("0xaa"))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, reader.calls())
}

func TestBuildHonoursAttemptCap(t *testing.T) {
	reader := healthyReader()
	throttled := rpc.HTTPError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"}
	reader.healthErrs = []error{throttled, throttled, throttled, throttled}
	builder := NewBuilder(reader, BuilderOptions{RetryDelay: time.Millisecond, MaxAttempts: 2}, zerolog.Nop())

	_, err := builder.Build(context.Background(), common.HexToAddress("0xaa"))
	require.Error(t, err)
	require.Equal(t, 2, reader.calls())
}

func TestBuildRejectsComptrollerErrorCode(t *testing.T) {
	reader := healthyReader()
	reader.health.ErrorCode = big.NewInt(3)
	builder := NewBuilder(reader, BuilderOptions{RetryDelay: time.Millisecond}, zerolog.Nop())

	_, err := builder.Build(context.Background(), common.HexToAddress("0xaa"))
	require.ErrorContains(t, err, "error code 3")
}

func snapshot(shortfall, borrow, badDebt int64, ltvPct int64, collateralRaw *big.Int) Snapshot {
	if collateralRaw == nil {
		collateralRaw = Units(0)
	}
	return Snapshot{
		Borrower:           common.HexToAddress("0xaa"),
		Shortfall:          Units(shortfall),
		BorrowValue:        Units(borrow),
		BadDebt:            Units(badDebt),
		CollateralValueRaw: collateralRaw,
		LTVPercent:         decimal.NewFromInt(ltvPct),
	}
}

func TestClassifyDecisionTable(t *testing.T) {
	c := NewClassifier(DefaultClassifierParams())

	tests := []struct {
		name   string
		snap   Snapshot
		want   PlanType
		amount *big.Int
	}{
		{"healthy", snapshot(0, 1000, 0, 80, nil), PlanNone, Units(0)},
		{"standard", snapshot(5, 1000, 0, 95, nil), PlanStandard, Units(1000)},
		{"bad debt", snapshot(5, 1000, 5, 95, nil), PlanBadDebt, Units(1000)},
		{"capped", snapshot(5, 400_000, 0, 95, nil), PlanCappedStandard, Units(300_000)},
		{"at cap stays standard", snapshot(5, 300_000, 0, 95, nil), PlanStandard, Units(300_000)},
		{"over leveraged", snapshot(5, 20_000, 0, 120, Units(10_404)), PlanOverLeveraged, Units(10_199)},
		{"over leveraged wins over bad debt", snapshot(5, 20_000, 7, 120, Units(10_404)), PlanOverLeveraged, Units(10_199)},
		{"ltv at threshold is not over leveraged", snapshot(5, 1000, 0, 110, Units(10_404)), PlanStandard, Units(1000)},
		{"over leveraged without collateral", snapshot(5, 1000, 0, 150, Units(1)), PlanNone, Units(0)},
		{"shortfall with nothing owed", snapshot(5, 0, 0, 95, nil), PlanNone, Units(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := c.Classify(tt.snap)
			require.Equal(t, tt.want, plan.Type, plan.Type.String())
			require.Zero(t, tt.amount.Cmp(plan.Amount), "amount %s", plan.Amount)
			require.Equal(t, plan.Type == PlanNone, plan.Amount.Sign() == 0)
			require.True(t, plan.Amount.Sign() >= 0)
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	c := NewClassifier(ClassifierParams{})
	snap := snapshot(5, 400_000, 0, 95, nil)

	first := c.Classify(snap)
	second := c.Classify(snap)
	require.Equal(t, first.Type, second.Type)
	require.Zero(t, first.Amount.Cmp(second.Amount))

	// mutating the returned amount must not leak into params
	first.Amount.SetInt64(1)
	require.Zero(t, Units(300_000).Cmp(c.Classify(snap).Amount))
}

func TestPlanTypeNames(t *testing.T) {
	for _, pt := range []PlanType{PlanNone, PlanStandard, PlanCappedStandard, PlanOverLeveraged, PlanBadDebt} {
		parsed, err := ParsePlanType(pt.String())
		require.NoError(t, err)
		require.Equal(t, pt, parsed)
	}
	_, err := ParsePlanType("partial")
	require.Error(t, err)
}

func TestGate(t *testing.T) {
	plan := Plan{Type: PlanStandard, Amount: Units(1000)}

	require.False(t, Gate(plan, VaultState{Balance: Units(500)}))
	require.True(t, Gate(plan, VaultState{Balance: Units(1000)}))
	require.True(t, Gate(plan, VaultState{Balance: Units(5000)}))
	require.False(t, Gate(plan, VaultState{Balance: Units(5000), Ceiling: Units(999)}))
	require.True(t, Gate(Plan{Type: PlanNone, Amount: Units(0)}, VaultState{}))
}

func TestDecimalConversions(t *testing.T) {
	require.Equal(t, "1000.5", ToDecimal(FromDecimal(decimal.RequireFromString("1000.5"))).String())
	require.True(t, ToDecimal(nil).IsZero())
}
