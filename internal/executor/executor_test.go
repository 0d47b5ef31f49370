package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vault-liquidator/internal/risk"
)

type call struct {
	amount    *big.Int
	swap      bool
	flashloan bool
}

// fakeLiquidator fails every submission whose amount differs from succeedAt.
type fakeLiquidator struct {
	mu        sync.Mutex
	succeedAt *big.Int
	calls     []call
}

func (f *fakeLiquidator) Liquidate(_ context.Context, _ common.Address, amount *big.Int, swap, flashloan bool) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{amount: new(big.Int).Set(amount), swap: swap, flashloan: flashloan})
	if f.succeedAt != nil && f.succeedAt.Cmp(amount) == 0 {
		return common.HexToHash("0xbeef"), nil
	}
	return common.Hash{}, errors.New("execution reverted")
}

var borrower = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func standard(units int64) risk.Plan {
	return risk.Plan{Type: risk.PlanStandard, Amount: risk.Units(units)}
}

func TestLadderDocumentedOrder(t *testing.T) {
	ladder := []int{90, 80, 70, 60, 50, 40, 30, 20, 100}
	liq := &fakeLiquidator{succeedAt: risk.Units(1000)}
	exec := New(liq, Options{Ladder: ladder, SwapToInput: true}, zerolog.Nop())

	res := exec.Execute(context.Background(), borrower, standard(1000), true)

	require.Equal(t, OutcomeExecuted, res.Outcome)
	require.True(t, res.Succeeded())
	require.Len(t, res.Attempts, 9)
	require.Len(t, liq.calls, 9)
	for i, pct := range ladder {
		require.Zero(t, risk.Units(int64(pct)*10).Cmp(liq.calls[i].amount), "attempt %d", i)
		require.True(t, liq.calls[i].swap)
		require.False(t, liq.calls[i].flashloan)
	}
	require.Zero(t, risk.Units(1000).Cmp(res.Amount))
	require.Equal(t, common.HexToHash("0xbeef"), res.TxHash)
	require.NoError(t, res.Err)
}

func TestLadderDefaultTriesFullAmountFirst(t *testing.T) {
	liq := &fakeLiquidator{succeedAt: risk.Units(1000)}
	exec := New(liq, Options{}, zerolog.Nop())

	res := exec.Execute(context.Background(), borrower, standard(1000), true)
	require.Equal(t, OutcomeExecuted, res.Outcome)
	require.Len(t, liq.calls, 1)
}

func TestLadderStopsAtFirstSuccess(t *testing.T) {
	liq := &fakeLiquidator{succeedAt: risk.Units(700)}
	exec := New(liq, Options{}, zerolog.Nop())

	res := exec.Execute(context.Background(), borrower, standard(1000), true)
	require.Equal(t, OutcomeExecuted, res.Outcome)
	require.Len(t, liq.calls, 4)
	require.Equal(t, 70, res.Attempts[3].Percent)
}

func TestLadderExhausted(t *testing.T) {
	liq := &fakeLiquidator{}
	exec := New(liq, Options{}, zerolog.Nop())

	res := exec.Execute(context.Background(), borrower, standard(1000), true)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, res.Attempts, len(DefaultLadder))
	require.ErrorContains(t, res.Err, "reverted")
}

func TestInsufficientLiquiditySkipsSubmission(t *testing.T) {
	liq := &fakeLiquidator{succeedAt: risk.Units(1000)}
	exec := New(liq, Options{FlashloanEnabled: true}, zerolog.Nop())

	res := exec.Execute(context.Background(), borrower, standard(1000), false)
	require.Equal(t, OutcomeInsufficientLiquidity, res.Outcome)
	require.Empty(t, liq.calls)

	capped := risk.Plan{Type: risk.PlanCappedStandard, Amount: risk.Units(300_000)}
	res = exec.Execute(context.Background(), borrower, capped, false)
	require.Equal(t, OutcomeInsufficientLiquidity, res.Outcome)
	require.Empty(t, liq.calls)
}

func TestOverLeveragedUsesFlashloanWhenShort(t *testing.T) {
	plan := risk.Plan{Type: risk.PlanOverLeveraged, Amount: risk.Units(10_199)}

	liq := &fakeLiquidator{succeedAt: risk.Units(10_199)}
	res := New(liq, Options{FlashloanEnabled: true}, zerolog.Nop()).Execute(context.Background(), borrower, plan, false)
	require.Equal(t, OutcomeExecuted, res.Outcome)
	require.Len(t, liq.calls, 1)
	require.True(t, liq.calls[0].flashloan)
	require.True(t, res.Flashloan)

	failing := &fakeLiquidator{}
	res = New(failing, Options{FlashloanEnabled: true}, zerolog.Nop()).Execute(context.Background(), borrower, plan, false)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, failing.calls, 1)

	disabled := &fakeLiquidator{}
	res = New(disabled, Options{}, zerolog.Nop()).Execute(context.Background(), borrower, plan, false)
	require.Equal(t, OutcomeInsufficientLiquidity, res.Outcome)
	require.Empty(t, disabled.calls)
}

func TestOverLeveragedWalksLadderWhenCovered(t *testing.T) {
	plan := risk.Plan{Type: risk.PlanOverLeveraged, Amount: risk.Units(1000)}
	liq := &fakeLiquidator{succeedAt: risk.Units(900)}

	res := New(liq, Options{FlashloanEnabled: true}, zerolog.Nop()).Execute(context.Background(), borrower, plan, true)
	require.Equal(t, OutcomeExecuted, res.Outcome)
	require.Len(t, liq.calls, 2)
	require.False(t, liq.calls[1].flashloan)
}

func TestBadDebtStrategies(t *testing.T) {
	plan := risk.Plan{Type: risk.PlanBadDebt, Amount: risk.Units(1000)}

	liq := &fakeLiquidator{succeedAt: risk.Units(1000)}
	res := New(liq, Options{}, zerolog.Nop()).Execute(context.Background(), borrower, plan, true)
	require.Equal(t, OutcomeBadDebtUnresolved, res.Outcome)
	require.Empty(t, liq.calls)

	res = New(liq, Options{BadDebtFlashloan: true}, zerolog.Nop()).Execute(context.Background(), borrower, plan, false)
	require.Equal(t, OutcomeExecuted, res.Outcome)
	require.Len(t, liq.calls, 1)
	require.True(t, liq.calls[0].flashloan)
}

func TestNonePlanIsSkipped(t *testing.T) {
	liq := &fakeLiquidator{}
	res := New(liq, Options{}, zerolog.Nop()).Execute(context.Background(), borrower, risk.Plan{Type: risk.PlanNone, Amount: new(big.Int)}, true)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	require.Empty(t, liq.calls)
}

func TestDryRunSubmitsNothing(t *testing.T) {
	liq := &fakeLiquidator{succeedAt: risk.Units(1000)}
	res := New(liq, Options{DryRun: true}, zerolog.Nop()).Execute(context.Background(), borrower, standard(1000), true)
	require.Equal(t, OutcomeDryRun, res.Outcome)
	require.True(t, res.DryRun)
	require.False(t, res.Succeeded())
	require.Empty(t, liq.calls)
	require.Zero(t, risk.Units(1000).Cmp(res.Amount))
}

func TestCancelledContextStopsLadder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	liq := &fakeLiquidator{}
	res := New(liq, Options{}, zerolog.Nop()).Execute(ctx, borrower, standard(1000), true)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Empty(t, liq.calls)
}

func TestScale(t *testing.T) {
	require.Zero(t, risk.Units(300).Cmp(Scale(risk.Units(1000), 30)))
	require.Zero(t, big.NewInt(3).Cmp(Scale(big.NewInt(7), 50)))
	require.Zero(t, Scale(nil, 50).Sign())
}
