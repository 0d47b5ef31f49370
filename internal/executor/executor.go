package executor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-liquidator/internal/risk"
)

// Outcome summarises what happened to a plan in one cycle.
type Outcome string

const (
	OutcomeSkipped               Outcome = "skipped"
	OutcomeExecuted              Outcome = "executed"
	OutcomeFailed                Outcome = "failed"
	OutcomeInsufficientLiquidity Outcome = "insufficient_liquidity"
	OutcomeBadDebtUnresolved     Outcome = "bad_debt_unresolved"
	OutcomeDryRun                Outcome = "dry_run"
)

// DefaultLadder is the percentage sequence walked when a submission fails.
var DefaultLadder = []int{100, 90, 80, 70, 60, 50, 40, 30, 20}

// Liquidator submits a liquidation and waits for it to be mined.
type Liquidator interface {
	Liquidate(ctx context.Context, borrower common.Address, amount *big.Int, swapToInput, flashloan bool) (common.Hash, error)
}

// Options tune execution.
type Options struct {
	Ladder           []int
	FlashloanEnabled bool
	// BadDebtFlashloan routes bad-debt plans to a single flashloan attempt.
	// When false they end as OutcomeBadDebtUnresolved.
	BadDebtFlashloan bool
	SwapToInput      bool
	DryRun           bool
}

// Attempt records one submission.
type Attempt struct {
	Percent   int
	Amount    *big.Int
	Flashloan bool
	TxHash    common.Hash
	Err       error
}

// Result is the execution report for one borrower.
type Result struct {
	Borrower  common.Address
	Plan      risk.Plan
	Outcome   Outcome
	Attempts  []Attempt
	TxHash    common.Hash
	Amount    *big.Int
	Flashloan bool
	DryRun    bool
	// Err is the last submission error when no attempt succeeded.
	Err error
}

// Succeeded reports whether a liquidation transaction was mined.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeExecuted
}

// Executor turns plans into liquidation transactions.
type Executor struct {
	liquidator Liquidator
	opts       Options
	logger     zerolog.Logger
}

// New constructs an Executor. An empty ladder falls back to DefaultLadder.
func New(liquidator Liquidator, opts Options, logger zerolog.Logger) *Executor {
	if len(opts.Ladder) == 0 {
		opts.Ladder = append([]int(nil), DefaultLadder...)
	}
	return &Executor{
		liquidator: liquidator,
		opts:       opts,
		logger:     logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs plan for borrower. sufficient is the gatekeeper's verdict on
// standby liquidity; it is advisory, a failed transaction remains possible.
// Submission failures never escape as errors, they are reported in Result.
func (e *Executor) Execute(ctx context.Context, borrower common.Address, plan risk.Plan, sufficient bool) Result {
	res := Result{Borrower: borrower, Plan: plan, DryRun: e.opts.DryRun}
	log := e.logger.With().
		Str("borrower", borrower.Hex()).
		Str("plan", plan.Type.String()).
		Str("amount", risk.ToDecimal(plan.Amount).String()).
		Logger()

	switch plan.Type {
	case risk.PlanNone:
		res.Outcome = OutcomeSkipped
		return res

	case risk.PlanBadDebt:
		if !e.opts.BadDebtFlashloan {
			log.Warn().Msg("bad debt has no resolved strategy, nothing submitted")
			res.Outcome = OutcomeBadDebtUnresolved
			return res
		}
		return e.single(ctx, log, res, plan.Amount)

	case risk.PlanOverLeveraged:
		if sufficient {
			return e.ladder(ctx, log, res, plan.Amount)
		}
		if e.opts.FlashloanEnabled {
			return e.single(ctx, log, res, plan.Amount)
		}
		log.Warn().Msg("standby liquidity insufficient and flashloan disabled")
		res.Outcome = OutcomeInsufficientLiquidity
		return res

	default:
		if !sufficient {
			log.Warn().Msg("standby liquidity insufficient, nothing submitted")
			res.Outcome = OutcomeInsufficientLiquidity
			return res
		}
		return e.ladder(ctx, log, res, plan.Amount)
	}
}

// ladder submits from standby liquidity, scaling the amount through the
// configured percentages until one attempt succeeds.
func (e *Executor) ladder(ctx context.Context, log zerolog.Logger, res Result, full *big.Int) Result {
	for _, pct := range e.opts.Ladder {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		amount := Scale(full, pct)
		if amount.Sign() <= 0 {
			continue
		}
		if e.opts.DryRun {
			return e.dryRun(log, res, pct, amount, false)
		}

		attempt := e.submit(ctx, res.Borrower, pct, amount, false)
		res.Attempts = append(res.Attempts, attempt)
		if attempt.Err != nil {
			log.Warn().Err(attempt.Err).
				Int("percent", pct).
				Str("attempt_amount", risk.ToDecimal(amount).String()).
				Msg("liquidation attempt failed")
			res.Err = attempt.Err
			continue
		}

		log.Info().
			Int("percent", pct).
			Int("attempts", len(res.Attempts)).
			Str("attempt_amount", risk.ToDecimal(amount).String()).
			Str("tx", attempt.TxHash.Hex()).
			Msg("liquidation executed")
		return executed(res, attempt)
	}

	log.Error().Err(res.Err).Int("attempts", len(res.Attempts)).Msg("all liquidation attempts failed")
	res.Outcome = OutcomeFailed
	return res
}

// single submits the full amount once, backed by a flashloan.
func (e *Executor) single(ctx context.Context, log zerolog.Logger, res Result, amount *big.Int) Result {
	if e.opts.DryRun {
		return e.dryRun(log, res, 100, amount, true)
	}

	attempt := e.submit(ctx, res.Borrower, 100, amount, true)
	res.Attempts = append(res.Attempts, attempt)
	if attempt.Err != nil {
		log.Error().Err(attempt.Err).Msg("flashloan liquidation failed")
		res.Err = attempt.Err
		res.Outcome = OutcomeFailed
		return res
	}

	log.Info().Str("tx", attempt.TxHash.Hex()).Msg("flashloan liquidation executed")
	return executed(res, attempt)
}

func (e *Executor) submit(ctx context.Context, borrower common.Address, pct int, amount *big.Int, flashloan bool) Attempt {
	hash, err := e.liquidator.Liquidate(ctx, borrower, amount, e.opts.SwapToInput, flashloan)
	return Attempt{Percent: pct, Amount: amount, Flashloan: flashloan, TxHash: hash, Err: err}
}

func (e *Executor) dryRun(log zerolog.Logger, res Result, pct int, amount *big.Int, flashloan bool) Result {
	log.Info().
		Int("percent", pct).
		Bool("flashloan", flashloan).
		Str("attempt_amount", risk.ToDecimal(amount).String()).
		Msg("dry run, liquidation not submitted")
	res.Attempts = append(res.Attempts, Attempt{Percent: pct, Amount: amount, Flashloan: flashloan})
	res.Amount = amount
	res.Flashloan = flashloan
	res.Outcome = OutcomeDryRun
	return res
}

func executed(res Result, attempt Attempt) Result {
	res.Outcome = OutcomeExecuted
	res.TxHash = attempt.TxHash
	res.Amount = attempt.Amount
	res.Flashloan = attempt.Flashloan
	res.Err = nil
	return res
}

// Scale returns amount * pct / 100.
func Scale(amount *big.Int, pct int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	scaled := new(big.Int).Mul(amount, big.NewInt(int64(pct)))
	return scaled.Quo(scaled, big.NewInt(100))
}
