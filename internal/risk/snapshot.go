package risk

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-liquidator/internal/chain"
)

var (
	scale18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	scale36 = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
	scale54 = new(big.Int).Exp(big.NewInt(10), big.NewInt(54), nil)
)

// Units converts whole settlement-asset units to 18-decimal fixed point.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), scale18)
}

// ToDecimal renders an 18-decimal fixed-point amount as a decimal.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

// FromDecimal converts a decimal amount of settlement units to 18-decimal fixed point.
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}

// Snapshot is one borrower's point-in-time risk measurement. Monetary fields
// are settlement-asset amounts in 18-decimal fixed point.
type Snapshot struct {
	Borrower                common.Address
	BorrowValue             *big.Int
	CollateralValueAdjusted *big.Int
	CollateralValueRaw      *big.Int
	AccountLiquidity        *big.Int
	Shortfall               *big.Int
	BadDebt                 *big.Int
	LTV                     *big.Int
	LTVPercent              decimal.Decimal
	TakenAt                 time.Time
}

// ProtocolReader is the read surface of the lending protocol used to build snapshots.
type ProtocolReader interface {
	AccountHealth(ctx context.Context, comptroller, borrower, collateralMarket, debtMarket common.Address) (chain.AccountHealth, error)
	AccountSnapshot(ctx context.Context, market, account common.Address) (chain.AccountSnapshot, error)
	BorrowBalanceStored(ctx context.Context, market, account common.Address) (*big.Int, error)
	PriceAsBorrowed(ctx context.Context, oracle, market common.Address) (*big.Int, error)
	PriceAsCollateral(ctx context.Context, oracle, market common.Address) (*big.Int, error)
}

// Markets names the contracts a snapshot is read from.
type Markets struct {
	Comptroller common.Address
	Oracle      common.Address
	Collateral  common.Address
	Debt        common.Address
}

// BuilderOptions parameterise snapshot building.
type BuilderOptions struct {
	Markets          Markets
	CollateralFactor *big.Int
	// RetryDelay is the fixed pause before retrying a rate-limited snapshot.
	RetryDelay time.Duration
	// MaxAttempts caps rate-limit retries; zero retries until success or ctx end.
	MaxAttempts uint
}

// Builder reads and normalises borrower positions.
type Builder struct {
	reader ProtocolReader
	opts   BuilderOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewBuilder constructs a snapshot Builder.
func NewBuilder(reader ProtocolReader, opts BuilderOptions, logger zerolog.Logger) *Builder {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.CollateralFactor == nil {
		opts.CollateralFactor = FromDecimal(decimal.RequireFromString("0.95"))
	}
	return &Builder{
		reader: reader,
		opts:   opts,
		logger: logger.With().Str("component", "snapshot_builder").Logger(),
		now:    time.Now,
	}
}

// Build reads a fresh snapshot for borrower. Rate-limited reads restart the whole
// snapshot after a fixed delay; any other failure is returned immediately.
func (b *Builder) Build(ctx context.Context, borrower common.Address) (Snapshot, error) {
	return retry.DoWithData(
		func() (Snapshot, error) {
			return b.read(ctx, borrower)
		},
		retry.Context(ctx),
		retry.Attempts(b.opts.MaxAttempts),
		retry.Delay(b.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(chain.IsRateLimited),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Warn().
				Err(err).
				Str("borrower", borrower.Hex()).
				Uint("retry", n).
				Dur("backoff", b.opts.RetryDelay).
				Msg("rate limited, retrying snapshot")
		}),
	)
}

func (b *Builder) read(ctx context.Context, borrower common.Address) (Snapshot, error) {
	m := b.opts.Markets

	health, err := b.reader.AccountHealth(ctx, m.Comptroller, borrower, m.Collateral, m.Debt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("account health: %w", err)
	}
	if health.ErrorCode != nil && health.ErrorCode.Sign() != 0 {
		return Snapshot{}, fmt.Errorf("account health: comptroller error code %s", health.ErrorCode)
	}

	borrowed, err := b.reader.BorrowBalanceStored(ctx, m.Debt, borrower)
	if err != nil {
		return Snapshot{}, fmt.Errorf("borrow balance: %w", err)
	}
	borrowPrice, err := b.reader.PriceAsBorrowed(ctx, m.Oracle, m.Debt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("borrow price: %w", err)
	}

	position, err := b.reader.AccountSnapshot(ctx, m.Collateral, borrower)
	if err != nil {
		return Snapshot{}, fmt.Errorf("collateral snapshot: %w", err)
	}
	if position.ErrorCode != nil && position.ErrorCode.Sign() != 0 {
		return Snapshot{}, fmt.Errorf("collateral snapshot: market error code %s", position.ErrorCode)
	}
	collateralPrice, err := b.reader.PriceAsCollateral(ctx, m.Oracle, m.Collateral)
	if err != nil {
		return Snapshot{}, fmt.Errorf("collateral price: %w", err)
	}

	return Snapshot{
		Borrower:                borrower,
		BorrowValue:             BorrowValue(borrowPrice, borrowed),
		CollateralValueAdjusted: CollateralValueAdjusted(b.opts.CollateralFactor, position.ExchangeRate, collateralPrice, position.TokenBalance),
		CollateralValueRaw:      CollateralValueRaw(position.ExchangeRate, collateralPrice, position.TokenBalance),
		AccountLiquidity:        orZero(health.Liquidity),
		Shortfall:               orZero(health.Shortfall),
		BadDebt:                 orZero(health.BadDebt),
		LTV:                     orZero(health.LTV),
		LTVPercent:              decimal.NewFromBigInt(orZero(health.LTV), -16),
		TakenAt:                 b.now().UTC(),
	}, nil
}

// BorrowValue is price * balance / 1e18.
func BorrowValue(price, balance *big.Int) *big.Int {
	v := new(big.Int).Mul(orZero(price), orZero(balance))
	return v.Quo(v, scale18)
}

// CollateralValueAdjusted is factor * exchangeRate * price * tokens / 1e54.
func CollateralValueAdjusted(factor, exchangeRate, price, tokens *big.Int) *big.Int {
	v := new(big.Int).Mul(orZero(factor), orZero(exchangeRate))
	v.Mul(v, orZero(price))
	v.Mul(v, orZero(tokens))
	return v.Quo(v, scale54)
}

// CollateralValueRaw is exchangeRate * price * tokens / 1e36.
func CollateralValueRaw(exchangeRate, price, tokens *big.Int) *big.Int {
	v := new(big.Int).Mul(orZero(exchangeRate), orZero(price))
	v.Mul(v, orZero(tokens))
	return v.Quo(v, scale36)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
