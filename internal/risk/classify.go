package risk

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// PlanType enumerates liquidation decisions.
type PlanType int

const (
	PlanNone PlanType = iota
	PlanStandard
	PlanCappedStandard
	PlanOverLeveraged
	PlanBadDebt
)

var planTypeNames = map[PlanType]string{
	PlanNone:           "none",
	PlanStandard:       "standard",
	PlanCappedStandard: "capped_standard",
	PlanOverLeveraged:  "over_leveraged",
	PlanBadDebt:        "bad_debt",
}

func (t PlanType) String() string {
	if name, ok := planTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("plan_type(%d)", int(t))
}

// MarshalText renders the plan type by name.
func (t PlanType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParsePlanType is the inverse of String.
func ParsePlanType(s string) (PlanType, error) {
	for t, name := range planTypeNames {
		if name == s {
			return t, nil
		}
	}
	return PlanNone, fmt.Errorf("unknown plan type %q", s)
}

// Plan is the classifier output. Amount is zero exactly when Type is PlanNone.
type Plan struct {
	Type   PlanType
	Amount *big.Int
}

// Actionable reports whether the plan asks for any liquidation.
func (p Plan) Actionable() bool {
	return p.Type != PlanNone
}

func nonePlan() Plan {
	return Plan{Type: PlanNone, Amount: new(big.Int)}
}

// ClassifierParams are the thresholds of the decision table.
type ClassifierParams struct {
	// OverLeverageLTVPct is the LTV percentage above which only a partial liquidation fits.
	OverLeverageLTVPct decimal.Decimal
	// CollateralBufferPct divides raw collateral before sizing a partial liquidation.
	CollateralBufferPct int64
	// SafetyMargin is subtracted from a partial liquidation amount.
	SafetyMargin *big.Int
	// StandardCap bounds a single standard liquidation.
	StandardCap *big.Int
}

// DefaultClassifierParams returns the production thresholds.
func DefaultClassifierParams() ClassifierParams {
	return ClassifierParams{
		OverLeverageLTVPct:  decimal.NewFromInt(110),
		CollateralBufferPct: 102,
		SafetyMargin:        Units(1),
		StandardCap:         Units(300_000),
	}
}

// Classifier maps snapshots to plans. It holds no mutable state.
type Classifier struct {
	params ClassifierParams
}

// NewClassifier builds a Classifier, filling unset params from the defaults.
func NewClassifier(params ClassifierParams) Classifier {
	defaults := DefaultClassifierParams()
	if params.OverLeverageLTVPct.IsZero() {
		params.OverLeverageLTVPct = defaults.OverLeverageLTVPct
	}
	if params.CollateralBufferPct <= 0 {
		params.CollateralBufferPct = defaults.CollateralBufferPct
	}
	if params.SafetyMargin == nil {
		params.SafetyMargin = defaults.SafetyMargin
	}
	if params.StandardCap == nil {
		params.StandardCap = defaults.StandardCap
	}
	return Classifier{params: params}
}

// Classify decides the liquidation type and amount. Rules are evaluated in
// precedence order: no shortfall, over-leveraged, bad debt, capped, standard.
func (c Classifier) Classify(s Snapshot) Plan {
	if c.params.StandardCap == nil {
		c = NewClassifier(c.params)
	}
	if s.Shortfall == nil || s.Shortfall.Sign() <= 0 {
		return nonePlan()
	}

	var plan Plan
	switch {
	case s.LTVPercent.GreaterThan(c.params.OverLeverageLTVPct):
		plan = Plan{Type: PlanOverLeveraged, Amount: c.partialAmount(s.CollateralValueRaw)}
	case s.BadDebt != nil && s.BadDebt.Sign() > 0:
		plan = Plan{Type: PlanBadDebt, Amount: new(big.Int).Set(orZero(s.BorrowValue))}
	case orZero(s.BorrowValue).Cmp(c.params.StandardCap) > 0:
		plan = Plan{Type: PlanCappedStandard, Amount: new(big.Int).Set(c.params.StandardCap)}
	default:
		plan = Plan{Type: PlanStandard, Amount: new(big.Int).Set(orZero(s.BorrowValue))}
	}

	// nothing seizable or nothing owed
	if plan.Amount.Sign() <= 0 {
		return nonePlan()
	}
	return plan
}

// partialAmount is collateralRaw / buffer * 100 - margin, keeping the integer
// division before the multiplication.
func (c Classifier) partialAmount(collateralRaw *big.Int) *big.Int {
	amount := new(big.Int).Quo(orZero(collateralRaw), big.NewInt(c.params.CollateralBufferPct))
	amount.Mul(amount, big.NewInt(100))
	return amount.Sub(amount, c.params.SafetyMargin)
}
