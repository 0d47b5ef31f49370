package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cycle statuses.
const (
	CycleStatusComplete = "complete"
	CycleStatusAborted  = "aborted"
)

// CycleRecord summarises one monitoring cycle.
type CycleRecord struct {
	ID             string
	Network        string
	StartedAt      time.Time
	FinishedAt     time.Time
	Borrowers      int
	Liquidatable   int
	Executed       int
	Failed         int
	VaultBalance   decimal.Decimal
	TotalShortfall decimal.Decimal
	Status         string
	Error          *string
}

// SnapshotRecord is a persisted borrower snapshot with its plan.
type SnapshotRecord struct {
	CycleID            string
	Borrower           string
	BorrowValue        decimal.Decimal
	CollateralValue    decimal.Decimal
	CollateralValueRaw decimal.Decimal
	Liquidity          decimal.Decimal
	Shortfall          decimal.Decimal
	BadDebt            decimal.Decimal
	LTVPercent         decimal.Decimal
	PlanType           string
	PlanAmount         decimal.Decimal
	TakenAt            time.Time
}

// AttemptRecord is one liquidation submission or an outcome that submitted nothing.
type AttemptRecord struct {
	CycleID   string
	Borrower  string
	PlanType  string
	Outcome   string
	Percent   int
	Amount    decimal.Decimal
	Flashloan bool
	TxHash    *string
	Error     *string
	CreatedAt time.Time
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID        int64
	CycleID   string
	Borrower  string
	Kind      string
	Channels  []string
	CreatedAt time.Time
}
