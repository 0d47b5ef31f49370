package service

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-liquidator/internal/alerting"
	"vault-liquidator/internal/executor"
	"vault-liquidator/internal/metrics"
	"vault-liquidator/internal/risk"
	"vault-liquidator/internal/scheduler"
	"vault-liquidator/internal/storage"
)

// Directory 返回曾经借款的地址集合。
type Directory interface {
	Discover(ctx context.Context, fromBlock uint64) ([]common.Address, error)
}

// SnapshotBuilder 读取单个借款人的风险快照。
type SnapshotBuilder interface {
	Build(ctx context.Context, borrower common.Address) (risk.Snapshot, error)
}

// VaultReader 读取金库备用流动性。
type VaultReader interface {
	StandbyBalance(ctx context.Context) (*big.Int, error)
}

// Executor 执行清算计划。
type Executor interface {
	Execute(ctx context.Context, borrower common.Address, plan risk.Plan, sufficient bool) executor.Result
}

// Alerter 分发告警，返回是否已发送。
type Alerter interface {
	Notify(ctx context.Context, note alerting.Notification) bool
}

// Deps 汇总引擎依赖。Store、AlertStore、Alerter、Metrics 均可为空。
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Directory  Directory
	Builder    SnapshotBuilder
	Classifier risk.Classifier
	Vault      VaultReader
	Executor   Executor
	Alerter    Alerter
	Store      storage.CycleStore
	AlertStore storage.AlertStore
	Metrics    *metrics.Metrics
}

// Options 引擎运行参数。
type Options struct {
	Network   string
	FromBlock uint64
	// Ceiling caps the usable vault balance; nil means no cap.
	Ceiling  *big.Int
	Channels []string
	LockKey  int64
}

// Entry 是单个借款人在一个周期内的评估结果。
type Entry struct {
	Snapshot   risk.Snapshot
	Plan       risk.Plan
	Vault      risk.VaultState
	Sufficient bool
	Result     *executor.Result
}

// Report 汇总一个周期。
type Report struct {
	ID           string
	Network      string
	StartedAt    time.Time
	FinishedAt   time.Time
	Borrowers    int
	Skipped      int
	Entries      []Entry
	VaultBalance *big.Int
	Ceiling      *big.Int
}

// Engine 编排发现、快照、分类、执行与告警。
type Engine struct {
	deps   Deps
	opts   Options
	locker storage.AdvisoryLocker
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.RWMutex
	status Status
	hasRun bool
}

// New 构造引擎。
func New(deps Deps, opts Options, logger zerolog.Logger) *Engine {
	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		locker: locker,
		logger: logger.With().Str("component", "engine").Str("network", opts.Network).Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Run 启动周期循环直到 ctx 取消。
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return e.deps.Scheduler.Run(ctx, e.RunCycle)
}

// RunCycle 执行一个监控周期。发现失败会中止整个周期并返回错误；
// 单个借款人的读取或执行失败只记录日志。锁不可用时不加锁继续运行。
func (e *Engine) RunCycle(ctx context.Context, at time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Time("cycle", at).Msg("advisory lock unavailable, running cycle unlocked")
		unlock, proceed = nil, true
	}
	if !proceed {
		e.logger.Debug().Time("cycle", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report := Report{ID: e.newID(), Network: e.opts.Network, StartedAt: e.now().UTC()}
	log := e.logger.With().Str("cycle_id", report.ID).Logger()

	borrowers, err := e.deps.Directory.Discover(ctx, e.opts.FromBlock)
	if err != nil {
		err = fmt.Errorf("discover borrowers: %w", err)
		e.finish(ctx, log, report, nil, err)
		return err
	}
	report.Borrowers = len(borrowers)
	e.deps.Metrics.SetBorrowers(len(borrowers))
	log.Info().Int("borrowers", len(borrowers)).Msg("cycle started")

	// 每周期读取一次余额用于记录；执行前仍会重新读取。
	if balance, err := e.deps.Vault.StandbyBalance(ctx); err != nil {
		log.Warn().Err(err).Msg("vault balance unavailable for cycle report")
	} else {
		report.VaultBalance = balance
		e.deps.Metrics.SetVaultBalance(risk.ToDecimal(balance).InexactFloat64())
	}

	var attempts []storage.AttemptRecord
	for _, borrower := range borrowers {
		if ctx.Err() != nil {
			break
		}
		entry, ok := e.assess(ctx, log, borrower, nil)
		if !ok {
			report.Skipped++
			continue
		}
		if entry.Plan.Actionable() {
			result := e.deps.Executor.Execute(ctx, borrower, entry.Plan, entry.Sufficient)
			entry.Result = &result
			attempts = append(attempts, e.observeResult(ctx, log, report.ID, entry)...)
			if entry.Vault.Balance != nil {
				report.VaultBalance = entry.Vault.Balance
			}
		}
		report.Entries = append(report.Entries, entry)
	}

	e.finish(ctx, log, report, attempts, ctx.Err())
	return nil
}

// Enumerate 只读模式：为每个借款人计算快照、计划与流动性判断，不提交交易。
func (e *Engine) Enumerate(ctx context.Context) (Report, error) {
	report := Report{ID: e.newID(), Network: e.opts.Network, StartedAt: e.now().UTC()}
	log := e.logger.With().Str("cycle_id", report.ID).Str("mode", "enumerate").Logger()

	borrowers, err := e.deps.Directory.Discover(ctx, e.opts.FromBlock)
	if err != nil {
		return Report{}, fmt.Errorf("discover borrowers: %w", err)
	}
	report.Borrowers = len(borrowers)

	balance, err := e.deps.Vault.StandbyBalance(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read vault balance: %w", err)
	}
	report.VaultBalance = balance
	report.Ceiling = e.opts.Ceiling

	for _, borrower := range borrowers {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		entry, ok := e.assess(ctx, log, borrower, balance)
		if !ok {
			report.Skipped++
			continue
		}
		report.Entries = append(report.Entries, entry)
	}
	report.FinishedAt = e.now().UTC()

	log.Info().
		Int("borrowers", report.Borrowers).
		Int("entries", len(report.Entries)).
		Int("skipped", report.Skipped).
		Msg("enumeration finished")
	return report, nil
}

// Inspect 评估单个借款人，不提交交易。
func (e *Engine) Inspect(ctx context.Context, borrower common.Address) (Entry, error) {
	snap, err := e.deps.Builder.Build(ctx, borrower)
	if err != nil {
		return Entry{}, fmt.Errorf("build snapshot: %w", err)
	}
	entry := Entry{Snapshot: snap, Plan: e.deps.Classifier.Classify(snap)}

	balance, err := e.deps.Vault.StandbyBalance(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("read vault balance: %w", err)
	}
	entry.Vault = risk.VaultState{Balance: balance, Ceiling: e.opts.Ceiling}
	entry.Sufficient = risk.Gate(entry.Plan, entry.Vault)
	return entry, nil
}

// assess builds, classifies and gates one borrower. A nil balance reads the
// vault afresh for liquidatable plans.
func (e *Engine) assess(ctx context.Context, log zerolog.Logger, borrower common.Address, balance *big.Int) (Entry, bool) {
	snap, err := e.deps.Builder.Build(ctx, borrower)
	if err != nil {
		e.deps.Metrics.IncSnapshotError()
		log.Warn().Err(err).Str("borrower", borrower.Hex()).Msg("snapshot failed, borrower skipped this cycle")
		return Entry{}, false
	}

	plan := e.deps.Classifier.Classify(snap)
	e.deps.Metrics.ObservePlan(plan.Type.String())
	entry := Entry{Snapshot: snap, Plan: plan}
	if !plan.Actionable() {
		return entry, true
	}

	if balance == nil {
		balance, err = e.deps.Vault.StandbyBalance(ctx)
		if err != nil {
			log.Error().Err(err).Str("borrower", borrower.Hex()).Msg("vault balance unavailable, borrower skipped this cycle")
			return Entry{}, false
		}
	}
	entry.Vault = risk.VaultState{Balance: balance, Ceiling: e.opts.Ceiling}
	entry.Sufficient = risk.Gate(plan, entry.Vault)
	e.deps.Metrics.SetVaultBalance(risk.ToDecimal(balance).InexactFloat64())

	log.Info().
		Str("borrower", borrower.Hex()).
		Str("plan", plan.Type.String()).
		Str("amount", risk.ToDecimal(plan.Amount).String()).
		Str("shortfall", risk.ToDecimal(snap.Shortfall).String()).
		Str("ltv_pct", snap.LTVPercent.StringFixed(2)).
		Str("vault_available", risk.ToDecimal(entry.Vault.Available()).String()).
		Bool("sufficient", entry.Sufficient).
		Msg("borrower liquidatable")
	return entry, true
}

func (e *Engine) observeResult(ctx context.Context, log zerolog.Logger, cycleID string, entry Entry) []storage.AttemptRecord {
	res := entry.Result
	planType := entry.Plan.Type.String()
	e.deps.Metrics.ObserveOutcome(planType, string(res.Outcome))

	records := make([]storage.AttemptRecord, 0, len(res.Attempts)+1)
	for _, attempt := range res.Attempts {
		if !res.DryRun {
			e.deps.Metrics.ObserveAttempt(attempt.Flashloan, attempt.Err == nil)
		}
		outcome := string(executor.OutcomeFailed)
		if attempt.Err == nil {
			outcome = string(res.Outcome)
		}
		records = append(records, attemptRecord(cycleID, res.Borrower, planType, outcome, attempt))
	}
	if len(res.Attempts) == 0 {
		records = append(records, attemptRecord(cycleID, res.Borrower, planType, string(res.Outcome), executor.Attempt{Amount: entry.Plan.Amount}))
	}

	switch {
	case res.Outcome == executor.OutcomeInsufficientLiquidity:
		e.alert(ctx, log, cycleID, alerting.KindInsufficientLiquidity, entry)
	case res.Succeeded():
		e.alert(ctx, log, cycleID, alerting.KindLiquidationExecuted, entry)
	}
	return records
}

func (e *Engine) alert(ctx context.Context, log zerolog.Logger, cycleID string, kind alerting.Kind, entry Entry) {
	if e.deps.Alerter == nil {
		return
	}

	note := alerting.Notification{
		Kind:         kind,
		Network:      e.opts.Network,
		Borrower:     entry.Snapshot.Borrower,
		PlanType:     entry.Plan.Type.String(),
		Amount:       risk.ToDecimal(entry.Plan.Amount),
		VaultBalance: risk.ToDecimal(entry.Vault.Available()),
		At:           e.now().UTC(),
	}
	if res := entry.Result; res != nil && res.Succeeded() {
		note.Amount = risk.ToDecimal(res.Amount)
		note.TxHash = res.TxHash.Hex()
		note.Flashloan = res.Flashloan
	}

	sent := e.deps.Alerter.Notify(ctx, note)
	e.deps.Metrics.ObserveAlert(string(kind), sent)
	if !sent || e.deps.AlertStore == nil {
		return
	}
	record := storage.AlertRecord{
		CycleID:  cycleID,
		Borrower: note.Borrower.Hex(),
		Kind:     string(kind),
		Channels: e.opts.Channels,
	}
	if _, err := e.deps.AlertStore.InsertAlert(ctx, record); err != nil {
		log.Error().Err(err).Str("borrower", note.Borrower.Hex()).Msg("failed to persist alert record")
	}
}

func (e *Engine) finish(ctx context.Context, log zerolog.Logger, report Report, attempts []storage.AttemptRecord, cycleErr error) {
	report.FinishedAt = e.now().UTC()
	status := buildStatus(report, cycleErr)
	took := report.FinishedAt.Sub(report.StartedAt)

	e.mu.Lock()
	e.status = status
	e.hasRun = true
	e.mu.Unlock()

	e.deps.Metrics.ObserveCycle(status.Status, took)

	if cycleErr != nil {
		log.Error().Err(cycleErr).Dur("took", took).Msg("cycle aborted")
	} else {
		log.Info().
			Int("borrowers", status.Borrowers).
			Int("liquidatable", status.Liquidatable).
			Int("executed", status.Executed).
			Int("failed", status.Failed).
			Dur("took", took).
			Msg("cycle finished")
	}

	if e.deps.Store == nil {
		return
	}
	// persist even when the cycle context is already cancelled
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.deps.Store.SaveCycle(saveCtx, cycleRecord(report, status), snapshotRecords(report), attempts); err != nil {
		log.Error().Err(err).Msg("failed to persist cycle")
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func attemptRecord(cycleID string, borrower common.Address, planType, outcome string, attempt executor.Attempt) storage.AttemptRecord {
	rec := storage.AttemptRecord{
		CycleID:   cycleID,
		Borrower:  borrower.Hex(),
		PlanType:  planType,
		Outcome:   outcome,
		Percent:   attempt.Percent,
		Amount:    risk.ToDecimal(attempt.Amount),
		Flashloan: attempt.Flashloan,
	}
	if attempt.TxHash != (common.Hash{}) {
		hash := attempt.TxHash.Hex()
		rec.TxHash = &hash
	}
	if attempt.Err != nil {
		msg := attempt.Err.Error()
		rec.Error = &msg
	}
	return rec
}

func cycleRecord(report Report, status Status) storage.CycleRecord {
	rec := storage.CycleRecord{
		ID:             report.ID,
		Network:        report.Network,
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
		Borrowers:      status.Borrowers,
		Liquidatable:   status.Liquidatable,
		Executed:       status.Executed,
		Failed:         status.Failed,
		VaultBalance:   risk.ToDecimal(report.VaultBalance),
		TotalShortfall: totalShortfall(report.Entries),
		Status:         status.Status,
	}
	if status.Error != "" {
		msg := status.Error
		rec.Error = &msg
	}
	return rec
}

func snapshotRecords(report Report) []storage.SnapshotRecord {
	records := make([]storage.SnapshotRecord, 0, len(report.Entries))
	for _, entry := range report.Entries {
		snap := entry.Snapshot
		records = append(records, storage.SnapshotRecord{
			CycleID:            report.ID,
			Borrower:           snap.Borrower.Hex(),
			BorrowValue:        risk.ToDecimal(snap.BorrowValue),
			CollateralValue:    risk.ToDecimal(snap.CollateralValueAdjusted),
			CollateralValueRaw: risk.ToDecimal(snap.CollateralValueRaw),
			Liquidity:          risk.ToDecimal(snap.AccountLiquidity),
			Shortfall:          risk.ToDecimal(snap.Shortfall),
			BadDebt:            risk.ToDecimal(snap.BadDebt),
			LTVPercent:         snap.LTVPercent,
			PlanType:           entry.Plan.Type.String(),
			PlanAmount:         risk.ToDecimal(entry.Plan.Amount),
			TakenAt:            snap.TakenAt,
		})
	}
	return records
}

func totalShortfall(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(risk.ToDecimal(entry.Snapshot.Shortfall))
	}
	return total
}
