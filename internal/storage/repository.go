package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	insertCycleSQL = `INSERT INTO liquidation_cycles (
        id,
        network,
        started_at,
        finished_at,
        borrowers,
        liquidatable,
        executed,
        failed,
        vault_balance,
        total_shortfall,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	insertSnapshotSQL = `INSERT INTO borrower_snapshots (
        cycle_id,
        borrower,
        borrow_value,
        collateral_value,
        collateral_value_raw,
        liquidity,
        shortfall,
        bad_debt,
        ltv_pct,
        plan_type,
        plan_amount,
        taken_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	insertAttemptSQL = `INSERT INTO liquidation_attempts (
        cycle_id,
        borrower,
        plan_type,
        outcome,
        percent,
        amount,
        flashloan,
        tx_hash,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	selectCycleColumns = `SELECT
        id::text,
        network,
        started_at,
        finished_at,
        borrowers,
        liquidatable,
        executed,
        failed,
        vault_balance::text,
        total_shortfall::text,
        status,
        error
    FROM liquidation_cycles`

	listCyclesBetweenSQL = selectCycleColumns + `
    WHERE started_at >= $1
      AND started_at < $2
    ORDER BY started_at;`

	listRecentCyclesSQL = selectCycleColumns + `
    ORDER BY started_at DESC
    LIMIT $1;`

	countCyclesSQL = `SELECT COUNT(*) FROM liquidation_cycles;`

	insertAlertSQL = `INSERT INTO liquidation_alerts (
        cycle_id,
        borrower,
        kind,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        COALESCE(cycle_id::text, ''),
        borrower,
        kind,
        channels,
        created_at
    FROM liquidation_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteCyclesBeforeSQL = `DELETE FROM liquidation_cycles WHERE started_at < $1;`
	deleteAlertsBeforeSQL = `DELETE FROM liquidation_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// CycleStore persists cycle outcomes.
type CycleStore interface {
	SaveCycle(ctx context.Context, cycle CycleRecord, snapshots []SnapshotRecord, attempts []AttemptRecord) error
	ListCyclesBetween(ctx context.Context, from, to time.Time) ([]CycleRecord, error)
	ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
	CountCycles(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// HistoryPruner deletes rows older than a cutoff.
type HistoryPruner interface {
	DeleteHistoryBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to cycles, snapshots, attempts and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveCycle writes a cycle with its snapshots and attempts in one transaction.
func (s *Store) SaveCycle(ctx context.Context, cycle CycleRecord, snapshots []SnapshotRecord, attempts []AttemptRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var cycleErr interface{}
	if cycle.Error != nil {
		cycleErr = *cycle.Error
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(insertCycleSQL,
			cycle.ID,
			cycle.Network,
			cycle.StartedAt,
			cycle.FinishedAt,
			cycle.Borrowers,
			cycle.Liquidatable,
			cycle.Executed,
			cycle.Failed,
			cycle.VaultBalance.String(),
			cycle.TotalShortfall.String(),
			cycle.Status,
			cycleErr,
		)
		for _, snap := range snapshots {
			batch.Queue(insertSnapshotSQL,
				cycle.ID,
				snap.Borrower,
				snap.BorrowValue.String(),
				snap.CollateralValue.String(),
				snap.CollateralValueRaw.String(),
				snap.Liquidity.String(),
				snap.Shortfall.String(),
				snap.BadDebt.String(),
				snap.LTVPercent.String(),
				snap.PlanType,
				snap.PlanAmount.String(),
				snap.TakenAt,
			)
		}
		for _, attempt := range attempts {
			var txHash, attemptErr interface{}
			if attempt.TxHash != nil {
				txHash = *attempt.TxHash
			}
			if attempt.Error != nil {
				attemptErr = *attempt.Error
			}
			batch.Queue(insertAttemptSQL,
				cycle.ID,
				attempt.Borrower,
				attempt.PlanType,
				attempt.Outcome,
				attempt.Percent,
				attempt.Amount.String(),
				attempt.Flashloan,
				txHash,
				attemptErr,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save cycle: %w", err)
	}
	return nil
}

// ListCyclesBetween lists cycles started within a time window.
func (s *Store) ListCyclesBetween(ctx context.Context, from, to time.Time) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCyclesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list cycles between: %w", queryErr)
	}
	defer rows.Close()

	cycles := make([]CycleRecord, 0)
	for rows.Next() {
		cycle, scanErr := scanCycle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		cycles = append(cycles, cycle)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cycles, nil
}

// ListRecentCycles lists the most recent cycles, newest first.
func (s *Store) ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCyclesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycles: %w", queryErr)
	}
	defer rows.Close()

	cycles := make([]CycleRecord, 0, limit)
	for rows.Next() {
		cycle, scanErr := scanCycle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		cycles = append(cycles, cycle)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cycles, nil
}

// CountCycles counts stored cycles.
func (s *Store) CountCycles(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countCyclesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count cycles: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var cycleID interface{}
	if alert.CycleID != "" {
		cycleID = alert.CycleID
	}
	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	rec := alert
	if scanErr := pool.QueryRow(ctx, insertAlertSQL, cycleID, alert.Borrower, alert.Kind, channels).
		Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.CycleID,
			&rec.Borrower,
			&rec.Kind,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteHistoryBefore removes cycles (with their snapshots and attempts) and
// alerts older than the cutoff. It returns the number of rows deleted.
func (s *Store) DeleteHistoryBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, execErr := tx.Exec(ctx, deleteCyclesBeforeSQL, olderThan)
		if execErr != nil {
			return execErr
		}
		deleted += tag.RowsAffected()
		tag, execErr = tx.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
		if execErr != nil {
			return execErr
		}
		deleted += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete history before: %w", err)
	}
	return deleted, nil
}

func scanCycle(rows pgx.Rows) (CycleRecord, error) {
	var (
		rec          CycleRecord
		vaultStr     string
		shortfallStr string
		errMsg       sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Network,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Borrowers,
		&rec.Liquidatable,
		&rec.Executed,
		&rec.Failed,
		&vaultStr,
		&shortfallStr,
		&rec.Status,
		&errMsg,
	); err != nil {
		return CycleRecord{}, err
	}

	var err error
	rec.VaultBalance, err = decimal.NewFromString(vaultStr)
	if err != nil {
		return CycleRecord{}, fmt.Errorf("parse vault balance: %w", err)
	}
	rec.TotalShortfall, err = decimal.NewFromString(shortfallStr)
	if err != nil {
		return CycleRecord{}, fmt.Errorf("parse total shortfall: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

var (
	_ CycleStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ HistoryPruner  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
