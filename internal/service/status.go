package service

import (
	"time"

	"vault-liquidator/internal/executor"
	"vault-liquidator/internal/risk"
	"vault-liquidator/internal/storage"
)

// Status describes the most recent cycle.
type Status struct {
	CycleID      string    `json:"cycle_id"`
	Network      string    `json:"network"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Borrowers    int       `json:"borrowers"`
	Liquidatable int       `json:"liquidatable"`
	Executed     int       `json:"executed"`
	Failed       int       `json:"failed"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

// Status returns the last cycle status; ok is false before the first cycle.
func (e *Engine) Status() (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status, e.hasRun
}

func buildStatus(report Report, cycleErr error) Status {
	status := Status{
		CycleID:    report.ID,
		Network:    report.Network,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Borrowers:  report.Borrowers,
		Status:     storage.CycleStatusComplete,
	}
	if cycleErr != nil {
		status.Status = storage.CycleStatusAborted
		status.Error = cycleErr.Error()
	}
	for _, entry := range report.Entries {
		if entry.Plan.Type != risk.PlanNone {
			status.Liquidatable++
		}
		if entry.Result == nil {
			continue
		}
		switch entry.Result.Outcome {
		case executor.OutcomeExecuted:
			status.Executed++
		case executor.OutcomeFailed:
			status.Failed++
		}
	}
	return status
}
