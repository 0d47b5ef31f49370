package metrics

import (
	"go/ast"
	"go/parser"
	"go/token"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCycle("complete", 2*time.Second)
	m.ObservePlan("standard")
	m.ObservePlan("standard")
	m.ObserveOutcome("standard", "executed")
	m.ObserveAttempt(false, false)
	m.ObserveAttempt(false, true)
	m.ObserveAlert("insufficient_liquidity", false)
	m.SetBorrowers(12)
	m.SetVaultBalance(500)
	m.IncSnapshotError()

	require.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("complete")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.plans.WithLabelValues("standard")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("false", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("insufficient_liquidity", "suppressed")))
	require.Equal(t, 12.0, testutil.ToFloat64(m.borrowers))
	require.Equal(t, 500.0, testutil.ToFloat64(m.vaultBalance))
	require.Equal(t, 1.0, testutil.ToFloat64(m.snapshotErrors))

	count, err := testutil.GatherAndCount(reg, "liquidator_cycle_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("aborted", time.Second)
	m.ObservePlan("none")
	m.ObserveAlert("x", true)
	m.SetVaultBalance(1)
}

func TestExportedIdentifiersDocumented(t *testing.T) {
	file, err := parser.ParseFile(token.NewFileSet(), "metrics.go", nil, parser.ParseComments)
	require.NoError(t, err)

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || !fn.Name.IsExported() {
			continue
		}
		require.NotNil(t, fn.Doc, "%s has no doc comment", fn.Name.Name)
	}
}
