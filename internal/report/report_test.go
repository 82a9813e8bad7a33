package report

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

func newTestExporter(t *testing.T) (*Exporter, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	sink := audit.NewSink(s, 64)
	t.Cleanup(sink.Close)
	return NewExporter(s, sink), s
}

func TestExportAnomaliesWorkbook(t *testing.T) {
	e, s := newTestExporter(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertSupplierBenchmark(ctx, model.SupplierBenchmark{
		ID: "bm-1", SupplierID: "sup-1", SupplierName: "Acme Metals",
		Category: "Raw Materials", CEERating: "B+",
		SupplierIntensity: 12.4, PeerIntensity: 8.1,
		PotentialReductionPct: 34.7, UpstreamImpactPct: 18.2,
		IndustrySector: "Metals", RevenueBand: "$1B-$5B",
		PeriodKey: "2026-Q1", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.InsertAnomaly(ctx, model.Anomaly{
		ID:     uuid.NewString(),
		RuleID: "missing-provenance",
		Target: model.TargetRef{EntityType: "supplier_benchmark", EntityID: "bm-1", FieldPath: "supplier_intensity"},
		PeriodKey: "2026-Q1", Severity: model.SeverityHigh,
		Message: "no supporting evidence", Status: model.AnomalyOpen,
		Revision: 1, FirstSeen: now, LastSeen: now,
	}))

	data, err := e.Anomalies(ctx, "2026-Q1", "reviewer@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, data)

	f, err := xlsx.OpenReaderAt(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, f.Sheets, 2)

	anomalies := f.Sheets[0]
	require.GreaterOrEqual(t, len(anomalies.Rows), 2)
	assert.Equal(t, "Rule", anomalies.Rows[0].Cells[0].String())
	assert.Equal(t, "missing-provenance", anomalies.Rows[1].Cells[0].String())
	assert.Equal(t, "high", anomalies.Rows[1].Cells[1].String())

	benchmarks := f.Sheets[1]
	require.GreaterOrEqual(t, len(benchmarks.Rows), 2)
	assert.Equal(t, "Acme Metals", benchmarks.Rows[1].Cells[0].String())
}

func TestExportEmptyPeriod(t *testing.T) {
	e, _ := newTestExporter(t)

	data, err := e.Anomalies(context.Background(), "2099-Q9", "reviewer@example.com")
	require.NoError(t, err)

	f, err := xlsx.OpenReaderAt(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	// Header rows only.
	assert.Len(t, f.Sheets[0].Rows, 1)
	assert.Len(t, f.Sheets[1].Rows, 1)
}
