// Package report produces spreadsheet exports for reviewers.
package report

import (
	"bytes"
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

// Exporter builds XLSX workbooks from store data.
type Exporter struct {
	store store.Store
	sink  *audit.Sink
}

func NewExporter(st store.Store, sink *audit.Sink) *Exporter {
	return &Exporter{store: st, sink: sink}
}

var anomalyHeader = []string{
	"Rule", "Severity", "Status", "Entity", "Field", "Message",
	"First Seen", "Last Seen", "Resolved By",
}

var benchmarkHeader = []string{
	"Supplier", "Category", "CEE Rating", "Supplier Intensity",
	"Peer Intensity", "Potential Reduction %", "Upstream Impact %",
}

// Anomalies exports the period's anomaly ledger alongside the benchmarks it
// scored, one sheet each.
func (e *Exporter) Anomalies(ctx context.Context, periodKey, actor string) ([]byte, error) {
	anomalies, err := e.store.ListAnomalies(ctx, model.AnomalyFilter{PeriodKey: periodKey, Limit: 10000})
	if err != nil {
		return nil, err
	}
	benchmarks, err := e.store.ListSupplierBenchmarks(ctx, store.SupplierFilter{PeriodKey: periodKey, Limit: 10000})
	if err != nil {
		return nil, err
	}

	f := xlsx.NewFile()

	anomalySheet, err := f.AddSheet("Anomalies")
	if err != nil {
		return nil, eris.Wrap(err, "report: add anomalies sheet")
	}
	writeHeader(anomalySheet, anomalyHeader)
	for _, a := range anomalies {
		row := anomalySheet.AddRow()
		row.AddCell().SetString(a.RuleID)
		row.AddCell().SetString(string(a.Severity))
		row.AddCell().SetString(string(a.Status))
		row.AddCell().SetString(a.Target.EntityType + "/" + a.Target.EntityID)
		row.AddCell().SetString(a.Target.FieldPath)
		row.AddCell().SetString(a.Message)
		row.AddCell().SetString(a.FirstSeen.Format(time.RFC3339))
		row.AddCell().SetString(a.LastSeen.Format(time.RFC3339))
		row.AddCell().SetString(a.ResolvedBy)
	}

	benchSheet, err := f.AddSheet("Benchmarks")
	if err != nil {
		return nil, eris.Wrap(err, "report: add benchmarks sheet")
	}
	writeHeader(benchSheet, benchmarkHeader)
	for _, b := range benchmarks {
		row := benchSheet.AddRow()
		row.AddCell().SetString(b.SupplierName)
		row.AddCell().SetString(b.Category)
		row.AddCell().SetString(b.CEERating)
		row.AddCell().SetFloat(b.SupplierIntensity)
		row.AddCell().SetFloat(b.PeerIntensity)
		row.AddCell().SetFloat(b.PotentialReductionPct)
		row.AddCell().SetFloat(b.UpstreamImpactPct)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "report: write workbook")
	}

	e.sink.Emit("report.export", "period", periodKey, actor)
	return buf.Bytes(), nil
}

func writeHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, col := range cols {
		row.AddCell().SetString(col)
	}
}
