package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// Rule evaluates one quality concern against a period snapshot. Rules are
// pure functions of the snapshot: same snapshot, same findings, every time.
type Rule interface {
	ID() string
	Evaluate(snap *Snapshot) []model.Finding
}

// highImpactFields are the benchmark fields that feed reported reduction
// numbers and must always be evidence-backed.
var highImpactFields = []string{"supplier_intensity", "upstream_impact_pct"}

// DefaultRules returns the built-in rule set.
func DefaultRules(minEvidenceLocations int, stalenessWindow time.Duration, intensityCap float64) []Rule {
	return []Rule{
		MissingProvenanceRule{},
		InsufficientEvidenceRule{Min: minEvidenceLocations},
		PipelineHygieneRule{Window: stalenessWindow},
		NumericSanityRule{IntensityCap: intensityCap},
	}
}

// MissingProvenanceRule flags high-impact benchmark fields with no evidence
// edge at all.
type MissingProvenanceRule struct{}

func (MissingProvenanceRule) ID() string { return "missing-provenance" }

func (MissingProvenanceRule) Evaluate(snap *Snapshot) []model.Finding {
	var out []model.Finding
	for _, b := range snap.Benchmarks {
		for _, field := range highImpactFields {
			if snap.ProvenanceCount("supplier_benchmark", b.ID, field) > 0 {
				continue
			}
			out = append(out, model.Finding{
				RuleID:   "missing-provenance",
				Target:   model.TargetRef{EntityType: "supplier_benchmark", EntityID: b.ID, FieldPath: field},
				Severity: model.SeverityHigh,
				Message:  fmt.Sprintf("%s for %s has no supporting evidence", field, b.SupplierName),
			})
		}
	}
	return out
}

// InsufficientEvidenceRule flags fields that are evidence-backed but below
// the configured minimum of distinct locations.
type InsufficientEvidenceRule struct {
	Min int
}

func (InsufficientEvidenceRule) ID() string { return "insufficient-evidence-context" }

func (r InsufficientEvidenceRule) Evaluate(snap *Snapshot) []model.Finding {
	min := r.Min
	if min <= 0 {
		min = 2
	}
	var out []model.Finding
	for _, b := range snap.Benchmarks {
		for _, field := range highImpactFields {
			n := snap.EvidenceLocations(b.ID, field)
			if n == 0 || n >= min {
				// Zero is missing-provenance territory, not this rule's.
				continue
			}
			out = append(out, model.Finding{
				RuleID:   "insufficient-evidence-context",
				Target:   model.TargetRef{EntityType: "supplier_benchmark", EntityID: b.ID, FieldPath: field},
				Severity: model.SeverityMedium,
				Message:  fmt.Sprintf("%s for %s cites %d location(s), need %d", field, b.SupplierName, n, min),
			})
		}
	}
	return out
}

// PipelineHygieneRule flags documents sitting unprocessed past the
// staleness window: uploaded but never rendered, or rendered but never
// extracted.
type PipelineHygieneRule struct {
	Window time.Duration
}

func (PipelineHygieneRule) ID() string { return "pipeline-hygiene" }

func (r PipelineHygieneRule) Evaluate(snap *Snapshot) []model.Finding {
	window := r.Window
	if window <= 0 {
		window = 72 * time.Hour
	}
	var out []model.Finding
	for _, ds := range snap.Documents {
		if snap.AsOf.Sub(ds.Document.UploadedAt) < window {
			continue
		}
		var stage string
		switch {
		case ds.RenderedAt == nil:
			stage = "never rendered"
		case ds.ExtractedAt == nil:
			stage = "rendered but never extracted"
		default:
			continue
		}
		out = append(out, model.Finding{
			RuleID:   "pipeline-hygiene",
			Target:   model.TargetRef{EntityType: "document", EntityID: ds.Document.ID},
			Severity: model.SeverityLow,
			Message:  fmt.Sprintf("document %s %s since upload", ds.Document.Filename, stage),
		})
	}
	return out
}

// NumericSanityRule flags benchmark values that cannot be right regardless
// of evidence: non-finite numbers, negatives, impossible percentages,
// intensities past the magnitude cap, and reduction claims that contradict
// the intensity gap.
type NumericSanityRule struct {
	// IntensityCap is the order-of-magnitude bound on intensities
	// (tCO2e per USD revenue). Zero means DefaultIntensityCap.
	IntensityCap float64
}

// DefaultIntensityCap is orders of magnitude above the most carbon-intense
// sector in the benchmark data; anything past it is a data error.
const DefaultIntensityCap = 1000

func (NumericSanityRule) ID() string { return "numeric-sanity" }

func (r NumericSanityRule) Evaluate(snap *Snapshot) []model.Finding {
	bound := r.IntensityCap
	if bound <= 0 {
		bound = DefaultIntensityCap
	}
	var out []model.Finding
	flag := func(b model.SupplierBenchmark, field, msg string, severity model.AnomalySeverity) {
		out = append(out, model.Finding{
			RuleID:   "numeric-sanity",
			Target:   model.TargetRef{EntityType: "supplier_benchmark", EntityID: b.ID, FieldPath: field},
			Severity: severity,
			Message:  msg,
		})
	}
	// finite reports a NaN or Inf value and tells the caller to skip the
	// range checks, which NaN would slide through.
	finite := func(b model.SupplierBenchmark, field string, v float64) bool {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			flag(b, field,
				fmt.Sprintf("%s for %s is not a finite number", field, b.SupplierName),
				model.SeverityHigh)
			return false
		}
		return true
	}

	for _, b := range snap.Benchmarks {
		supOK := finite(b, "supplier_intensity", b.SupplierIntensity)
		if supOK {
			if b.SupplierIntensity < 0 {
				flag(b, "supplier_intensity",
					fmt.Sprintf("negative intensity %.2f for %s", b.SupplierIntensity, b.SupplierName),
					model.SeverityHigh)
			} else if b.SupplierIntensity > bound {
				flag(b, "supplier_intensity",
					fmt.Sprintf("intensity %.2f exceeds sanity bound %.0f for %s", b.SupplierIntensity, bound, b.SupplierName),
					model.SeverityHigh)
			}
		}
		peerOK := finite(b, "peer_intensity", b.PeerIntensity)
		if peerOK {
			if b.PeerIntensity < 0 {
				flag(b, "peer_intensity",
					fmt.Sprintf("negative peer intensity %.2f for %s", b.PeerIntensity, b.SupplierName),
					model.SeverityHigh)
			} else if b.PeerIntensity > bound {
				flag(b, "peer_intensity",
					fmt.Sprintf("peer intensity %.2f exceeds sanity bound %.0f for %s", b.PeerIntensity, bound, b.SupplierName),
					model.SeverityHigh)
			}
		}
		if finite(b, "annual_spend_usd", b.AnnualSpendUSD) && b.AnnualSpendUSD < 0 {
			flag(b, "annual_spend_usd",
				fmt.Sprintf("negative annual spend %.0f for %s", b.AnnualSpendUSD, b.SupplierName),
				model.SeverityHigh)
		}
		if finite(b, "potential_reduction_pct", b.PotentialReductionPct) &&
			(b.PotentialReductionPct < 0 || b.PotentialReductionPct > 100) {
			flag(b, "potential_reduction_pct",
				fmt.Sprintf("reduction %.1f%% outside [0,100] for %s", b.PotentialReductionPct, b.SupplierName),
				model.SeverityHigh)
		}
		if finite(b, "upstream_impact_pct", b.UpstreamImpactPct) &&
			(b.UpstreamImpactPct < 0 || b.UpstreamImpactPct > 100) {
			flag(b, "upstream_impact_pct",
				fmt.Sprintf("upstream impact %.1f%% outside [0,100] for %s", b.UpstreamImpactPct, b.SupplierName),
				model.SeverityHigh)
		}
		if supOK && peerOK && b.SupplierIntensity >= 0 && b.PeerIntensity >= 0 &&
			b.SupplierIntensity <= b.PeerIntensity && b.PotentialReductionPct > 0 {
			flag(b, "potential_reduction_pct",
				fmt.Sprintf("%s already at or below peer intensity yet claims %.1f%% reduction", b.SupplierName, b.PotentialReductionPct),
				model.SeverityMedium)
		}
	}
	return out
}
