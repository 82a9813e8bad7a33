// Package quality runs deterministic rules over a period's data and keeps
// an upsert ledger of anomalies that humans triage.
package quality

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sankalpsthakur/scope3-reduce/internal/audit"
	"github.com/sankalpsthakur/scope3-reduce/internal/config"
	"github.com/sankalpsthakur/scope3-reduce/internal/lock"
	"github.com/sankalpsthakur/scope3-reduce/internal/model"
	"github.com/sankalpsthakur/scope3-reduce/internal/store"
)

// ScanReport summarizes one scan run.
type ScanReport struct {
	PeriodKey string    `json:"period_key"`
	AsOf      time.Time `json:"as_of"`
	Findings  int       `json:"findings"`
	Opened    int       `json:"opened"`
	Updated   int       `json:"updated"`
	Reopened  int       `json:"reopened"`
	Stale     int       `json:"stale"`
}

// Scanner owns the rule set and the ledger reconcile.
type Scanner struct {
	store  store.Store
	gate   *lock.Gate
	sink   *audit.Sink
	rules  []Rule
	policy *Policy
	stale  StalePolicy
}

func NewScanner(st store.Store, gate *lock.Gate, sink *audit.Sink, cfg config.QualityConfig) (*Scanner, error) {
	stale, err := ParseStalePolicy(cfg.StalePolicy)
	if err != nil {
		return nil, err
	}
	policy, err := LoadPolicy(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	window := time.Duration(cfg.StalenessWindowHours) * time.Hour
	return &Scanner{
		store:  st,
		gate:   gate,
		sink:   sink,
		rules:  DefaultRules(cfg.MinEvidenceLocations, window, cfg.IntensityCap),
		policy: policy,
		stale:  stale,
	}, nil
}

// Run scans one period. Running twice against unchanged data changes
// nothing but last-seen timestamps; the ledger never grows duplicates.
func (s *Scanner) Run(ctx context.Context, periodKey, actor string) (*ScanReport, error) {
	var report *ScanReport
	err := s.gate.Guard(ctx, periodKey, func(ctx context.Context) error {
		var err error
		report, err = s.run(ctx, periodKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.sink.Emit("quality.scan", "period", periodKey, actor)
	return report, nil
}

func (s *Scanner) run(ctx context.Context, periodKey string) (*ScanReport, error) {
	snap, err := BuildSnapshot(ctx, s.store, periodKey)
	if err != nil {
		return nil, err
	}

	var findings []model.Finding
	for _, rule := range s.rules {
		if !s.policy.Enabled(rule.ID()) {
			continue
		}
		findings = append(findings, rule.Evaluate(snap)...)
	}
	findings = s.policy.Apply(findings)

	report := &ScanReport{PeriodKey: periodKey, AsOf: snap.AsOf}
	seen := make(map[string]bool, len(findings))

	for _, f := range findings {
		key := f.RuleID + "|" + f.Target.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		report.Findings++

		existing, err := s.store.GetAnomalyByKey(ctx, f.RuleID, f.Target.Key())
		if err != nil {
			return nil, err
		}
		if existing == nil {
			a := model.Anomaly{
				ID:        uuid.NewString(),
				RuleID:    f.RuleID,
				Target:    f.Target,
				PeriodKey: periodKey,
				Severity:  f.Severity,
				Message:   f.Message,
				Status:    model.AnomalyOpen,
				Revision:  1,
				FirstSeen: snap.AsOf,
				LastSeen:  snap.AsOf,
			}
			if err := s.store.InsertAnomaly(ctx, a); err != nil {
				return nil, err
			}
			report.Opened++
			continue
		}

		for existing != nil {
			next := *existing
			next.Severity = f.Severity
			next.Message = f.Message
			next.LastSeen = snap.AsOf
			reopened := false
			switch existing.Status {
			case model.AnomalyResolved, model.AnomalyStale:
				// The condition is back; human resolution no longer stands.
				next.Status = model.AnomalyOpen
				next.ResolvedBy = ""
				next.ResolvedAt = nil
				reopened = true
			case model.AnomalyIgnored:
				// An ignored anomaly stays ignored however often it recurs.
			}
			err := s.store.UpdateAnomalyScan(ctx, next)
			if err == nil {
				if reopened {
					report.Reopened++
				} else {
					report.Updated++
				}
				break
			}
			if !eris.Is(err, model.ErrConflict) {
				return nil, err
			}
			// A triage decision landed after our read. Re-read and apply
			// the reconcile against the status the human chose.
			existing, err = s.store.GetAnomalyByKey(ctx, f.RuleID, f.Target.Key())
			if err != nil {
				return nil, err
			}
		}
	}

	// Open anomalies whose condition stopped triggering.
	open, err := s.store.ListAnomalies(ctx, model.AnomalyFilter{
		PeriodKey: periodKey,
		Status:    model.AnomalyOpen,
		Limit:     10000,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range open {
		if seen[a.RuleID+"|"+a.Target.Key()] {
			continue
		}
		if s.stale == StaleLeaveOpen {
			continue
		}
		cur := a
		for {
			next := cur
			if s.stale == StaleAutoResolve {
				next.Status = model.AnomalyResolved
				next.ResolvedBy = "scanner"
				t := snap.AsOf
				next.ResolvedAt = &t
			} else {
				next.Status = model.AnomalyStale
			}
			err := s.store.UpdateAnomalyScan(ctx, next)
			if err == nil {
				report.Stale++
				break
			}
			if !eris.Is(err, model.ErrConflict) {
				return nil, err
			}
			fresh, err := s.store.GetAnomaly(ctx, cur.ID)
			if err != nil {
				if eris.Is(err, model.ErrNotFound) {
					break
				}
				return nil, err
			}
			if fresh.Status != model.AnomalyOpen {
				// The human already triaged it out of open.
				break
			}
			cur = *fresh
		}
	}

	zap.L().Info("quality scan complete",
		zap.String("period_key", periodKey),
		zap.Int("findings", report.Findings),
		zap.Int("opened", report.Opened),
		zap.Int("reopened", report.Reopened),
		zap.Int("stale", report.Stale))
	return report, nil
}

// List returns anomalies matching the filter.
func (s *Scanner) List(ctx context.Context, filter model.AnomalyFilter) ([]model.Anomaly, error) {
	return s.store.ListAnomalies(ctx, filter)
}

// SetStatus applies a human triage decision with optimistic concurrency.
// The caller passes the revision it read; a stale revision yields
// ErrConflict and the caller re-reads.
func (s *Scanner) SetStatus(ctx context.Context, id string, status model.AnomalyStatus, actor string, expectedRevision int64) error {
	switch status {
	case model.AnomalyOpen, model.AnomalyIgnored, model.AnomalyResolved:
	default:
		return eris.Wrapf(model.ErrInvalid, "quality: status %q cannot be set directly", status)
	}

	a, err := s.store.GetAnomaly(ctx, id)
	if err != nil {
		return err
	}

	err = s.gate.Guard(ctx, a.PeriodKey, func(ctx context.Context) error {
		return s.store.UpdateAnomalyStatusCAS(ctx, id, status, actor, expectedRevision, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	s.sink.Emit("anomaly.status."+string(status), "anomaly", id, actor)
	return nil
}
