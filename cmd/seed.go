package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

var seedPeriodKey string

// seedFixture is one demo benchmark row without the generated fields.
type seedFixture struct {
	supplierID, supplierName string
	peerID, peerName         string
	category, ceeRating      string
	supplierIntensity        float64
	peerIntensity            float64
	potentialReductionPct    float64
	upstreamImpactPct        float64
	industrySector           string
	revenueBand              string
}

var seedFixtures = []seedFixture{
	{"ppg_001", "PPG Industries", "sika_001", "Sika AG", "Purchased Goods & Services", "C-", 0.45, 0.35, 22.0, 8.78, "Chemicals & Coatings", "$10B-$20B"},
	{"ups_001", "UPS Logistics", "dhl_001", "DHL Express", "Transport & Distribution", "B", 0.32, 0.27, 15.6, 4.12, "Logistics", "$50B+"},
	{"dow_001", "Dow Chemical", "basf_001", "BASF SE", "Fuel & Energy Activities", "C", 0.58, 0.47, 18.9, 3.05, "Petrochemicals", "$50B+"},
	{"cat_001", "Caterpillar Inc", "komatsu_001", "Komatsu Ltd", "Capital Goods", "C+", 0.42, 0.33, 21.4, 2.89, "Heavy Machinery", "$50B+"},
	{"ford_001", "Ford Motor Co", "tesla_001", "Tesla Inc", "Purchased Goods & Services", "D+", 0.68, 0.41, 39.7, 2.45, "Automotive", "$100B+"},
	{"alcoa_001", "Alcoa Corporation", "novelis_001", "Novelis Inc", "Purchased Goods & Services", "C-", 0.72, 0.52, 27.8, 2.31, "Aluminum Production", "$10B-$20B"},
	{"maersk_001", "Maersk Line", "cma_001", "CMA CGM", "Transport & Distribution", "B-", 0.38, 0.31, 18.4, 1.98, "Maritime Shipping", "$50B+"},
	{"nucor_001", "Nucor Steel", "ssab_001", "SSAB AB", "Purchased Goods & Services", "B+", 0.28, 0.19, 32.1, 1.76, "Steel Production", "$20B-$50B"},
	{"dupont_001", "DuPont de Nemours", "dsm_001", "DSM-Firmenich", "Fuel & Energy Activities", "B", 0.35, 0.28, 20.0, 1.54, "Specialty Chemicals", "$10B-$20B"},
	{"fedex_001", "FedEx Corporation", "ups_green_001", "UPS Green Fleet", "Transport & Distribution", "B-", 0.41, 0.32, 22.0, 1.42, "Logistics", "$50B+"},
	{"packaging_001", "International Paper", "stora_001", "Stora Enso", "Packaging Materials", "C+", 0.48, 0.36, 25.0, 1.28, "Paper & Packaging", "$20B-$50B"},
	{"cement_001", "LafargeHolcim", "heidelberg_001", "Heidelberg Materials", "Purchased Goods & Services", "D", 0.82, 0.65, 20.7, 1.15, "Cement & Aggregates", "$20B-$50B"},
}

func seedBenchmarks(ctx context.Context, env *serviceEnv) error {
	now := time.Now().UTC()
	for _, f := range seedFixtures {
		b := model.SupplierBenchmark{
			ID:                    uuid.NewString(),
			SupplierID:            f.supplierID,
			SupplierName:          f.supplierName,
			PeerID:                f.peerID,
			PeerName:              f.peerName,
			Category:              f.category,
			CEERating:             f.ceeRating,
			SupplierIntensity:     f.supplierIntensity,
			PeerIntensity:         f.peerIntensity,
			PotentialReductionPct: f.potentialReductionPct,
			UpstreamImpactPct:     f.upstreamImpactPct,
			IndustrySector:        f.industrySector,
			RevenueBand:           f.revenueBand,
			PeriodKey:             seedPeriodKey,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := env.Store.UpsertSupplierBenchmark(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo supplier benchmarks",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := seedBenchmarks(cmd.Context(), env); err != nil {
			return err
		}

		zap.L().Info("seeded supplier benchmarks",
			zap.Int("count", len(seedFixtures)),
			zap.String("period_key", seedPeriodKey))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedPeriodKey, "period", "2026-Q1", "reporting period key for seeded rows")
	rootCmd.AddCommand(seedCmd)
}
