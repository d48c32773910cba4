package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jamalw/brainiak/study"
)

func newStudyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "study",
		Short: "Run a replication study from a YAML config",
		Long: `study repeats simulate-and-fit cycles across a sweep of SNR levels,
aggregates recovery metrics per level, and optionally persists every
replication to a SQLite database and the aggregates to CSV.`,
		RunE: runStudy,
	}
	cmd.Flags().String("config", "", "Study configuration YAML (defaults apply when omitted)")
	cmd.Flags().String("db", "", "Optional SQLite database for replication results")
	cmd.Flags().String("csv", "", "Optional CSV file for aggregated metrics")
	return cmd
}

func runStudy(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	configPath, _ := cmd.Flags().GetString("config")
	dbPath, _ := cmd.Flags().GetString("db")
	csvPath, _ := cmd.Flags().GetString("csv")

	cfg := study.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = study.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if seed, _ := cmd.Flags().GetUint64("seed"); cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}

	metrics, results, err := study.Run(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("run study: %w", err)
	}

	if dbPath != "" {
		if err := persistStudy(cmd, dbPath, cfg, results); err != nil {
			return err
		}
		logger.Info("replications persisted", "db", dbPath, "count", len(results))
	}

	fmt.Printf("%-10s %-6s %-10s %-12s %-10s %-10s %s\n",
		"snr", "reps", "beta_corr", "offdiag_err", "rho_corr", "snr_corr", "converged")
	for _, m := range metrics {
		fmt.Printf("%-10.3g %-6d %-10.4f %-12.4f %-10.4f %-10.4f %.0f%%\n",
			m.SNRLevel, m.Replications, m.BetaCorr, m.OffDiagErr, m.RhoCorr, m.SNRCorr,
			m.ConvergenceRate*100)
	}

	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", csvPath, err)
		}
		defer f.Close()
		if err := study.ExportMetricsCSV(f, metrics); err != nil {
			return fmt.Errorf("export metrics: %w", err)
		}
		logger.Info("metrics exported", "csv", csvPath)
	}
	return nil
}

func persistStudy(cmd *cobra.Command, dbPath string, cfg study.Config, results []study.ReplicationResult) error {
	store, err := study.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}
	id, err := store.CreateStudy(cmd.Context(), cfg.Name, string(raw))
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := store.SaveReplication(cmd.Context(), id, r); err != nil {
			return err
		}
	}
	return nil
}
