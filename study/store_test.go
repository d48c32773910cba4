package study

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "study.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	id, err := store.CreateStudy(ctx, "roundtrip", "snr_levels: [1, 2]")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}

	reps := []ReplicationResult{
		{SNRLevel: 1, Replication: 0, Seed: 11, BetaCorr: 0.6, OffDiagErr: 0.2, RhoCorr: 0.5, SNRCorr: 0.4, Converged: true},
		{SNRLevel: 1, Replication: 1, Seed: 12, BetaCorr: 0.8, OffDiagErr: 0.4, RhoCorr: 0.7, SNRCorr: 0.6, Converged: false},
		{SNRLevel: 2, Replication: 0, Seed: 13, BetaCorr: 0.9, OffDiagErr: 0.1, RhoCorr: 0.8, SNRCorr: 0.7, Converged: true},
	}
	for _, r := range reps {
		if err := store.SaveReplication(ctx, id, r); err != nil {
			t.Fatalf("SaveReplication: %v", err)
		}
	}

	metrics, err := store.Metrics(ctx, id)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(metrics) != 2 {
		t.Fatalf("got %d levels, want 2", len(metrics))
	}

	m1 := metrics[0]
	if m1.SNRLevel != 1 || m1.Replications != 2 {
		t.Errorf("level 1 metrics = %+v", m1)
	}
	if math.Abs(m1.BetaCorr-0.7) > 1e-12 {
		t.Errorf("level 1 beta corr = %g, want 0.7", m1.BetaCorr)
	}
	if math.Abs(m1.ConvergenceRate-0.5) > 1e-12 {
		t.Errorf("level 1 convergence rate = %g, want 0.5", m1.ConvergenceRate)
	}
	if m2 := metrics[1]; m2.SNRLevel != 2 || m2.Replications != 1 {
		t.Errorf("level 2 metrics = %+v", m2)
	}

	// Results of another study must not leak in.
	other, err := store.CreateStudy(ctx, "other", "")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if metrics, err := store.Metrics(ctx, other); err != nil || len(metrics) != 0 {
		t.Errorf("empty study metrics = %v, %v", metrics, err)
	}
}

func TestExportMetricsCSV(t *testing.T) {
	metrics := []Metrics{
		{SNRLevel: 0.5, Replications: 4, BetaCorr: 0.25, OffDiagErr: 0.3, RhoCorr: 0.1, SNRCorr: 0.2, ConvergenceRate: 1},
		{SNRLevel: 2, Replications: 4, BetaCorr: 0.85, OffDiagErr: 0.1, RhoCorr: 0.6, SNRCorr: 0.5, ConvergenceRate: 0.75},
	}
	var sb strings.Builder
	if err := ExportMetricsCSV(&sb, metrics); err != nil {
		t.Fatalf("ExportMetricsCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), sb.String())
	}
	if !strings.HasPrefix(lines[0], "snr_level,replications,beta_corr") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0.5,4,0.25") {
		t.Errorf("unexpected first row: %s", lines[1])
	}
}
