package study

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jamalw/brainiak/brsa"
)

// ReplicationResult scores one simulate-and-fit cycle against the ground
// truth of its simulation.
type ReplicationResult struct {
	SNRLevel    float64
	Replication int
	Seed        uint64

	// BetaCorr is the Pearson correlation between recovered and true
	// betas; OffDiagErr the mean absolute error of the off-diagonal
	// entries of the recovered correlation matrix; RhoCorr and SNRCorr
	// the correlations of the recovered AR(1) and log-SNR maps with the
	// truth.
	BetaCorr   float64
	OffDiagErr float64
	RhoCorr    float64
	SNRCorr    float64
	Converged  bool
}

// Metrics aggregates replication results for one SNR level.
type Metrics struct {
	SNRLevel        float64
	Replications    int
	BetaCorr        float64
	OffDiagErr      float64
	RhoCorr         float64
	SNRCorr         float64
	ConvergenceRate float64
}

// Run executes the study: Replications simulate-and-fit cycles for every
// SNR level, on a worker pool bounded by cfg.Workers. Replication seeds are
// all derived from cfg.Seed up front, so results are reproducible regardless
// of scheduling. Returns the per-level aggregates and all individual
// replication results, in deterministic order.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) ([]Metrics, []ReplicationResult, error) {
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	nJobs := len(cfg.SNRLevels) * cfg.Replications
	master := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	seeds := make([]uint64, nJobs)
	for i := range seeds {
		seeds[i] = master.Uint64()
	}

	results := make([]ReplicationResult, nJobs)
	errs := make([]error, nJobs)
	var mu sync.Mutex

	logger.Info("starting study", "name", cfg.Name,
		"levels", len(cfg.SNRLevels), "replications", cfg.Replications, "workers", cfg.Workers)

	workers := pool.New().WithMaxGoroutines(cfg.Workers)
	for li := range cfg.SNRLevels {
		for r := 0; r < cfg.Replications; r++ {
			job := li*cfg.Replications + r
			level := cfg.SNRLevels[li]
			rep := r
			workers.Go(func() {
				if ctx.Err() != nil {
					return
				}
				res, err := runReplication(cfg, level, rep, seeds[job])
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs[job] = fmt.Errorf("level %g replication %d: %w", level, rep, err)
					return
				}
				if !res.Converged {
					logger.Warn("fit did not converge, keeping best estimate",
						"level", level, "replication", rep)
				}
				results[job] = res
			})
		}
	}
	workers.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}

	metrics := aggregate(cfg, results)
	for _, m := range metrics {
		logger.Info("snr level complete", "level", m.SNRLevel,
			"beta_corr", m.BetaCorr, "offdiag_err", m.OffDiagErr,
			"convergence_rate", m.ConvergenceRate)
	}
	return metrics, results, nil
}

// runReplication simulates one dataset and fits it, scoring recovery
// against the simulation's ground truth.
func runReplication(cfg Config, level float64, rep int, seed uint64) (ReplicationResult, error) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	params := buildParams(cfg, level, rng)

	ds, err := brsa.Simulate(params, rand.NewPCG(seed+2, seed+3))
	if err != nil {
		return ReplicationResult{}, fmt.Errorf("simulate: %w", err)
	}
	res, err := (&brsa.BayesianRSA{}).Fit(ds.Y, params.Design, params.ScanOnsets, brsa.FitOptions{
		NuisanceComponents: cfg.NuisanceComponents,
	})
	if err != nil {
		return ReplicationResult{}, fmt.Errorf("fit: %w", err)
	}

	trueC, err := brsa.CovToCorr(params.Cov)
	if err != nil {
		return ReplicationResult{}, fmt.Errorf("normalize true covariance: %w", err)
	}

	return ReplicationResult{
		SNRLevel:    level,
		Replication: rep,
		Seed:        seed,
		BetaCorr:    flatCorrelation(res.Betas, ds.Betas),
		OffDiagErr:  meanOffDiagError(res.C, trueC),
		RhoCorr:     safeCorrelation(res.Rho1, ds.Rho1),
		SNRCorr:     logCorrelation(res.SNR, ds.SNR),
		Converged:   res.Converged,
	}, nil
}

// buildParams constructs simulation parameters for one replication:
// scattered voxel coordinates, a random +/-1 design and an identity
// condition covariance, with noise and GP settings from the config.
func buildParams(cfg Config, level float64, rng *rand.Rand) brsa.SimParams {
	coords := mat.NewDense(cfg.Voxels, 3, nil)
	for v := 0; v < cfg.Voxels; v++ {
		for k := 0; k < 3; k++ {
			coords.Set(v, k, rng.Float64()*8)
		}
	}
	design := mat.NewDense(cfg.TimePoints, cfg.Conditions, nil)
	for t := 0; t < cfg.TimePoints; t++ {
		for c := 0; c < cfg.Conditions; c++ {
			if rng.Float64() < 0.5 {
				design.Set(t, c, -1)
			} else {
				design.Set(t, c, 1)
			}
		}
	}
	cov := mat.NewSymDense(cfg.Conditions, nil)
	for i := 0; i < cfg.Conditions; i++ {
		cov.SetSym(i, i, 1)
	}
	onsets := make([]int, cfg.Runs)
	runLen := cfg.TimePoints / cfg.Runs
	for i := range onsets {
		onsets[i] = i * runLen
	}
	p := brsa.SimParams{
		Coords:         coords,
		Design:         design,
		Cov:            cov,
		ScanOnsets:     onsets,
		NoiseBot:       cfg.Noise.Bot,
		NoiseTop:       cfg.Noise.Top,
		Rho1Bot:        cfg.Noise.Rho1Bot,
		Rho1Top:        cfg.Noise.Rho1Top,
		NoiseWidth:     cfg.Noise.Width,
		OffsetScale:    cfg.Noise.Offset,
		Tau:            cfg.GP.Tau,
		SpatialScale:   cfg.GP.SpatialScale,
		IntensityScale: cfg.GP.IntensityScale,
		SNRLevel:       level,
	}
	if cfg.GP.IntensityScale > 0 {
		intens := make([]float64, cfg.Voxels)
		for v := range intens {
			intens[v] = rng.Float64() * 10
		}
		p.Intensities = intens
	}
	return p
}

// aggregate averages replication results per SNR level, preserving the
// order of cfg.SNRLevels.
func aggregate(cfg Config, results []ReplicationResult) []Metrics {
	metrics := make([]Metrics, len(cfg.SNRLevels))
	for li, level := range cfg.SNRLevels {
		m := Metrics{SNRLevel: level}
		for r := 0; r < cfg.Replications; r++ {
			res := results[li*cfg.Replications+r]
			m.Replications++
			m.BetaCorr += res.BetaCorr
			m.OffDiagErr += res.OffDiagErr
			m.RhoCorr += res.RhoCorr
			m.SNRCorr += res.SNRCorr
			if res.Converged {
				m.ConvergenceRate++
			}
		}
		n := float64(m.Replications)
		m.BetaCorr /= n
		m.OffDiagErr /= n
		m.RhoCorr /= n
		m.SNRCorr /= n
		m.ConvergenceRate /= n
		metrics[li] = m
	}
	return metrics
}

// flatCorrelation is the Pearson correlation of two matrices' entries.
func flatCorrelation(a, b *mat.Dense) float64 {
	ra, ca := a.Dims()
	av := make([]float64, 0, ra*ca)
	bv := make([]float64, 0, ra*ca)
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			av = append(av, a.At(i, j))
			bv = append(bv, b.At(i, j))
		}
	}
	return safeCorrelation(av, bv)
}

// meanOffDiagError is the mean absolute difference of the off-diagonal
// entries of two correlation matrices.
func meanOffDiagError(got, want *mat.SymDense) float64 {
	n := got.SymmetricDim()
	if n < 2 {
		return 0
	}
	sum, count := 0.0, 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += math.Abs(got.At(i, j) - want.At(i, j))
			count++
		}
	}
	return sum / float64(count)
}

// logCorrelation correlates two positive maps on the log scale.
func logCorrelation(a, b []float64) float64 {
	la := make([]float64, len(a))
	lb := make([]float64, len(b))
	for i := range a {
		la[i] = math.Log(a[i])
		lb[i] = math.Log(b[i])
	}
	return safeCorrelation(la, lb)
}

// safeCorrelation returns 0 instead of NaN when either input is constant.
func safeCorrelation(a, b []float64) float64 {
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}
