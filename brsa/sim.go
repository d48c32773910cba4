package brsa

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulateNoise generates a time x voxel noise matrix with spatially
// correlated innovations and per-voxel AR(1) temporal structure.
// The AR process restarts at every scan onset with the stationary variance
// correction 1/sqrt(1-rho1^2), so autocorrelation never crosses a run
// boundary. A constant per-voxel offset is added to model baseline bias.
// Returns the noise matrix and the drawn per-voxel noise standard
// deviations, AR(1) coefficients and offsets.
func SimulateNoise(p SimParams, src rand.Source) (*mat.Dense, []float64, []float64, []float64, error) {
	p.ensureDefaults()
	if err := p.validate(); err != nil {
		return nil, nil, nil, nil, err
	}
	if p.Rho1Bot <= -1 || p.Rho1Top >= 1 {
		return nil, nil, nil, nil, fmt.Errorf("AR(1) coefficient range [%g,%g] must lie inside (-1,1)",
			p.Rho1Bot, p.Rho1Top)
	}

	nT, _ := p.Design.Dims()
	nV, _ := p.Coords.Dims()

	sigmaDist := distuv.Uniform{Min: p.NoiseBot, Max: p.NoiseTop, Src: src}
	rhoDist := distuv.Uniform{Min: p.Rho1Bot, Max: p.Rho1Top, Src: src}
	sigma := make([]float64, nV)
	rho1 := make([]float64, nV)
	for v := 0; v < nV; v++ {
		sigma[v] = sigmaDist.Rand()
		rho1[v] = rhoDist.Rand()
	}

	dist2 := pairwiseSqDist(p.Coords)
	kNoise, err := spatialNoiseKernel(dist2, sigma, p.NoiseWidth)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	innov, ok := distmv.NewNormal(make([]float64, nV), kNoise, src)
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("spatial noise kernel: %w", ErrNotPositiveDefinite)
	}

	offset := make([]float64, nV)
	if p.OffsetScale > 0 {
		offsetDist := distuv.Normal{Mu: 0, Sigma: p.OffsetScale, Src: src}
		for v := 0; v < nV; v++ {
			offset[v] = offsetDist.Rand()
		}
	}

	noise := mat.NewDense(nT, nV, nil)
	prev := make([]float64, nV)
	for _, run := range runBounds(p.ScanOnsets, nT) {
		for t := run[0]; t < run[1]; t++ {
			e := innov.Rand(nil)
			if t == run[0] {
				// Stationary start: scale the first innovation so the
				// run begins at the AR process's stationary variance.
				for v := 0; v < nV; v++ {
					prev[v] = e[v] / math.Sqrt(1-rho1[v]*rho1[v])
				}
			} else {
				for v := 0; v < nV; v++ {
					prev[v] = rho1[v]*prev[v] + e[v]
				}
			}
			for v := 0; v < nV; v++ {
				noise.Set(t, v, prev[v]+offset[v])
			}
		}
	}
	return noise, sigma, rho1, offset, nil
}

// SimulateSignal generates the signal component of the data. The per-voxel
// pseudo-SNR is drawn from a zero-mean Gaussian process over space (and
// optionally intensity), exponentiated and scaled by SNRLevel. Betas share
// the covariance shape p.Cov across all voxels; each voxel's beta vector is
// scaled by its amplitude sigma_v * snr_v. sigma gives the per-voxel noise
// standard deviations, usually the ones drawn by SimulateNoise.
// Returns the time x voxel signal, the conditions x voxels beta matrix and
// the per-voxel pseudo-SNR.
func SimulateSignal(p SimParams, sigma []float64, src rand.Source) (*mat.Dense, *mat.Dense, []float64, error) {
	p.ensureDefaults()
	if err := p.validate(); err != nil {
		return nil, nil, nil, err
	}
	nV, _ := p.Coords.Dims()
	if len(sigma) != nV {
		return nil, nil, nil, fmt.Errorf("got %d noise std values for %d voxels: %w",
			len(sigma), nV, ErrShapeMismatch)
	}
	_, nC := p.Design.Dims()

	dist2 := pairwiseSqDist(p.Coords)
	var intens2 *mat.SymDense
	if p.IntensityScale > 0 {
		intens2 = pairwiseSqDiff(p.Intensities)
	}
	kSNR, err := snrKernel(dist2, intens2, p.Tau, p.SpatialScale, p.IntensityScale)
	if err != nil {
		return nil, nil, nil, err
	}
	snrGP, ok := distmv.NewNormal(make([]float64, nV), kSNR, src)
	if !ok {
		return nil, nil, nil, fmt.Errorf("SNR GP kernel: %w", ErrNotPositiveDefinite)
	}
	logSNR := snrGP.Rand(nil)
	snr := make([]float64, nV)
	for v := 0; v < nV; v++ {
		snr[v] = math.Exp(logSNR[v]) * p.SNRLevel
	}

	betaGP, ok := distmv.NewNormal(make([]float64, nC), p.Cov, src)
	if !ok {
		return nil, nil, nil, fmt.Errorf("condition covariance: %w", ErrNotPositiveDefinite)
	}
	betas := mat.NewDense(nC, nV, nil)
	for v := 0; v < nV; v++ {
		b := betaGP.Rand(nil)
		amp := sigma[v] * snr[v]
		for c := 0; c < nC; c++ {
			betas.Set(c, v, b[c]*amp)
		}
	}

	var signal mat.Dense
	signal.Mul(p.Design, betas)
	return &signal, betas, snr, nil
}

// Simulate composes SimulateNoise and SimulateSignal into a full synthetic
// dataset Y = signal + noise, keeping all ground-truth quantities for
// post-hoc comparison against a fit.
func Simulate(p SimParams, src rand.Source) (*Dataset, error) {
	p.ensureDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	noise, sigma, rho1, offset, err := SimulateNoise(p, src)
	if err != nil {
		return nil, fmt.Errorf("simulate noise: %w", err)
	}
	signal, betas, snr, err := SimulateSignal(p, sigma, src)
	if err != nil {
		return nil, fmt.Errorf("simulate signal: %w", err)
	}
	var y mat.Dense
	y.Add(signal, noise)
	return &Dataset{
		Y:      &y,
		Signal: signal,
		Noise:  noise,
		Betas:  betas,
		SNR:    snr,
		Sigma:  sigma,
		Rho1:   rho1,
		Offset: offset,
	}, nil
}
