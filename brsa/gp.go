package brsa

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// gpFit holds the recovered hyperparameters of the log-SNR Gaussian process
// and the posterior-smoothed log-SNR values.
type gpFit struct {
	Tau            float64
	SpatialScale   float64
	IntensityScale float64
	Smoothed       []float64
}

// fitSNRGP maximizes the GP marginal likelihood of the log-SNR field over
// (tau, spatial scale[, intensity scale]) by Nelder-Mead on log-parameters,
// then smooths the field through the fitted kernel's posterior mean.
// The boolean result reports optimizer convergence; on non-convergence the
// best point found is still used.
func fitSNRGP(logSNR []float64, coords *mat.Dense, intensities []float64, useIntensity bool) (*gpFit, bool, error) {
	nV := len(logSNR)
	dist2 := pairwiseSqDist(coords)
	var intens2 *mat.SymDense
	if useIntensity {
		intens2 = pairwiseSqDiff(intensities)
	}

	f := mat.NewVecDense(nV, logSNR)

	// Negative log marginal likelihood as a function of log-parameters.
	// Kernels that fail to factorize get a large penalty instead of an
	// error so the simplex can move away from them.
	nll := func(theta []float64) float64 {
		tau := math.Exp(theta[0])
		ls := math.Exp(theta[1])
		li := 0.0
		if useIntensity {
			li = math.Exp(theta[2])
		}
		k, err := snrKernel(dist2, intens2, tau, ls, li)
		if err != nil {
			return 1e10
		}
		var chol mat.Cholesky
		if !chol.Factorize(k) {
			return 1e10
		}
		var alpha mat.VecDense
		if err := chol.SolveVecTo(&alpha, f); err != nil {
			return 1e10
		}
		return 0.5*(chol.LogDet()+mat.Dot(f, &alpha)) + 0.5*float64(nV)*math.Log(2*math.Pi)
	}

	x0 := initialTheta(logSNR, dist2, intens2, useIntensity)
	problem := optimize.Problem{Func: nll}
	result, optErr := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})

	theta := x0
	ok := false
	if result != nil {
		theta = result.X
		ok = optErr == nil && result.Status != optimize.Failure
	}

	tau := math.Exp(theta[0])
	ls := math.Exp(theta[1])
	li := 0.0
	if useIntensity {
		li = math.Exp(theta[2])
	}

	smoothed, err := smoothField(logSNR, dist2, intens2, tau, ls, li)
	if err != nil {
		return nil, false, err
	}
	return &gpFit{
		Tau:            tau,
		SpatialScale:   ls,
		IntensityScale: li,
		Smoothed:       smoothed,
	}, ok, nil
}

// initialTheta seeds the optimizer: tau from the field's standard deviation,
// length scales from the median pairwise distance along each input.
func initialTheta(logSNR []float64, dist2, intens2 *mat.SymDense, useIntensity bool) []float64 {
	tau0 := math.Max(stat.StdDev(logSNR, nil), 0.1)
	theta := []float64{math.Log(tau0), math.Log(medianOffDiagSqrt(dist2))}
	if useIntensity {
		theta = append(theta, math.Log(medianOffDiagSqrt(intens2)))
	}
	return theta
}

// medianOffDiagSqrt returns the median of sqrt of the off-diagonal entries
// of a symmetric matrix of squared differences, floored at a small value.
func medianOffDiagSqrt(m *mat.SymDense) float64 {
	n := m.SymmetricDim()
	vals := make([]float64, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			vals = append(vals, math.Sqrt(m.At(i, j)))
		}
	}
	if len(vals) == 0 {
		return 1.0
	}
	sort.Float64s(vals)
	med := vals[len(vals)/2]
	return math.Max(med, 1e-3)
}

// smoothField computes the GP posterior mean of the field given the fitted
// kernel, treating the kernel's jitter term as observation noise.
func smoothField(field []float64, dist2, intens2 *mat.SymDense, tau, ls, li float64) ([]float64, error) {
	nV := len(field)
	kFull, err := snrKernel(dist2, intens2, tau, ls, li)
	if err != nil {
		return nil, err
	}
	chol, err := factorize(kFull, "fitted SNR kernel")
	if err != nil {
		return nil, err
	}
	var alpha mat.VecDense
	if err := chol.SolveVecTo(&alpha, mat.NewVecDense(nV, field)); err != nil {
		return nil, fmt.Errorf("solve SNR kernel system: %w", err)
	}

	// Signal part of the kernel: the full kernel minus the diagonal jitter.
	noise := tau * tau * snrKernelJitter
	smoothed := make([]float64, nV)
	for i := 0; i < nV; i++ {
		s := 0.0
		for j := 0; j < nV; j++ {
			kij := kFull.At(i, j)
			if i == j {
				kij -= noise
			}
			s += kij * alpha.AtVec(j)
		}
		smoothed[i] = s
	}
	return smoothed, nil
}
