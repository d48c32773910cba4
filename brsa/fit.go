package brsa

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// rho1Clamp bounds the estimated AR(1) coefficients away from the unit
	// circle so the prewhitening transform stays well conditioned.
	rho1Clamp = 0.95

	// svdRankTol is the singular-value tolerance used when OLS falls back
	// to an SVD least-squares solve.
	svdRankTol = 1e-12

	// varFloor is the smallest admissible residual variance or squared SNR.
	varFloor = 1e-12
)

// Fit estimates the shared condition covariance, per-voxel pseudo-SNR,
// AR(1) coefficients and partially pooled betas from data.
//
// data is time points x voxels, design is time points x conditions, and
// scanOnsets partitions time into independent runs (empty means one run).
// All dimension checks run before any numerical work; see FitOptions for
// the GP priors and nuisance regressor settings.
//
// The fit proceeds in stages: per-run baseline removal, an initial OLS
// solve, nuisance regressor estimation from residual principal components,
// per-voxel AR(1) estimation within runs, prewhitened EM over the shared
// covariance with per-voxel SNR scaling, and finally (when requested)
// Gaussian-process hyperparameter recovery and posterior smoothing of the
// log-SNR map. Non-convergence of the EM loop is reported through
// EstimationResult.Converged, not as an error.
func (b *BayesianRSA) Fit(data, design *mat.Dense, scanOnsets []int, opts FitOptions) (*EstimationResult, error) {
	opts.ensureDefaults()
	if err := validateFit(data, design, scanOnsets, &opts); err != nil {
		return nil, err
	}

	nT, nV := data.Dims()
	_, nC := design.Dims()
	bounds := runBounds(scanOnsets, nT)

	// Per-run demeaning of both sides absorbs per-run baselines and the
	// constant voxel offset without explicit intercept columns.
	yd := demeanRuns(data, bounds)
	xd := demeanRuns(design, bounds)

	// Nuisance regressors: user-supplied, or estimated from residual
	// principal components after an initial OLS pass.
	var nuisanceWeights *mat.Dense
	if opts.Nuisance != nil {
		basis, err := orthonormalBasis(demeanRuns(opts.Nuisance, bounds))
		if err != nil {
			return nil, fmt.Errorf("nuisance matrix: %w", err)
		}
		if basis != nil {
			nuisanceWeights = projectOut(yd, basis)
		}
	} else if opts.NuisanceComponents > 0 {
		b0, err := leastSquares(xd, yd)
		if err != nil {
			return nil, fmt.Errorf("initial least squares: %w", err)
		}
		resid := residuals(yd, xd, b0)
		basis, err := residualComponents(resid, opts.NuisanceComponents)
		if err != nil {
			return nil, fmt.Errorf("residual components: %w", err)
		}
		if basis != nil {
			nuisanceWeights = projectOut(yd, basis)
		}
	}

	b0, err := leastSquares(xd, yd)
	if err != nil {
		return nil, fmt.Errorf("least squares: %w", err)
	}
	resid := residuals(yd, xd, b0)
	rho1 := estimateAR1(resid, bounds)

	// Prewhitened sufficient statistics per voxel. The AR(1) coefficients
	// stay fixed during EM, so these do not change across iterations.
	stats := make([]voxelStats, nV)
	for v := 0; v < nV; v++ {
		stats[v] = prewhitenStats(yd, xd, bounds, v, rho1[v])
	}

	res, err := runEM(stats, b0, nC, nV, nT, opts.MaxIter, opts.Tol)
	if err != nil {
		return nil, err
	}
	res.Rho1 = rho1
	res.NuisanceWeights = nuisanceWeights

	if opts.GPSpace {
		logSNR := make([]float64, nV)
		for v := 0; v < nV; v++ {
			logSNR[v] = math.Log(res.SNR[v])
		}
		gp, ok, err := fitSNRGP(logSNR, opts.Coords, opts.Intensities, opts.GPIntensity)
		if err != nil {
			return nil, fmt.Errorf("SNR GP fit: %w", err)
		}
		res.GPStd = gp.Tau
		res.SpatialScale = gp.SpatialScale
		res.IntensityScale = gp.IntensityScale
		for v := 0; v < nV; v++ {
			res.SNR[v] = math.Exp(gp.Smoothed[v])
		}
		res.Converged = res.Converged && ok
	}

	c, err := CovToCorr(res.U)
	if err != nil {
		return nil, fmt.Errorf("normalize estimated covariance: %w", err)
	}
	res.C = c
	return res, nil
}

// validateFit checks every cross-input dimension before numerical work.
func validateFit(data, design *mat.Dense, scanOnsets []int, opts *FitOptions) error {
	if data == nil {
		return fmt.Errorf("data matrix: %w", ErrMissingInput)
	}
	if design == nil {
		return fmt.Errorf("design matrix: %w", ErrMissingInput)
	}
	nT, nV := data.Dims()
	dT, nC := design.Dims()
	if dT != nT {
		return fmt.Errorf("data has %d time points but design has %d: %w", nT, dT, ErrShapeMismatch)
	}
	if nT <= nC {
		return fmt.Errorf("need more time points (%d) than conditions (%d): %w", nT, nC, ErrShapeMismatch)
	}
	if err := validateOnsets(scanOnsets, nT); err != nil {
		return err
	}
	if opts.GPIntensity && !opts.GPSpace {
		return fmt.Errorf("intensity GP prior requires the spatial GP prior: %w", ErrMissingInput)
	}
	if opts.GPSpace {
		if opts.Coords == nil {
			return fmt.Errorf("spatial GP prior requires voxel coordinates: %w", ErrMissingInput)
		}
		if cV, _ := opts.Coords.Dims(); cV != nV {
			return fmt.Errorf("coordinates for %d voxels but data has %d: %w", cV, nV, ErrShapeMismatch)
		}
	}
	if opts.GPIntensity {
		if opts.Intensities == nil {
			return fmt.Errorf("intensity GP prior requires voxel intensities: %w", ErrMissingInput)
		}
		if len(opts.Intensities) != nV {
			return fmt.Errorf("intensities for %d voxels but data has %d: %w",
				len(opts.Intensities), nV, ErrShapeMismatch)
		}
	}
	if opts.Nuisance != nil {
		if qT, _ := opts.Nuisance.Dims(); qT != nT {
			return fmt.Errorf("nuisance matrix has %d time points but data has %d: %w",
				qT, nT, ErrShapeMismatch)
		}
	}
	return nil
}

// demeanRuns subtracts the per-run mean of every column, returning a copy.
func demeanRuns(m *mat.Dense, bounds [][2]int) *mat.Dense {
	nT, nCols := m.Dims()
	out := mat.NewDense(nT, nCols, nil)
	out.Copy(m)
	for _, run := range bounds {
		n := float64(run[1] - run[0])
		for j := 0; j < nCols; j++ {
			mean := 0.0
			for t := run[0]; t < run[1]; t++ {
				mean += out.At(t, j)
			}
			mean /= n
			for t := run[0]; t < run[1]; t++ {
				out.Set(t, j, out.At(t, j)-mean)
			}
		}
	}
	return out
}

// leastSquares solves X B = Y for B by normal equations, falling back to a
// minimum-norm SVD solve when X'X is singular or badly conditioned.
func leastSquares(x, y *mat.Dense) (*mat.Dense, error) {
	_, m := x.Dims()
	_, k := y.Dims()

	var xtx mat.Dense
	xtx.Mul(x.T(), x)

	var b mat.Dense
	var xtxInv mat.Dense
	if invErr := xtxInv.Inverse(&xtx); invErr == nil {
		var xty mat.Dense
		xty.Mul(x.T(), y)
		b.Mul(&xtxInv, &xty)
		return &b, nil
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, fmt.Errorf("X'X singular and SVD factorization failed: %w", ErrNotPositiveDefinite)
	}
	rank := svd.Rank(svdRankTol)
	if rank == 0 {
		// Numerically zero design: the minimum-norm solution is B = 0.
		return mat.NewDense(m, k, nil), nil
	}
	svd.SolveTo(&b, y, rank)
	return &b, nil
}

// residuals returns Y - X B.
func residuals(y, x, b *mat.Dense) *mat.Dense {
	var fitted mat.Dense
	fitted.Mul(x, b)
	var r mat.Dense
	r.Sub(y, &fitted)
	return &r
}

// orthonormalBasis extracts an orthonormal column basis for m via SVD,
// dropping numerically zero directions. Returns nil if m has no usable
// columns.
func orthonormalBasis(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD factorization failed: %w", ErrNotPositiveDefinite)
	}
	rank := svd.Rank(svdRankTol)
	if rank == 0 {
		return nil, nil
	}
	var u mat.Dense
	svd.UTo(&u)
	basis := mat.DenseCopyOf(u.Slice(0, rowCount(&u), 0, rank))
	return basis, nil
}

// residualComponents returns the first q left singular vectors of the
// residual matrix as nuisance regressor time courses. q is capped at the
// numerical rank of the residuals.
func residualComponents(resid *mat.Dense, q int) (*mat.Dense, error) {
	nT, nV := resid.Dims()
	maxQ := nT
	if nV < maxQ {
		maxQ = nV
	}
	if q > maxQ {
		q = maxQ
	}
	var svd mat.SVD
	if ok := svd.Factorize(resid, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD factorization failed: %w", ErrNotPositiveDefinite)
	}
	if rank := svd.Rank(svdRankTol); rank < q {
		q = rank
	}
	if q == 0 {
		return nil, nil
	}
	var u mat.Dense
	svd.UTo(&u)
	return mat.DenseCopyOf(u.Slice(0, nT, 0, q)), nil
}

// projectOut removes the span of an orthonormal basis from y in place and
// returns the per-voxel weights of the removed components (components x
// voxels).
func projectOut(y, basis *mat.Dense) *mat.Dense {
	var w mat.Dense
	w.Mul(basis.T(), y)
	var removed mat.Dense
	removed.Mul(basis, &w)
	y.Sub(y, &removed)
	return &w
}

// estimateAR1 estimates a per-voxel AR(1) coefficient from residuals by the
// lag-1 regression within each run. Estimates are clamped inside the unit
// circle.
func estimateAR1(resid *mat.Dense, bounds [][2]int) []float64 {
	_, nV := resid.Dims()
	rho := make([]float64, nV)
	for v := 0; v < nV; v++ {
		num, den := 0.0, 0.0
		for _, run := range bounds {
			for t := run[0] + 1; t < run[1]; t++ {
				prev := resid.At(t-1, v)
				num += resid.At(t, v) * prev
				den += prev * prev
			}
		}
		if den > 0 {
			rho[v] = num / den
		}
		if rho[v] > rho1Clamp {
			rho[v] = rho1Clamp
		}
		if rho[v] < -rho1Clamp {
			rho[v] = -rho1Clamp
		}
	}
	return rho
}

// voxelStats holds the prewhitened sufficient statistics of one voxel:
// A = X~' X~, c = X~' y~, yty = y~' y~.
type voxelStats struct {
	a   *mat.SymDense
	c   *mat.VecDense
	yty float64
}

// prewhitenStats applies the AR(1) whitening transform of voxel v to both
// the data column and the design matrix, run by run, and accumulates the
// sufficient statistics used by the EM loop. The first time point of each
// run is scaled by sqrt(1-rho^2), matching the stationary start of the
// generative process.
func prewhitenStats(y, x *mat.Dense, bounds [][2]int, v int, rho float64) voxelStats {
	nT, _ := y.Dims()
	_, nC := x.Dims()
	yw := make([]float64, nT)
	xw := mat.NewDense(nT, nC, nil)
	scale := math.Sqrt(1 - rho*rho)
	for _, run := range bounds {
		for t := run[0]; t < run[1]; t++ {
			if t == run[0] {
				yw[t] = y.At(t, v) * scale
				for c := 0; c < nC; c++ {
					xw.Set(t, c, x.At(t, c)*scale)
				}
				continue
			}
			yw[t] = y.At(t, v) - rho*y.At(t-1, v)
			for c := 0; c < nC; c++ {
				xw.Set(t, c, x.At(t, c)-rho*x.At(t-1, c))
			}
		}
	}

	a := mat.NewSymDense(nC, nil)
	cvec := mat.NewVecDense(nC, nil)
	for i := 0; i < nC; i++ {
		ci := 0.0
		for t := 0; t < nT; t++ {
			ci += xw.At(t, i) * yw[t]
		}
		cvec.SetVec(i, ci)
		for j := i; j < nC; j++ {
			s := 0.0
			for t := 0; t < nT; t++ {
				s += xw.At(t, i) * xw.At(t, j)
			}
			a.SetSym(i, j, s)
		}
	}
	yty := 0.0
	for t := 0; t < nT; t++ {
		yty += yw[t] * yw[t]
	}
	return voxelStats{a: a, c: cvec, yty: yty}
}

// runEM iterates the EM updates for the shared covariance U, per-voxel SNR
// and residual variance, with betas partially pooled through U. The
// covariance update is regularized toward its diagonal, with strength
// decreasing in the voxel count. It returns
// the best estimate even when the iteration cap is hit; Converged records
// whether the tolerance was met.
func runEM(stats []voxelStats, b0 *mat.Dense, nC, nV, nT, maxIter int, tol float64) (*EstimationResult, error) {
	// Initialization: U from the outer products of the OLS betas, unit
	// SNR, residual variance from the prewhitened residual sum of squares.
	u := mat.NewSymDense(nC, nil)
	for v := 0; v < nV; v++ {
		for i := 0; i < nC; i++ {
			for j := i; j < nC; j++ {
				u.SetSym(i, j, u.At(i, j)+b0.At(i, v)*b0.At(j, v)/float64(nV))
			}
		}
	}
	ridgeDiagonal(u)

	snr := make([]float64, nV)
	s2 := make([]float64, nV)
	for v := 0; v < nV; v++ {
		snr[v] = 1.0
		rss := stats[v].yty
		for i := 0; i < nC; i++ {
			rss -= 2 * b0.At(i, v) * stats[v].c.AtVec(i)
			for j := 0; j < nC; j++ {
				rss += b0.At(i, v) * stats[v].a.At(i, j) * b0.At(j, v)
			}
		}
		s2[v] = math.Max(rss/float64(nT), varFloor)
	}

	betas := mat.NewDense(nC, nV, nil)
	llTrace := make([]float64, 0, maxIter)
	converged := false
	iter := 0

	for ; iter < maxIter; iter++ {
		cholU, err := factorizeWithJitter(u)
		if err != nil {
			return nil, fmt.Errorf("shared covariance at EM iteration %d: %w", iter, err)
		}
		var uInv mat.SymDense
		if err := cholU.InverseTo(&uInv); err != nil {
			return nil, fmt.Errorf("invert shared covariance: %w", err)
		}

		uNew := mat.NewSymDense(nC, nil)
		ll := 0.0

		for v := 0; v < nV; v++ {
			st := stats[v]
			g2 := snr[v] * snr[v] * s2[v]

			// Posterior precision of this voxel's betas.
			prec := mat.NewSymDense(nC, nil)
			for i := 0; i < nC; i++ {
				for j := i; j < nC; j++ {
					prec.SetSym(i, j, st.a.At(i, j)/s2[v]+uInv.At(i, j)/g2)
				}
			}
			cholP, err := factorizeWithJitter(prec)
			if err != nil {
				return nil, fmt.Errorf("posterior precision of voxel %d: %w", v, err)
			}
			var post mat.SymDense
			if err := cholP.InverseTo(&post); err != nil {
				return nil, fmt.Errorf("posterior covariance of voxel %d: %w", v, err)
			}
			var mu mat.VecDense
			if err := cholP.SolveVecTo(&mu, st.c); err != nil {
				return nil, fmt.Errorf("posterior mean of voxel %d: %w", v, err)
			}
			mu.ScaleVec(1/s2[v], &mu)
			for i := 0; i < nC; i++ {
				betas.Set(i, v, mu.AtVec(i))
			}

			// E[b b'] = mu mu' + Sigma_post.
			eb := mat.NewSymDense(nC, nil)
			for i := 0; i < nC; i++ {
				for j := i; j < nC; j++ {
					eb.SetSym(i, j, mu.AtVec(i)*mu.AtVec(j)+post.At(i, j))
				}
			}
			for i := 0; i < nC; i++ {
				for j := i; j < nC; j++ {
					uNew.SetSym(i, j, uNew.At(i, j)+eb.At(i, j)/(g2*float64(nV)))
				}
			}

			// Marginal log-likelihood of this voxel via the matrix
			// determinant lemma: logdet Sigma = T log s2 + logdet(I + snr^2 s2 U A / s2).
			m := mat.NewDense(nC, nC, nil)
			var ua mat.Dense
			ua.Mul(u, st.a)
			for i := 0; i < nC; i++ {
				for j := 0; j < nC; j++ {
					val := snr[v] * snr[v] * ua.At(i, j)
					if i == j {
						val++
					}
					m.Set(i, j, val)
				}
			}
			logdetM, sign := mat.LogDet(m)
			if sign <= 0 {
				logdetM = 0
			}
			quad := st.yty / s2[v]
			for i := 0; i < nC; i++ {
				quad -= mu.AtVec(i) * st.c.AtVec(i) / s2[v]
			}
			ll += -0.5 * (float64(nT)*math.Log(2*math.Pi*s2[v]) + logdetM + quad)

			// M-step updates of the per-voxel SNR and residual variance.
			trUinvEb := 0.0
			trAEb := 0.0
			muC := 0.0
			for i := 0; i < nC; i++ {
				muC += mu.AtVec(i) * st.c.AtVec(i)
				for j := 0; j < nC; j++ {
					trUinvEb += uInv.At(i, j) * eb.At(i, j)
					trAEb += st.a.At(i, j) * eb.At(i, j)
				}
			}
			snr[v] = math.Sqrt(math.Max(trUinvEb/(float64(nC)*s2[v]), varFloor))
			s2[v] = math.Max((st.yty-2*muC+trAEb)/float64(nT), varFloor)
		}

		// Shrink the off-diagonal of the update toward its diagonal. With
		// few voxels the off-diagonal moments are dominated by sampling
		// noise, and the E-step feeds that noise back through the posterior;
		// the weight approaches 1 as the voxel count grows.
		shrink := float64(nV) / float64(nV+nC+1)
		for i := 0; i < nC; i++ {
			for j := i + 1; j < nC; j++ {
				uNew.SetSym(i, j, uNew.At(i, j)*shrink)
			}
		}

		// Gauge fixing: the product snr_v^2 * U is identified, not the
		// factors. Normalize the SNR map to unit geometric mean and absorb
		// the scale into U.
		logSum := 0.0
		for v := 0; v < nV; v++ {
			logSum += math.Log(snr[v])
		}
		gm := math.Exp(logSum / float64(nV))
		for v := 0; v < nV; v++ {
			snr[v] /= gm
		}
		for i := 0; i < nC; i++ {
			for j := i; j < nC; j++ {
				u.SetSym(i, j, uNew.At(i, j)*gm*gm)
			}
		}

		llTrace = append(llTrace, ll)
		if n := len(llTrace); n > 1 {
			prev := llTrace[n-2]
			if math.Abs(ll-prev) < tol*(math.Abs(prev)+1) {
				converged = true
				iter++
				break
			}
		}
	}

	return &EstimationResult{
		U:             u,
		SNR:           snr,
		Betas:         betas,
		Converged:     converged,
		Iterations:    iter,
		LogLikelihood: llTrace,
	}, nil
}

// ridgeDiagonal adds a small multiple of the mean diagonal to a symmetric
// matrix so a rank-deficient initialization stays factorizable.
func ridgeDiagonal(u *mat.SymDense) {
	n := tracemean(u)
	if n <= 0 {
		n = 1
	}
	d := u.SymmetricDim()
	for i := 0; i < d; i++ {
		u.SetSym(i, i, u.At(i, i)+1e-3*n)
	}
}

// tracemean returns the mean of the diagonal of a symmetric matrix.
func tracemean(u *mat.SymDense) float64 {
	d := u.SymmetricDim()
	s := 0.0
	for i := 0; i < d; i++ {
		s += u.At(i, i)
	}
	return s / float64(d)
}

// factorizeWithJitter Cholesky-factors a symmetric matrix, escalating a
// diagonal jitter a few times before giving up with ErrNotPositiveDefinite.
func factorizeWithJitter(k *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(k) {
		return &chol, nil
	}
	jitter := 1e-8 * math.Max(tracemean(k), 1)
	for try := 0; try < 4; try++ {
		d := k.SymmetricDim()
		for i := 0; i < d; i++ {
			k.SetSym(i, i, k.At(i, i)+jitter)
		}
		if chol.Factorize(k) {
			return &chol, nil
		}
		jitter *= 100
	}
	return nil, ErrNotPositiveDefinite
}

// rowCount returns the number of rows of a dense matrix.
func rowCount(m *mat.Dense) int {
	r, _ := m.Dims()
	return r
}
