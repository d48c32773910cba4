package brsa

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const simEps = 1e-12

// newSrc returns a deterministic random source for tests.
func newSrc(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed+1)
}

// pmOneDesign builds a time x conditions design matrix with random +/-1
// entries.
func pmOneDesign(nT, nC int, rng *rand.Rand) *mat.Dense {
	d := mat.NewDense(nT, nC, nil)
	for i := 0; i < nT; i++ {
		for j := 0; j < nC; j++ {
			if rng.Float64() < 0.5 {
				d.Set(i, j, -1)
			} else {
				d.Set(i, j, 1)
			}
		}
	}
	return d
}

// randomCoords scatters voxels uniformly in an 8-unit cube.
func randomCoords(nV int, rng *rand.Rand) *mat.Dense {
	c := mat.NewDense(nV, 3, nil)
	for v := 0; v < nV; v++ {
		for k := 0; k < 3; k++ {
			c.Set(v, k, rng.Float64()*8)
		}
	}
	return c
}

// makeParams builds simulation parameters with an identity condition
// covariance and a +/-1 design.
func makeParams(nT, nC, nV int, snrLevel float64, rng *rand.Rand) SimParams {
	cov := mat.NewSymDense(nC, nil)
	for i := 0; i < nC; i++ {
		cov.SetSym(i, i, 1)
	}
	return SimParams{
		Coords:   randomCoords(nV, rng),
		Design:   pmOneDesign(nT, nC, rng),
		Cov:      cov,
		SNRLevel: snrLevel,
	}
}

// smallScenario is the 2-condition, 3-voxel, 10-time-point setting used in
// several recovery tests.
func smallScenario(rng *rand.Rand) SimParams {
	return makeParams(10, 2, 3, 1.0, rng)
}

func TestSimulateShapes(t *testing.T) {
	rng := rand.New(newSrc(1))
	p := smallScenario(rng)
	ds, err := Simulate(p, newSrc(2))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}

	if r, c := ds.Y.Dims(); r != 10 || c != 3 {
		t.Errorf("Y dims = %dx%d, want 10x3", r, c)
	}
	if r, c := ds.Betas.Dims(); r != 2 || c != 3 {
		t.Errorf("Betas dims = %dx%d, want 2x3", r, c)
	}
	for name, m := range map[string][]float64{
		"SNR": ds.SNR, "Sigma": ds.Sigma, "Rho1": ds.Rho1, "Offset": ds.Offset,
	} {
		if len(m) != 3 {
			t.Errorf("len(%s) = %d, want 3", name, len(m))
		}
	}

	// Y must decompose exactly into signal + noise.
	for i := 0; i < 10; i++ {
		for j := 0; j < 3; j++ {
			want := ds.Signal.At(i, j) + ds.Noise.At(i, j)
			if math.Abs(ds.Y.At(i, j)-want) > simEps {
				t.Fatalf("Y(%d,%d) = %g, want signal+noise = %g", i, j, ds.Y.At(i, j), want)
			}
		}
	}
}

func TestSimulateReproducible(t *testing.T) {
	rng := rand.New(newSrc(3))
	p := makeParams(40, 3, 6, 1.0, rng)

	a, err := Simulate(p, newSrc(7))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	b, err := Simulate(p, newSrc(7))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if !mat.EqualApprox(a.Y, b.Y, simEps) {
		t.Error("same seed produced different data")
	}

	c, err := Simulate(p, newSrc(8))
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if mat.EqualApprox(a.Y, c.Y, simEps) {
		t.Error("different seeds produced identical data")
	}
}

// With rho1 fixed at zero the noise must reduce to independent draws from
// the spatial covariance at each time step: the lag-1 autocorrelation of
// every voxel's time series should vanish.
func TestNoiseIIDWhenRhoZero(t *testing.T) {
	rng := rand.New(newSrc(4))
	p := makeParams(3000, 2, 4, 1.0, rng)
	p.Rho1Bot = 0
	p.Rho1Top = 0

	noise, _, rho1, _, err := SimulateNoise(p, newSrc(11))
	if err != nil {
		t.Fatalf("SimulateNoise: %v", err)
	}
	for v, r := range rho1 {
		if r != 0 {
			t.Fatalf("rho1[%d] = %g, want 0", v, r)
		}
	}

	nT, nV := noise.Dims()
	for v := 0; v < nV; v++ {
		num, den := 0.0, 0.0
		for tt := 1; tt < nT; tt++ {
			num += noise.At(tt, v) * noise.At(tt-1, v)
			den += noise.At(tt-1, v) * noise.At(tt-1, v)
		}
		if ac := num / den; math.Abs(ac) > 0.1 {
			t.Errorf("voxel %d lag-1 autocorrelation = %g, want ~0", v, ac)
		}
	}
}

// The stationary-variance correction at each run start should keep the
// variance at run starts comparable to the variance later in the run, even
// for strongly autocorrelated noise.
func TestNoiseStationaryStart(t *testing.T) {
	rng := rand.New(newSrc(5))
	const runLen, nRuns = 4, 600
	p := makeParams(runLen*nRuns, 2, 1, 1.0, rng)
	p.Rho1Bot = 0.8
	p.Rho1Top = 0.8
	p.ScanOnsets = make([]int, nRuns)
	for i := range p.ScanOnsets {
		p.ScanOnsets[i] = i * runLen
	}

	noise, _, _, _, err := SimulateNoise(p, newSrc(13))
	if err != nil {
		t.Fatalf("SimulateNoise: %v", err)
	}

	varAt := func(offset int) float64 {
		s := 0.0
		for r := 0; r < nRuns; r++ {
			x := noise.At(r*runLen+offset, 0)
			s += x * x
		}
		return s / float64(nRuns)
	}
	v0, v3 := varAt(0), varAt(runLen-1)
	if ratio := v0 / v3; ratio < 0.6 || ratio > 1.7 {
		t.Errorf("variance ratio start/end of run = %g, want ~1 (stationary start)", ratio)
	}
}

// The per-voxel offset is a constant baseline: with the AR noise scaled
// down to near zero, every time point of a voxel must sit at that voxel's
// drawn offset.
func TestNoiseOffsetConstant(t *testing.T) {
	rng := rand.New(newSrc(9))
	p := makeParams(40, 2, 5, 1.0, rng)
	p.NoiseBot = 1e-6
	p.NoiseTop = 1e-6
	p.OffsetScale = 3.0

	noise, _, _, offset, err := SimulateNoise(p, newSrc(17))
	if err != nil {
		t.Fatalf("SimulateNoise: %v", err)
	}

	anyNonzero := false
	for _, o := range offset {
		if o != 0 {
			anyNonzero = true
		}
	}
	if !anyNonzero {
		t.Fatal("all offsets are zero with OffsetScale = 3")
	}

	nT, nV := noise.Dims()
	for v := 0; v < nV; v++ {
		for tt := 0; tt < nT; tt++ {
			if math.Abs(noise.At(tt, v)-offset[v]) > 1e-3 {
				t.Fatalf("noise(%d,%d) = %g, want offset %g (constant over time)",
					tt, v, noise.At(tt, v), offset[v])
			}
		}
	}
}

func TestSimulateValidation(t *testing.T) {
	rng := rand.New(newSrc(6))
	base := smallScenario(rng)

	tests := []struct {
		name    string
		mutate  func(p *SimParams)
		wantErr error
	}{
		{
			name:    "missing coordinates",
			mutate:  func(p *SimParams) { p.Coords = nil },
			wantErr: ErrMissingInput,
		},
		{
			name:    "missing design",
			mutate:  func(p *SimParams) { p.Design = nil },
			wantErr: ErrMissingInput,
		},
		{
			name:    "covariance dimension mismatch",
			mutate:  func(p *SimParams) { p.Cov = mat.NewSymDense(5, nil) },
			wantErr: ErrShapeMismatch,
		},
		{
			name:    "onset out of range",
			mutate:  func(p *SimParams) { p.ScanOnsets = []int{0, 99} },
			wantErr: ErrShapeMismatch,
		},
		{
			name:    "first onset not zero",
			mutate:  func(p *SimParams) { p.ScanOnsets = []int{2, 5} },
			wantErr: ErrShapeMismatch,
		},
		{
			name: "intensity kernel without intensities",
			mutate: func(p *SimParams) {
				p.IntensityScale = 1.0
				p.Intensities = nil
			},
			wantErr: ErrMissingInput,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			if _, err := Simulate(p, newSrc(1)); !errors.Is(err, tc.wantErr) {
				t.Errorf("Simulate error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
