package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/jamalw/brainiak/brsa"
)

func newFitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit the Bayesian RSA model to a dataset",
		Long: `fit loads a data matrix (time x voxels) and a design matrix (time x
conditions), runs the estimator and prints the recovered condition
covariance and correlation, the SNR and AR(1) maps and, when GP priors
are enabled, the recovered hyperparameters.`,
		RunE: runFit,
	}
	cmd.Flags().String("data", "", "Data matrix file (required)")
	cmd.Flags().String("design", "", "Design matrix file (required)")
	cmd.Flags().IntSlice("onsets", nil, "Scan onsets, e.g. --onsets 0,100,200")
	cmd.Flags().Bool("gp-space", false, "Enable the spatial GP prior on log-SNR")
	cmd.Flags().Bool("gp-intensity", false, "Additionally condition the GP prior on intensity")
	cmd.Flags().String("coords", "", "Voxel coordinate file (required with --gp-space)")
	cmd.Flags().String("intensities", "", "Voxel intensity file (required with --gp-intensity)")
	cmd.Flags().Int("nuisance", 0, "Number of residual principal components to estimate as nuisance regressors")
	cmd.Flags().String("out-dir", "", "Optional directory for result CSVs")
	cmd.Flags().Bool("json", false, "Print a JSON summary instead of formatted matrices")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("design")
	return cmd
}

func runFit(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	dataPath, _ := cmd.Flags().GetString("data")
	designPath, _ := cmd.Flags().GetString("design")
	onsets, _ := cmd.Flags().GetIntSlice("onsets")
	gpSpace, _ := cmd.Flags().GetBool("gp-space")
	gpIntensity, _ := cmd.Flags().GetBool("gp-intensity")
	coordsPath, _ := cmd.Flags().GetString("coords")
	intensPath, _ := cmd.Flags().GetString("intensities")
	nuisance, _ := cmd.Flags().GetInt("nuisance")
	outDir, _ := cmd.Flags().GetString("out-dir")
	jsonOut, _ := cmd.Flags().GetBool("json")

	data, err := brsa.LoadMatrix(dataPath)
	if err != nil {
		return fmt.Errorf("load data: %w", err)
	}
	design, err := brsa.LoadMatrix(designPath)
	if err != nil {
		return fmt.Errorf("load design: %w", err)
	}

	opts := brsa.FitOptions{
		GPSpace:            gpSpace,
		GPIntensity:        gpIntensity,
		NuisanceComponents: nuisance,
	}
	if coordsPath != "" {
		if opts.Coords, err = brsa.LoadMatrix(coordsPath); err != nil {
			return fmt.Errorf("load coordinates: %w", err)
		}
	}
	if intensPath != "" {
		m, err := brsa.LoadMatrix(intensPath)
		if err != nil {
			return fmt.Errorf("load intensities: %w", err)
		}
		rows, _ := m.Dims()
		opts.Intensities = make([]float64, rows)
		for i := 0; i < rows; i++ {
			opts.Intensities[i] = m.At(i, 0)
		}
	}

	res, err := (&brsa.BayesianRSA{}).Fit(data, design, onsets, opts)
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if !res.Converged {
		logger.Warn("optimization did not converge, reporting best estimate",
			"iterations", res.Iterations)
	}

	if jsonOut {
		if err := printFitJSON(res); err != nil {
			return err
		}
	} else {
		printFitSummary(res, gpSpace, gpIntensity)
	}

	if outDir != "" {
		if err := writeFitResults(outDir, res); err != nil {
			return err
		}
		logger.Info("results written", "dir", outDir)
	}
	return nil
}

func printFitSummary(res *brsa.EstimationResult, gpSpace, gpIntensity bool) {
	fmt.Println("Estimated condition covariance U:")
	fmt.Printf("%v\n\n", mat.Formatted(res.U, mat.Prefix("  ")))
	fmt.Println("Estimated condition correlation C:")
	fmt.Printf("%v\n\n", mat.Formatted(res.C, mat.Prefix("  ")))
	fmt.Printf("Converged: %t after %d iterations\n", res.Converged, res.Iterations)
	if gpSpace {
		fmt.Printf("GP prior std: %.4f, spatial length scale: %.4f\n", res.GPStd, res.SpatialScale)
	}
	if gpIntensity {
		fmt.Printf("Intensity length scale: %.4f\n", res.IntensityScale)
	}
}

func printFitJSON(res *brsa.EstimationResult) error {
	n := res.U.SymmetricDim()
	u := make([][]float64, n)
	c := make([][]float64, n)
	for i := 0; i < n; i++ {
		u[i] = make([]float64, n)
		c[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			u[i][j] = res.U.At(i, j)
			c[i][j] = res.C.At(i, j)
		}
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"covariance":      u,
		"correlation":     c,
		"snr":             res.SNR,
		"rho1":            res.Rho1,
		"converged":       res.Converged,
		"iterations":      res.Iterations,
		"gp_std":          res.GPStd,
		"spatial_scale":   res.SpatialScale,
		"intensity_scale": res.IntensityScale,
	})
}

func writeFitResults(outDir string, res *brsa.EstimationResult) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := brsa.WriteMatrixCSV(filepath.Join(outDir, "covariance.csv"), res.U, nil); err != nil {
		return fmt.Errorf("write covariance: %w", err)
	}
	if err := brsa.WriteMatrixCSV(filepath.Join(outDir, "correlation.csv"), res.C, nil); err != nil {
		return fmt.Errorf("write correlation: %w", err)
	}
	if err := brsa.WriteMatrixCSV(filepath.Join(outDir, "betas.csv"), res.Betas, nil); err != nil {
		return fmt.Errorf("write betas: %w", err)
	}
	if err := brsa.WriteVoxelMapsCSV(filepath.Join(outDir, "maps.csv"),
		[]string{"snr", "rho1"}, res.SNR, res.Rho1); err != nil {
		return fmt.Errorf("write maps: %w", err)
	}
	if res.NuisanceWeights != nil {
		if err := brsa.WriteMatrixCSV(filepath.Join(outDir, "nuisance_weights.csv"), res.NuisanceWeights, nil); err != nil {
			return fmt.Errorf("write nuisance weights: %w", err)
		}
	}
	return nil
}
