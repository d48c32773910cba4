package brsa

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// LoadMatrix reads a numeric matrix from a plain-text file. Values are
// separated by whitespace or commas, one matrix row per line; blank lines
// and lines starting with '#' are skipped. Every row must have the same
// number of columns. This covers design matrices exported as text by
// external tooling.
func LoadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		data []float64
		cols int
		rows int
	)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if cols == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d: %w",
				lineNo, cols, len(fields), ErrShapeMismatch)
		}
		for j, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d col %d: parse %q: %w", lineNo, j+1, s, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}
	return mat.NewDense(rows, cols, data), nil
}

// WriteMatrixCSV writes a matrix to a CSV file. header may be nil to skip
// the header row; otherwise its length must match the column count.
func WriteMatrixCSV(path string, m mat.Matrix, header []string) error {
	rows, cols := m.Dims()
	if header != nil && len(header) != cols {
		return fmt.Errorf("header has %d entries for %d columns: %w", len(header), cols, ErrShapeMismatch)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if header != nil {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	record := make([]string, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// WriteVoxelMapsCSV writes per-voxel maps (e.g. SNR, AR(1) coefficients) as
// CSV columns, one row per voxel. All maps must have the same length, and
// names must have one entry per map.
func WriteVoxelMapsCSV(path string, names []string, maps ...[]float64) error {
	if len(names) != len(maps) {
		return fmt.Errorf("%d names for %d maps: %w", len(names), len(maps), ErrShapeMismatch)
	}
	if len(maps) == 0 {
		return fmt.Errorf("no maps to write: %w", ErrMissingInput)
	}
	nV := len(maps[0])
	for i, m := range maps {
		if len(m) != nV {
			return fmt.Errorf("map %q has %d voxels, expected %d: %w", names[i], len(m), nV, ErrShapeMismatch)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := append([]string{"voxel"}, names...)
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, len(maps)+1)
	for v := 0; v < nV; v++ {
		record[0] = strconv.Itoa(v)
		for i, m := range maps {
			record[i+1] = strconv.FormatFloat(m[v], 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}
