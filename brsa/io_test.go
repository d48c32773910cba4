package brsa

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadMatrix(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *mat.Dense
	}{
		{
			name:    "whitespace separated",
			content: "1 2 3\n4 5 6\n",
			want:    mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}),
		},
		{
			name:    "comma separated",
			content: "1,2\n3,4\n",
			want:    mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
		},
		{
			name:    "comments and blank lines",
			content: "# design matrix\n\n1 0\n# mid-file comment\n0 1\n\n",
			want:    mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		},
		{
			name:    "scientific notation",
			content: "1e-3 -2.5E2\n",
			want:    mat.NewDense(1, 2, []float64{1e-3, -2.5e2}),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTemp(t, "m.txt", tc.content)
			got, err := LoadMatrix(path)
			if err != nil {
				t.Fatalf("LoadMatrix: %v", err)
			}
			if !mat.EqualApprox(got, tc.want, 0) {
				t.Errorf("loaded\n%v\nwant\n%v", mat.Formatted(got), mat.Formatted(tc.want))
			}
		})
	}
}

func TestLoadMatrixErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantShape bool
	}{
		{name: "ragged rows", content: "1 2 3\n4 5\n", wantShape: true},
		{name: "bad number", content: "1 two\n"},
		{name: "only comments", content: "# nothing here\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTemp(t, "bad.txt", tc.content)
			_, err := LoadMatrix(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tc.wantShape && !errors.Is(err, ErrShapeMismatch) {
				t.Errorf("error = %v, want ErrShapeMismatch", err)
			}
		})
	}

	if _, err := LoadMatrix(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("missing file accepted, want error")
	}
}

// A matrix written as CSV must load back identically: the loader accepts
// commas as separators.
func TestWriteMatrixCSVRoundTrip(t *testing.T) {
	m := mat.NewDense(3, 2, []float64{1.5, -2, 0.25, 1e-9, 3, -4.75})
	path := filepath.Join(t.TempDir(), "m.csv")

	if err := WriteMatrixCSV(path, m, nil); err != nil {
		t.Fatalf("WriteMatrixCSV: %v", err)
	}
	got, err := LoadMatrix(path)
	if err != nil {
		t.Fatalf("LoadMatrix: %v", err)
	}
	if !mat.EqualApprox(got, m, 0) {
		t.Errorf("round trip changed values:\n%v\nwant\n%v", mat.Formatted(got), mat.Formatted(m))
	}

	if err := WriteMatrixCSV(path, m, []string{"only one"}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("short header error = %v, want ErrShapeMismatch", err)
	}
}

func TestWriteVoxelMapsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps.csv")
	snr := []float64{0.5, 1.2, 2.0}
	rho := []float64{0.1, 0.3, -0.2}

	if err := WriteVoxelMapsCSV(path, []string{"snr", "rho1"}, snr, rho); err != nil {
		t.Fatalf("WriteVoxelMapsCSV: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if want := "voxel,snr,rho1\n0,0.5,0.1\n"; string(data[:len(want)]) != want {
		t.Errorf("unexpected file prefix:\n%s", data)
	}

	if err := WriteVoxelMapsCSV(path, []string{"snr"}, snr, rho); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("name count mismatch error = %v, want ErrShapeMismatch", err)
	}
	if err := WriteVoxelMapsCSV(path, []string{"a", "b"}, snr, []float64{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("length mismatch error = %v, want ErrShapeMismatch", err)
	}
	if err := WriteVoxelMapsCSV(path, nil); !errors.Is(err, ErrMissingInput) {
		t.Errorf("empty maps error = %v, want ErrMissingInput", err)
	}
}
