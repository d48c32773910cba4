package study

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists study results in a SQLite database. SQLite works best with
// a single writer, so the connection pool is capped at one connection.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS studies (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	config     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS replications (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	study_id    INTEGER NOT NULL REFERENCES studies(id),
	snr_level   REAL NOT NULL,
	replication INTEGER NOT NULL,
	seed        INTEGER NOT NULL,
	beta_corr   REAL NOT NULL,
	offdiag_err REAL NOT NULL,
	rho_corr    REAL NOT NULL,
	snr_corr    REAL NOT NULL,
	converged   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replications_study ON replications(study_id, snr_level);
`

// OpenStore opens (creating if necessary) a study database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateStudy records a new study and returns its id. config is the
// serialized configuration, kept for provenance.
func (s *Store) CreateStudy(ctx context.Context, name, config string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO studies (name, created_at, config) VALUES (?, ?, ?)`,
		name, time.Now().UTC().Format(time.RFC3339), config)
	if err != nil {
		return 0, fmt.Errorf("insert study: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("study id: %w", err)
	}
	return id, nil
}

// SaveReplication appends one replication result to a study.
func (s *Store) SaveReplication(ctx context.Context, studyID int64, r ReplicationResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replications
		 (study_id, snr_level, replication, seed, beta_corr, offdiag_err, rho_corr, snr_corr, converged)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		studyID, r.SNRLevel, r.Replication, int64(r.Seed),
		r.BetaCorr, r.OffDiagErr, r.RhoCorr, r.SNRCorr, r.Converged)
	if err != nil {
		return fmt.Errorf("insert replication: %w", err)
	}
	return nil
}

// Metrics aggregates the stored replications of a study per SNR level.
func (s *Store) Metrics(ctx context.Context, studyID int64) ([]Metrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snr_level, COUNT(*),
		        AVG(beta_corr), AVG(offdiag_err), AVG(rho_corr), AVG(snr_corr), AVG(converged)
		 FROM replications WHERE study_id = ?
		 GROUP BY snr_level ORDER BY snr_level`, studyID)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metrics
	for rows.Next() {
		var m Metrics
		if err := rows.Scan(&m.SNRLevel, &m.Replications,
			&m.BetaCorr, &m.OffDiagErr, &m.RhoCorr, &m.SNRCorr, &m.ConvergenceRate); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return out, nil
}

// ExportMetricsCSV writes aggregated metrics as CSV.
func ExportMetricsCSV(w io.Writer, metrics []Metrics) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"snr_level", "replications", "beta_corr", "offdiag_err",
		"rho_corr", "snr_corr", "convergence_rate"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, m := range metrics {
		rec := []string{
			strconv.FormatFloat(m.SNRLevel, 'g', -1, 64),
			strconv.Itoa(m.Replications),
			strconv.FormatFloat(m.BetaCorr, 'g', -1, 64),
			strconv.FormatFloat(m.OffDiagErr, 'g', -1, 64),
			strconv.FormatFloat(m.RhoCorr, 'g', -1, 64),
			strconv.FormatFloat(m.SNRCorr, 'g', -1, 64),
			strconv.FormatFloat(m.ConvergenceRate, 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	return cw.Error()
}
