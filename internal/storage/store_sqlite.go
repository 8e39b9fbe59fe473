package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"quantgraph/internal/trading/backtest"
	apperrors "quantgraph/pkg/errors"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/001_init.sql
var schema string

// ErrChecksum marks a stored row whose payload no longer matches its checksum
var ErrChecksum = errors.New("checksum verification failed: data corruption detected")

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *Strategy) error {
	if err := validateStrategy(st); err != nil {
		return err
	}
	if !json.Valid(st.Graph) {
		return fmt.Errorf("%w: strategy %q graph is not valid JSON", apperrors.ErrInvalidGraph, st.Name)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now().UTC()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}

	var created int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM strategies WHERE id = ?`, st.ID).Scan(&created)
	switch {
	case err == nil:
		st.CreatedAt = time.Unix(0, created).UTC()
	case errors.Is(err, sql.ErrNoRows):
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
	default:
		return fmt.Errorf("failed to read strategy: %w", err)
	}
	st.UpdatedAt = now

	checksum := sha256.Sum256(st.Graph)
	query := `INSERT OR REPLACE INTO strategies (id, name, description, graph, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, st.ID, st.Name, st.Description, string(st.Graph), checksum[:],
		st.CreatedAt.UnixNano(), st.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write strategy to db: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, graph, checksum, created_at, updated_at FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrStrategyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, graph, checksum, created_at, updated_at FROM strategies
		ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	out := make([]Strategy, 0)
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteStrategy(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrStrategyNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE strategy_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r *Run) error {
	if err := validateRun(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = r.Report.ID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	data, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	// Validate JSON (round-trip test)
	var decoded backtest.Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("report validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO runs (id, strategy_id, status, report, checksum, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, r.ID, r.StrategyID, r.Status, string(data), checksum[:], r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write run to db: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, strategy_id, status, report, checksum, created_at FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, strategyID string) ([]Run, error) {
	query := `SELECT id, strategy_id, status, report, checksum, created_at FROM runs`
	var args []interface{}
	if strategyID != "" {
		query += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row scanner) (*Strategy, error) {
	var (
		st               Strategy
		graph            string
		checksum         []byte
		created, updated int64
	)
	if err := row.Scan(&st.ID, &st.Name, &st.Description, &graph, &checksum, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read strategy from db: %w", err)
	}
	if err := verifyChecksum([]byte(graph), checksum); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", st.ID, err)
	}
	st.Graph = json.RawMessage(graph)
	st.CreatedAt = time.Unix(0, created).UTC()
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return &st, nil
}

func scanRun(row scanner) (*Run, error) {
	var (
		r        Run
		data     string
		checksum []byte
		created  int64
	)
	if err := row.Scan(&r.ID, &r.StrategyID, &r.Status, &data, &checksum, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read run from db: %w", err)
	}
	if err := verifyChecksum([]byte(data), checksum); err != nil {
		return nil, fmt.Errorf("run %s: %w", r.ID, err)
	}
	var report backtest.Report
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	r.Report = &report
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

func verifyChecksum(data, stored []byte) error {
	computed := sha256.Sum256(data)
	if len(stored) != len(computed) {
		return fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(stored))
	}
	if !bytes.Equal(stored, computed[:]) {
		return ErrChecksum
	}
	return nil
}
