package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ifcbdash/server/internal/model"
)

// timeFormat is fixed-width UTC so timestamps sort correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteRepository stores bins in a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

// Open opens (and migrates) the bin database at dbPath.
func Open(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return r, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS datasets (
		name TEXT PRIMARY KEY,
		title TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS bins (
		bin_id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		instrument TEXT DEFAULT '',
		latitude REAL,
		longitude REAL,
		depth REAL
	);

	CREATE INDEX IF NOT EXISTS idx_bins_timestamp ON bins(timestamp);

	CREATE TABLE IF NOT EXISTS dataset_bins (
		dataset TEXT NOT NULL,
		bin_id TEXT NOT NULL,
		PRIMARY KEY (dataset, bin_id)
	);

	CREATE TABLE IF NOT EXISTS bin_tags (
		bin_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (bin_id, tag)
	);

	CREATE TABLE IF NOT EXISTS bin_metrics (
		bin_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		PRIMARY KEY (bin_id, metric)
	);

	CREATE TABLE IF NOT EXISTS images (
		bin_id TEXT NOT NULL,
		target_index INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		PRIMARY KEY (bin_id, target_index)
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// PutDataset creates or renames a dataset.
func (r *SQLiteRepository) PutDataset(ctx context.Context, ds model.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO datasets (name, title) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET title = excluded.title
	`, ds.Name, ds.Title)
	return err
}

// PutBin replaces a bin, its images and its dataset memberships.
func (r *SQLiteRepository) PutBin(ctx context.Context, bin model.Bin, images []model.ImageDescriptor, datasets ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM bins WHERE bin_id = ?`,
		`DELETE FROM bin_tags WHERE bin_id = ?`,
		`DELETE FROM bin_metrics WHERE bin_id = ?`,
		`DELETE FROM images WHERE bin_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, bin.ID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bins (bin_id, timestamp, instrument, latitude, longitude, depth)
		VALUES (?, ?, ?, ?, ?, ?)
	`, bin.ID, bin.Timestamp.UTC().Format(timeFormat), bin.Instrument, bin.Latitude, bin.Longitude, bin.Depth); err != nil {
		return err
	}

	for _, tag := range bin.Tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO bin_tags (bin_id, tag) VALUES (?, ?)`, bin.ID, tag); err != nil {
			return err
		}
	}
	for m, v := range bin.Metrics {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bin_metrics (bin_id, metric, value) VALUES (?, ?, ?)`, bin.ID, m.String(), v); err != nil {
			return err
		}
	}
	for _, ds := range datasets {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dataset_bins (dataset, bin_id) VALUES (?, ?)`, ds, bin.ID); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO images (bin_id, target_index, width, height) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, img := range images {
		if _, err := stmt.ExecContext(ctx, bin.ID, img.Index, img.Width, img.Height); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const binColumns = `b.bin_id, b.timestamp, b.instrument, b.latitude, b.longitude, b.depth`

type scanner interface {
	Scan(dest ...any) error
}

func scanBin(row scanner) (model.Bin, error) {
	var b model.Bin
	var ts string
	var lat, lon, depth sql.NullFloat64
	if err := row.Scan(&b.ID, &ts, &b.Instrument, &lat, &lon, &depth); err != nil {
		return model.Bin{}, err
	}
	t, err := time.Parse(timeFormat, ts)
	if err != nil {
		return model.Bin{}, fmt.Errorf("bin %s has invalid timestamp %q: %w", b.ID, ts, err)
	}
	b.Timestamp = t
	b.Latitude = nullFloat(lat)
	b.Longitude = nullFloat(lon)
	b.Depth = nullFloat(depth)
	b.Tags = []string{}
	return b, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// GetBin returns one bin with its tags and metrics.
func (r *SQLiteRepository) GetBin(ctx context.Context, id string) (model.Bin, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+binColumns+` FROM bins b WHERE b.bin_id = ?`, id)
	b, err := scanBin(row)
	if err == sql.ErrNoRows {
		return model.Bin{}, fmt.Errorf("bin %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Bin{}, err
	}

	bins := []model.Bin{b}
	index := map[string]int{b.ID: 0}
	if err := r.attach(ctx, bins, index, `WHERE x.bin_id = ?`, id); err != nil {
		return model.Bin{}, err
	}
	return bins[0], nil
}

// GetImages returns the bin's image descriptors ordered by index.
func (r *SQLiteRepository) GetImages(ctx context.Context, binID string) ([]model.ImageDescriptor, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bins WHERE bin_id = ?`, binID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("bin %s: %w", binID, model.ErrNotFound)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT target_index, width, height FROM images
		WHERE bin_id = ? ORDER BY target_index ASC
	`, binID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	images := []model.ImageDescriptor{}
	for rows.Next() {
		var img model.ImageDescriptor
		if err := rows.Scan(&img.Index, &img.Width, &img.Height); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// GetDataset returns a dataset by name.
func (r *SQLiteRepository) GetDataset(ctx context.Context, name string) (model.Dataset, error) {
	var ds model.Dataset
	err := r.db.QueryRowContext(ctx, `SELECT name, title FROM datasets WHERE name = ?`, name).Scan(&ds.Name, &ds.Title)
	if err == sql.ErrNoRows {
		return model.Dataset{}, fmt.Errorf("dataset %s: %w", name, model.ErrNotFound)
	}
	return ds, err
}

// ListDatasets returns every dataset ordered by name.
func (r *SQLiteRepository) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, title FROM datasets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Dataset{}
	for rows.Next() {
		var ds model.Dataset
		if err := rows.Scan(&ds.Name, &ds.Title); err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// FilteredBins returns the bins matching filter ordered by timestamp.
func (r *SQLiteRepository) FilteredBins(ctx context.Context, filter model.BinFilter) ([]model.Bin, error) {
	var where []string
	var args []any
	scope, scopeArgs := "", []any(nil)

	if filter.Dataset != "" {
		if _, err := r.GetDataset(ctx, filter.Dataset); err != nil {
			return nil, err
		}
		where = append(where, `b.bin_id IN (SELECT bin_id FROM dataset_bins WHERE dataset = ?)`)
		args = append(args, filter.Dataset)
		scope = `WHERE x.bin_id IN (SELECT bin_id FROM dataset_bins WHERE dataset = ?)`
		scopeArgs = []any{filter.Dataset}
	}
	if filter.Instrument != "" {
		where = append(where, `b.instrument = ?`)
		args = append(args, filter.Instrument)
	}
	if filter.Start != nil {
		where = append(where, `b.timestamp >= ?`)
		args = append(args, filter.Start.UTC().Format(timeFormat))
	}
	if filter.End != nil {
		where = append(where, `b.timestamp <= ?`)
		args = append(args, filter.End.UTC().Format(timeFormat))
	}

	query := `SELECT ` + binColumns + ` FROM bins b`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY b.timestamp ASC, b.bin_id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	bins := []model.Bin{}
	index := map[string]int{}
	for rows.Next() {
		b, err := scanBin(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[b.ID] = len(bins)
		bins = append(bins, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attach(ctx, bins, index, scope, scopeArgs...); err != nil {
		return nil, err
	}

	if len(filter.Tags) == 0 {
		return bins, nil
	}
	out := bins[:0]
	for _, b := range bins {
		if filter.Match(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

// attach loads tags and metrics for bins. scope restricts the rows read
// from bin_tags and bin_metrics (aliased x).
func (r *SQLiteRepository) attach(ctx context.Context, bins []model.Bin, index map[string]int, scope string, args ...any) error {
	if len(bins) == 0 {
		return nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT x.bin_id, x.tag FROM bin_tags x `+scope+` ORDER BY x.tag`, args...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			rows.Close()
			return err
		}
		if i, ok := index[id]; ok {
			bins[i].Tags = append(bins[i].Tags, tag)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT x.bin_id, x.metric, x.value FROM bin_metrics x `+scope, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		var v float64
		if err := rows.Scan(&id, &name, &v); err != nil {
			return err
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		m, err := model.ParseMetric(name)
		if err != nil {
			continue
		}
		if bins[i].Metrics == nil {
			bins[i].Metrics = make(map[model.Metric]float64)
		}
		bins[i].Metrics[m] = v
	}
	return rows.Err()
}
