package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Schema version tracking:
// 1 - stations, measurements, watermarks
const sqliteSchemaVersion = 1

// SQLiteStore is the default local store.
//
// Writes go through a dedicated single-connection handle so SQLite never sees
// two writers; reads use a separate pool and are not blocked by writes (WAL).
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	locks  stationLocks
}

// OpenSQLite creates or opens the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}

	writer, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if err := applyPragmas(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySQLiteSchema(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	reader := writer
	if !inMemory(path) {
		reader, err = sql.Open("sqlite3", readerDSN(path))
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("open reader: %w", err)
		}
		reader.SetMaxOpenConns(4)
	}

	return &SQLiteStore{writer: writer, reader: reader}, nil
}

// readerDSN appends the read-only connection options to path, keeping any
// query string it already carries.
func readerDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_query_only=1"
}

// inMemory reports whether path names a private in-memory database, which a
// second handle could not see.
func inMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:") || strings.Contains(path, "mode=memory")
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close releases both handles.
func (s *SQLiteStore) Close() error {
	var err error
	if s.reader != nil && s.reader != s.writer {
		err = s.reader.Close()
	}
	if s.writer != nil {
		err = errors.Join(err, s.writer.Close())
	}
	return err
}

// Watermark returns the latest committed timestamp for a station.
func (s *SQLiteStore) Watermark(ctx context.Context, station string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.reader.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT ts FROM watermarks WHERE station_code = ?),
			(SELECT MAX(ts) FROM measurements WHERE station_code = ?)
		)`, station, station).Scan(&ts)
	if err != nil {
		return time.Time{}, false, storeErr("watermark", station, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// CommitBatch inserts readings and advances the watermark in one transaction.
func (s *SQLiteStore) CommitBatch(ctx context.Context, station string, readings []models.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	unlock := s.locks.lock(station)
	defer unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO measurements (station_code, ts, height_m)
		VALUES (?, ?, ?)
		ON CONFLICT (station_code, ts) DO NOTHING`)
	if err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range readings {
		res, err := stmt.ExecContext(ctx, station, r.Timestamp.Unix(), r.HeightM)
		if err != nil {
			return 0, storeErr("commit batch", station, fmt.Errorf("insert %s: %w", utils.FormatTimestamp(r.Timestamp), err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storeErr("commit batch", station, err)
		}
		inserted += int(n)
	}

	latest := utils.MaxReadingTimestamp(readings)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO watermarks (station_code, ts, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (station_code) DO UPDATE
		SET ts = MAX(watermarks.ts, excluded.ts),
		    updated_at = excluded.updated_at`,
		station, latest.Unix(), time.Now().Unix()); err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("advance watermark: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}

// Range returns the measurements with start <= ts <= end, ascending.
func (s *SQLiteStore) Range(ctx context.Context, station string, start, end time.Time) ([]models.Measurement, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT ts, height_m
		FROM measurements
		WHERE station_code = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`, station, start.Unix(), end.Unix())
	if err != nil {
		return nil, storeErr("range", station, err)
	}
	defer rows.Close()

	out := make([]models.Measurement, 0)
	for rows.Next() {
		var ts int64
		m := models.Measurement{StationCode: station}
		if err := rows.Scan(&ts, &m.HeightM); err != nil {
			return nil, storeErr("range", station, err)
		}
		m.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, m)
	}
	return out, storeErr("range", station, rows.Err())
}

// Latest returns the most recent measurement of a station.
func (s *SQLiteStore) Latest(ctx context.Context, station string) (models.Measurement, bool, error) {
	var ts int64
	m := models.Measurement{StationCode: station}
	err := s.reader.QueryRowContext(ctx, `
		SELECT ts, height_m
		FROM measurements
		WHERE station_code = ?
		ORDER BY ts DESC
		LIMIT 1`, station).Scan(&ts, &m.HeightM)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Measurement{}, false, nil
	}
	if err != nil {
		return models.Measurement{}, false, storeErr("latest", station, err)
	}
	m.Timestamp = time.Unix(ts, 0).UTC()
	return m, true, nil
}

// Count returns the number of stored measurements of a station.
func (s *SQLiteStore) Count(ctx context.Context, station string) (int, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements WHERE station_code = ?`, station).Scan(&n)
	return n, storeErr("count", station, err)
}

// UpsertStation replaces a station row wholesale.
func (s *SQLiteStore) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO stations (code, name, site_code, site_name, commune_code, department_code, region_code,
			watercourse_code, watercourse_name, longitude, latitude, projection, comment, type, in_service, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE
		SET name = excluded.name,
		    site_code = excluded.site_code,
		    site_name = excluded.site_name,
		    commune_code = excluded.commune_code,
		    department_code = excluded.department_code,
		    region_code = excluded.region_code,
		    watercourse_code = excluded.watercourse_code,
		    watercourse_name = excluded.watercourse_name,
		    longitude = excluded.longitude,
		    latitude = excluded.latitude,
		    projection = excluded.projection,
		    comment = excluded.comment,
		    type = excluded.type,
		    in_service = excluded.in_service,
		    refreshed_at = excluded.refreshed_at`,
		st.Code, st.Name, st.SiteCode, st.SiteName, st.CommuneCode, st.DepartmentCode, st.RegionCode,
		st.WatercourseCode, st.WatercourseName, st.Longitude, st.Latitude, st.Projection, st.Comment, st.Type,
		st.InService, st.RefreshedAt.Unix())
	return storeErr("upsert station", st.Code, err)
}

const sqliteStationColumns = `code, name, site_code, site_name, commune_code, department_code, region_code,
	watercourse_code, watercourse_name, longitude, latitude, projection, comment, type, in_service, refreshed_at`

// GetStation loads one station row.
func (s *SQLiteStore) GetStation(ctx context.Context, code string) (models.Station, error) {
	row := s.reader.QueryRowContext(ctx, `SELECT `+sqliteStationColumns+` FROM stations WHERE code = ?`, code)
	st, err := scanSQLiteStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Station{}, ErrNotFound
	}
	if err != nil {
		return models.Station{}, storeErr("get station", code, err)
	}
	return st, nil
}

// ListStations returns all known stations ordered by code.
func (s *SQLiteStore) ListStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+sqliteStationColumns+` FROM stations ORDER BY code`)
	if err != nil {
		return nil, storeErr("list stations", "", err)
	}
	defer rows.Close()

	stations := make([]models.Station, 0)
	for rows.Next() {
		st, err := scanSQLiteStation(rows)
		if err != nil {
			return nil, storeErr("list stations", "", err)
		}
		stations = append(stations, st)
	}
	return stations, storeErr("list stations", "", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteStation(row rowScanner) (models.Station, error) {
	var st models.Station
	var refreshed int64
	err := row.Scan(
		&st.Code,
		&st.Name,
		&st.SiteCode,
		&st.SiteName,
		&st.CommuneCode,
		&st.DepartmentCode,
		&st.RegionCode,
		&st.WatercourseCode,
		&st.WatercourseName,
		&st.Longitude,
		&st.Latitude,
		&st.Projection,
		&st.Comment,
		&st.Type,
		&st.InService,
		&refreshed,
	)
	st.RefreshedAt = time.Unix(refreshed, 0).UTC()
	return st, err
}
