package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/padorange/hubeau/internal/models"
	"github.com/padorange/hubeau/internal/utils"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore keeps the history in a shared PostgreSQL database.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks stationLocks
}

// OpenPostgres creates a store backed by a pgx pool and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool resources.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const watermarkSQL = `
SELECT COALESCE(
    (SELECT ts FROM hubeau.watermarks WHERE station_code = $1),
    (SELECT MAX(ts) FROM hubeau.measurements WHERE station_code = $1)
)`

// Watermark returns the latest committed timestamp for a station.
func (s *PostgresStore) Watermark(ctx context.Context, station string) (time.Time, bool, error) {
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, watermarkSQL, station).Scan(&ts); err != nil {
		return time.Time{}, false, storeErr("watermark", station, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

const insertMeasurementSQL = `INSERT INTO hubeau.measurements (station_code, ts, height_m)
VALUES ($1,$2,$3)
ON CONFLICT (station_code, ts) DO NOTHING`

const advanceWatermarkSQL = `INSERT INTO hubeau.watermarks (station_code, ts, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (station_code) DO UPDATE
SET ts = GREATEST(hubeau.watermarks.ts, EXCLUDED.ts),
    updated_at = NOW()`

// CommitBatch inserts readings and advances the watermark in one transaction.
// A transaction-scoped advisory lock keeps other processes from interleaving
// commits for the same station.
func (s *PostgresStore) CommitBatch(ctx context.Context, station string, readings []models.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	unlock := s.locks.lock(station)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, station); err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("lock station: %w", err))
	}

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(insertMeasurementSQL, station, r.Timestamp.UTC(), r.HeightM)
	}

	res := tx.SendBatch(ctx, batch)
	inserted := 0
	for range readings {
		tag, err := res.Exec()
		if err != nil {
			res.Close()
			return 0, storeErr("commit batch", station, fmt.Errorf("insert: %w", err))
		}
		inserted += int(tag.RowsAffected())
	}
	if err := res.Close(); err != nil {
		return 0, storeErr("commit batch", station, err)
	}

	if _, err := tx.Exec(ctx, advanceWatermarkSQL, station, utils.MaxReadingTimestamp(readings).UTC()); err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("advance watermark: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr("commit batch", station, fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}

const rangeSQL = `
    SELECT ts, height_m
    FROM hubeau.measurements
    WHERE station_code = $1 AND ts >= $2 AND ts <= $3
    ORDER BY ts
`

// Range returns the measurements with start <= ts <= end, ascending.
func (s *PostgresStore) Range(ctx context.Context, station string, start, end time.Time) ([]models.Measurement, error) {
	rows, err := s.pool.Query(ctx, rangeSQL, station, start.UTC(), end.UTC())
	if err != nil {
		return nil, storeErr("range", station, err)
	}
	defer rows.Close()

	measurements := make([]models.Measurement, 0)
	for rows.Next() {
		m := models.Measurement{StationCode: station}
		if err := rows.Scan(&m.Timestamp, &m.HeightM); err != nil {
			return nil, storeErr("range", station, err)
		}
		m.Timestamp = m.Timestamp.UTC()
		measurements = append(measurements, m)
	}
	return measurements, storeErr("range", station, rows.Err())
}

const latestSQL = `
    SELECT ts, height_m
    FROM hubeau.measurements
    WHERE station_code = $1
    ORDER BY ts DESC
    LIMIT 1
`

// Latest returns the most recent measurement of a station.
func (s *PostgresStore) Latest(ctx context.Context, station string) (models.Measurement, bool, error) {
	m := models.Measurement{StationCode: station}
	err := s.pool.QueryRow(ctx, latestSQL, station).Scan(&m.Timestamp, &m.HeightM)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Measurement{}, false, nil
	}
	if err != nil {
		return models.Measurement{}, false, storeErr("latest", station, err)
	}
	m.Timestamp = m.Timestamp.UTC()
	return m, true, nil
}

// Count returns the number of stored measurements of a station.
func (s *PostgresStore) Count(ctx context.Context, station string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hubeau.measurements WHERE station_code = $1`, station).Scan(&n)
	return n, storeErr("count", station, err)
}

const upsertStationSQL = `INSERT INTO hubeau.stations (code, name, site_code, site_name, commune_code, department_code, region_code,
    watercourse_code, watercourse_name, longitude, latitude, projection, comment, type, in_service, refreshed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (code) DO UPDATE
SET name = EXCLUDED.name,
    site_code = EXCLUDED.site_code,
    site_name = EXCLUDED.site_name,
    commune_code = EXCLUDED.commune_code,
    department_code = EXCLUDED.department_code,
    region_code = EXCLUDED.region_code,
    watercourse_code = EXCLUDED.watercourse_code,
    watercourse_name = EXCLUDED.watercourse_name,
    longitude = EXCLUDED.longitude,
    latitude = EXCLUDED.latitude,
    projection = EXCLUDED.projection,
    comment = EXCLUDED.comment,
    type = EXCLUDED.type,
    in_service = EXCLUDED.in_service,
    refreshed_at = EXCLUDED.refreshed_at`

// UpsertStation replaces a station row wholesale.
func (s *PostgresStore) UpsertStation(ctx context.Context, st models.Station) error {
	_, err := s.pool.Exec(ctx, upsertStationSQL,
		st.Code, st.Name, st.SiteCode, st.SiteName, st.CommuneCode, st.DepartmentCode, st.RegionCode,
		st.WatercourseCode, st.WatercourseName, st.Longitude, st.Latitude, st.Projection, st.Comment, st.Type,
		st.InService, st.RefreshedAt.UTC())
	return storeErr("upsert station", st.Code, err)
}

const selectStationsSQL = `
    SELECT code, name, site_code, site_name, commune_code, department_code, region_code,
           watercourse_code, watercourse_name, longitude, latitude, projection, comment, type, in_service, refreshed_at
    FROM hubeau.stations
`

// GetStation loads one station row.
func (s *PostgresStore) GetStation(ctx context.Context, code string) (models.Station, error) {
	st, err := scanPostgresStation(s.pool.QueryRow(ctx, selectStationsSQL+" WHERE code = $1", code))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Station{}, ErrNotFound
	}
	if err != nil {
		return models.Station{}, storeErr("get station", code, err)
	}
	return st, nil
}

// ListStations returns all known stations ordered by code.
func (s *PostgresStore) ListStations(ctx context.Context) ([]models.Station, error) {
	rows, err := s.pool.Query(ctx, selectStationsSQL+" ORDER BY code")
	if err != nil {
		return nil, storeErr("list stations", "", err)
	}
	defer rows.Close()

	stations := make([]models.Station, 0)
	for rows.Next() {
		st, err := scanPostgresStation(rows)
		if err != nil {
			return nil, storeErr("list stations", "", err)
		}
		stations = append(stations, st)
	}
	return stations, storeErr("list stations", "", rows.Err())
}

func scanPostgresStation(row pgx.Row) (models.Station, error) {
	var st models.Station
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
		&st.RefreshedAt,
	)
	st.RefreshedAt = st.RefreshedAt.UTC()
	return st, err
}
