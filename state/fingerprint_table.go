package state

import (
	"fmt"
	"time"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/jmoiron/sqlx"
)

type fingerprintRow struct {
	ID           int64    `db:"id"`
	DeviceID     string   `db:"device_id"`
	UserID       string   `db:"user_id"`
	TimestampMs  int64    `db:"ts_ms"`
	Lat          *float64 `db:"lat"`
	Lon          *float64 `db:"lon"`
	AccuracyM    *float64 `db:"accuracy_m"`
	Purpose      string   `db:"purpose"`
	Mode         string   `db:"mode"`
	Wifi         []byte   `db:"wifi"`
	Cell         []byte   `db:"cell"`
	WifiCount    int      `db:"wifi_count"`
	CellCount    int      `db:"cell_count"`
	ReceivedAtMs int64    `db:"received_at_ms"`
}

// FingerprintTable stores radio scans. Observations are CBOR encoded and only ever
// hold identifier digests. Rows with purpose 'train' are the anchors a device is
// localised against.
type FingerprintTable struct {
	db *sqlx.DB
}

func NewFingerprintTable(db *sqlx.DB) *FingerprintTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracklink_fingerprints (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		accuracy_m DOUBLE PRECISION,
		purpose TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		wifi BYTEA NOT NULL,
		cell BYTEA NOT NULL,
		wifi_count INT NOT NULL DEFAULT 0,
		cell_count INT NOT NULL DEFAULT 0,
		received_at_ms BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS tracklink_fingerprints_anchor_idx ON tracklink_fingerprints(device_id, purpose, ts_ms DESC);
	CREATE INDEX IF NOT EXISTS tracklink_fingerprints_received_idx ON tracklink_fingerprints(received_at_ms);
	`)
	return &FingerprintTable{db}
}

func (t *FingerprintTable) Insert(txn *sqlx.Tx, userID string, samples []fingerprint.Sample, receivedAt time.Time) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([]fingerprintRow, 0, len(samples))
	for _, s := range samples {
		wifi, err := fingerprint.EncodeWifi(s.Wifi)
		if err != nil {
			return fmt.Errorf("encode wifi: %w", err)
		}
		cell, err := fingerprint.EncodeCell(s.Cell)
		if err != nil {
			return fmt.Errorf("encode cell: %w", err)
		}
		rows = append(rows, fingerprintRow{
			DeviceID:     s.DeviceID,
			UserID:       userID,
			TimestampMs:  s.TimestampMs,
			Lat:          s.Lat,
			Lon:          s.Lon,
			AccuracyM:    s.AccuracyM,
			Purpose:      string(s.Purpose),
			Mode:         s.Mode,
			Wifi:         wifi,
			Cell:         cell,
			WifiCount:    len(s.Wifi),
			CellCount:    len(s.Cell),
			ReceivedAtMs: receivedAt.UnixMilli(),
		})
	}
	_, err := txn.NamedExec(`
		INSERT INTO tracklink_fingerprints (device_id, user_id, ts_ms, lat, lon, accuracy_m, purpose, mode, wifi, cell, wifi_count, cell_count, received_at_ms)
		VALUES (:device_id, :user_id, :ts_ms, :lat, :lon, :accuracy_m, :purpose, :mode, :wifi, :cell, :wifi_count, :cell_count, :received_at_ms)`, rows)
	return err
}

// SelectAnchors returns the device's newest training samples taken after since
// with a known fix no worse than maxAccuracyM.
func (t *FingerprintTable) SelectAnchors(deviceID string, since time.Time, limit int, maxAccuracyM float64) ([]fingerprint.Anchor, error) {
	var rows []fingerprintRow
	err := t.db.Select(&rows, `
		SELECT * FROM tracklink_fingerprints
		WHERE device_id=$1 AND purpose=$2 AND ts_ms >= $3
		AND lat IS NOT NULL AND lon IS NOT NULL
		AND (accuracy_m IS NULL OR accuracy_m <= $4)
		ORDER BY ts_ms DESC LIMIT $5`,
		deviceID, string(fingerprint.PurposeTrain), since.UnixMilli(), maxAccuracyM, limit,
	)
	if err != nil {
		return nil, err
	}
	anchors := make([]fingerprint.Anchor, 0, len(rows))
	for _, r := range rows {
		wifi, err := fingerprint.DecodeWifi(r.Wifi)
		if err != nil {
			logger.Warn().Err(err).Int64("fingerprint", r.ID).Msg("skipping undecodable anchor")
			continue
		}
		cell, err := fingerprint.DecodeCell(r.Cell)
		if err != nil {
			logger.Warn().Err(err).Int64("fingerprint", r.ID).Msg("skipping undecodable anchor")
			continue
		}
		anchors = append(anchors, fingerprint.Anchor{
			ID:          r.ID,
			TimestampMs: r.TimestampMs,
			Lat:         *r.Lat,
			Lon:         *r.Lon,
			AccuracyM:   r.AccuracyM,
			Wifi:        wifi,
			Cell:        cell,
		})
	}
	return anchors, nil
}

func (t *FingerprintTable) Count(deviceID string) (n int, err error) {
	err = t.db.Get(&n, `SELECT count(*) FROM tracklink_fingerprints WHERE device_id=$1`, deviceID)
	return
}

// DeleteBefore removes samples received before boundary.
func (t *FingerprintTable) DeleteBefore(boundary time.Time) (int64, error) {
	res, err := t.db.Exec(`DELETE FROM tracklink_fingerprints WHERE received_at_ms < $1`, boundary.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
