package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tidwall/sjson"
)

// Health is the latest heartbeat of a device.
type Health struct {
	DeviceID     string          `db:"device_id" json:"device_id"`
	UserID       string          `db:"user_id" json:"user_id"`
	BatteryPct   *int            `db:"battery_pct" json:"battery_pct,omitempty"`
	IsCharging   *bool           `db:"is_charging" json:"is_charging,omitempty"`
	GPSOn        *bool           `db:"gps_on" json:"gps_on,omitempty"`
	NetType      *string         `db:"net_type" json:"net_type,omitempty"`
	QueueSize    *int            `db:"queue_size" json:"queue_size,omitempty"`
	TrackingOn   *bool           `db:"tracking_on" json:"tracking_on,omitempty"`
	LastSendAtMs *int64          `db:"last_send_at_ms" json:"last_send_at,omitempty"`
	LastError    *string         `db:"last_error" json:"last_error,omitempty"`
	AppVersion   *string         `db:"app_version" json:"app_version,omitempty"`
	Extra        json.RawMessage `db:"extra" json:"extra"`
	UpdatedAtMs  int64           `db:"updated_at_ms" json:"updated_at"`
}

type HealthTable struct {
	db *sqlx.DB
}

func NewHealthTable(db *sqlx.DB) *HealthTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracklink_device_health (
		device_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		battery_pct INT,
		is_charging BOOLEAN,
		gps_on BOOLEAN,
		net_type TEXT,
		queue_size INT,
		tracking_on BOOLEAN,
		last_send_at_ms BIGINT,
		last_error TEXT,
		app_version TEXT,
		extra JSONB NOT NULL DEFAULT '{}',
		updated_at_ms BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tracklink_health_log (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		payload JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS tracklink_health_log_device_idx ON tracklink_health_log(device_id, ts_ms DESC);
	`)
	return &HealthTable{db}
}

// Upsert replaces the latest heartbeat. Extra is merged key by key into what is
// already stored so server-side keys such as pos_est survive a device heartbeat.
func (t *HealthTable) Upsert(txn *sqlx.Tx, h *Health) (*Health, error) {
	if len(h.Extra) == 0 {
		h.Extra = json.RawMessage(`{}`)
	}
	var out Health
	err := txn.Get(&out, `
		INSERT INTO tracklink_device_health (device_id, user_id, battery_pct, is_charging, gps_on, net_type, queue_size, tracking_on, last_send_at_ms, last_error, app_version, extra, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (device_id) DO UPDATE SET
			user_id=EXCLUDED.user_id, battery_pct=EXCLUDED.battery_pct, is_charging=EXCLUDED.is_charging,
			gps_on=EXCLUDED.gps_on, net_type=EXCLUDED.net_type, queue_size=EXCLUDED.queue_size,
			tracking_on=EXCLUDED.tracking_on, last_send_at_ms=EXCLUDED.last_send_at_ms,
			last_error=EXCLUDED.last_error, app_version=EXCLUDED.app_version,
			extra=tracklink_device_health.extra || EXCLUDED.extra, updated_at_ms=EXCLUDED.updated_at_ms
		RETURNING *`,
		h.DeviceID, h.UserID, h.BatteryPct, h.IsCharging, h.GPSOn, h.NetType, h.QueueSize, h.TrackingOn,
		h.LastSendAtMs, h.LastError, h.AppVersion, string(h.Extra), h.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *HealthTable) Select(deviceID string) (*Health, error) {
	var h Health
	err := t.db.Get(&h, `SELECT * FROM tracklink_device_health WHERE device_id=$1`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// SetExtraKey writes one key of the extra object, creating the health row if needed.
func (t *HealthTable) SetExtraKey(txn *sqlx.Tx, deviceID, userID, key string, value interface{}, at time.Time) error {
	var extra []byte
	err := txn.Get(&extra, `SELECT extra FROM tracklink_device_health WHERE device_id=$1 FOR UPDATE`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		extra = []byte(`{}`)
	} else if err != nil {
		return err
	}
	extra, err = sjson.SetBytes(extra, key, value)
	if err != nil {
		return err
	}
	_, err = txn.Exec(`
		INSERT INTO tracklink_device_health (device_id, user_id, extra, updated_at_ms) VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET extra=EXCLUDED.extra`,
		deviceID, userID, string(extra), at.UnixMilli(),
	)
	return err
}

// AppendLog records the heartbeat in the history unless one was logged for the
// device within minGap. Reports whether a row was written.
func (t *HealthTable) AppendLog(txn *sqlx.Tx, h *Health, minGap time.Duration) (bool, error) {
	var lastMs int64
	err := txn.Get(&lastMs, `SELECT COALESCE(MAX(ts_ms), 0) FROM tracklink_health_log WHERE device_id=$1`, h.DeviceID)
	if err != nil {
		return false, err
	}
	if lastMs > 0 && h.UpdatedAtMs-lastMs < minGap.Milliseconds() {
		return false, nil
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return false, err
	}
	_, err = txn.Exec(`INSERT INTO tracklink_health_log (device_id, ts_ms, payload) VALUES ($1, $2, $3)`, h.DeviceID, h.UpdatedAtMs, string(payload))
	return err == nil, err
}

func (t *HealthTable) LogCount(deviceID string) (n int, err error) {
	err = t.db.Get(&n, `SELECT count(*) FROM tracklink_health_log WHERE device_id=$1`, deviceID)
	return
}

// DeleteLogBefore removes history rows logged before boundary. The latest heartbeat is kept.
func (t *HealthTable) DeleteLogBefore(boundary time.Time) (int64, error) {
	res, err := t.db.Exec(`DELETE FROM tracklink_health_log WHERE ts_ms < $1`, boundary.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeviceStatus is what the alert checker knows about one device.
type DeviceStatus struct {
	DeviceID   string  `db:"device_id"`
	UserID     string  `db:"user_id"`
	BatteryPct *int    `db:"battery_pct"`
	IsCharging *bool   `db:"is_charging"`
	GPSOn      *bool   `db:"gps_on"`
	NetType    *string `db:"net_type"`
	QueueSize  *int    `db:"queue_size"`
	TrackingOn *bool   `db:"tracking_on"`
	LastError  *string `db:"last_error"`
	// nil when the device never sent a heartbeat
	HealthAtMs *int64 `db:"health_at_ms"`
	// nil when the device has no stored points
	LastPointMs *int64 `db:"last_point_ms"`
}

// SelectStatuses returns one row per device which is not revoked.
func (t *HealthTable) SelectStatuses() (out []DeviceStatus, err error) {
	err = t.db.Select(&out, `
		SELECT d.device_id, d.user_id, h.battery_pct, h.is_charging, h.gps_on, h.net_type, h.queue_size,
			h.tracking_on, h.last_error, h.updated_at_ms AS health_at_ms,
			(SELECT MAX(p.ts_ms) FROM tracklink_points p WHERE p.device_id=d.device_id) AS last_point_ms
		FROM tracklink_devices d
		LEFT JOIN tracklink_device_health h ON h.device_id=d.device_id
		WHERE d.revoked_at_ms IS NULL
		ORDER BY d.device_id`)
	return
}
