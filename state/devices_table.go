package state

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

type Device struct {
	DeviceID     string `db:"device_id"`
	UserID       string `db:"user_id"`
	Label        string `db:"label"`
	TokenHash    string `db:"token_hash"`
	CreatedAtMs  int64  `db:"created_at_ms"`
	RevokedAtMs  *int64 `db:"revoked_at_ms"`
	LastSeenAtMs *int64 `db:"last_seen_at_ms"`
}

func (d *Device) Revoked() bool {
	return d.RevokedAtMs != nil
}

// HashToken is how device tokens are stored. The plaintext is only ever shown once.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracklink_devices (
		device_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		token_hash TEXT NOT NULL UNIQUE,
		created_at_ms BIGINT NOT NULL,
		revoked_at_ms BIGINT,
		last_seen_at_ms BIGINT
	);
	CREATE INDEX IF NOT EXISTS tracklink_devices_user_idx ON tracklink_devices(user_id);
	`)
	return &DevicesTable{db}
}

func (t *DevicesTable) Insert(txn *sqlx.Tx, d Device) error {
	_, err := txn.NamedExec(`
		INSERT INTO tracklink_devices (device_id, user_id, label, token_hash, created_at_ms)
		VALUES (:device_id, :user_id, :label, :token_hash, :created_at_ms)`, d)
	return err
}

// SelectByTokenHash returns nil, nil when no device has the token.
func (t *DevicesTable) SelectByTokenHash(tokenHash string) (*Device, error) {
	var d Device
	err := t.db.Get(&d, `SELECT * FROM tracklink_devices WHERE token_hash=$1`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *DevicesTable) Select(deviceID string) (*Device, error) {
	var d Device
	err := t.db.Get(&d, `SELECT * FROM tracklink_devices WHERE device_id=$1`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *DevicesTable) SelectAll() (devices []Device, err error) {
	err = t.db.Select(&devices, `SELECT * FROM tracklink_devices ORDER BY user_id, created_at_ms`)
	return
}

// Revoke marks the device revoked. Returns false if it does not exist or was already revoked.
func (t *DevicesTable) Revoke(deviceID string, at time.Time) (bool, error) {
	res, err := t.db.Exec(`UPDATE tracklink_devices SET revoked_at_ms=$1 WHERE device_id=$2 AND revoked_at_ms IS NULL`, at.UnixMilli(), deviceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *DevicesTable) Touch(txn *sqlx.Tx, deviceID string, at time.Time) error {
	_, err := txn.Exec(`UPDATE tracklink_devices SET last_seen_at_ms=$1 WHERE device_id=$2`, at.UnixMilli(), deviceID)
	return err
}
