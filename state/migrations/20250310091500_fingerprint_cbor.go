package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/pressly/goose/v3"
	"github.com/tidwall/gjson"
)

func init() {
	goose.AddMigrationContext(upFingerprintCBOR, downFingerprintCBOR)
}

// Early servers kept scans as JSONB with whatever the device sent, including plaintext
// BSSIDs/SSIDs. Rewrite them as CBOR observations holding digests only.
func upFingerprintCBOR(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRowContext(ctx, "select data_type from information_schema.columns where table_name = 'tracklink_fingerprints' AND column_name = 'wifi'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// the table will be created with the current schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "bytea" {
		return nil
	}

	_, err = tx.ExecContext(ctx, `ALTER TABLE tracklink_fingerprints
		ADD COLUMN IF NOT EXISTS wifib BYTEA, ADD COLUMN IF NOT EXISTS cellb BYTEA,
		ADD COLUMN IF NOT EXISTS wifi_count INT NOT NULL DEFAULT 0, ADD COLUMN IF NOT EXISTS cell_count INT NOT NULL DEFAULT 0;`)
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, wifi, cell FROM tracklink_fingerprints")
	if err != nil {
		return err
	}
	type legacyRow struct {
		wifi []byte
		cell []byte
	}
	legacy := make(map[int64]legacyRow)
	for rows.Next() {
		var id int64
		var r legacyRow
		if err = rows.Scan(&id, &r.wifi, &r.cell); err != nil {
			rows.Close()
			return err
		}
		legacy[id] = r
	}
	rows.Close()
	if rows.Err() != nil {
		return rows.Err()
	}

	for id, r := range legacy {
		wifi := legacyWifi(gjson.ParseBytes(r.wifi))
		cell := legacyCell(gjson.ParseBytes(r.cell))
		wifiBytes, err := fingerprint.EncodeWifi(wifi)
		if err != nil {
			return fmt.Errorf("fingerprint %d: failed to encode wifi: %w", id, err)
		}
		cellBytes, err := fingerprint.EncodeCell(cell)
		if err != nil {
			return fmt.Errorf("fingerprint %d: failed to encode cell: %w", id, err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE tracklink_fingerprints SET wifib = $1, cellb = $2, wifi_count = $3, cell_count = $4 WHERE id = $5;",
			wifiBytes, cellBytes, len(wifi), len(cell), id)
		if err != nil {
			return err
		}
	}
	logger.Info().Int("rows", len(legacy)).Msg("converted fingerprints to CBOR")

	for _, stmt := range []string{
		"ALTER TABLE tracklink_fingerprints DROP COLUMN wifi, DROP COLUMN cell;",
		"ALTER TABLE tracklink_fingerprints RENAME COLUMN wifib TO wifi;",
		"ALTER TABLE tracklink_fingerprints RENAME COLUMN cellb TO cell;",
		"ALTER TABLE tracklink_fingerprints ALTER COLUMN wifi SET NOT NULL, ALTER COLUMN cell SET NOT NULL;",
	} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// legacyWifi accepts both {bssid, ssid, rssi, freq} and the later
// {bssid_hash, ssid_hash, rssi, freq_mhz} shapes.
func legacyWifi(arr gjson.Result) []fingerprint.WifiObservation {
	var out []fingerprint.WifiObservation
	arr.ForEach(func(_, v gjson.Result) bool {
		bssid := firstString(v, "bssid_hash", "bssid")
		if bssid == "" {
			return true
		}
		freq := v.Get("freq_mhz")
		if !freq.Exists() {
			freq = v.Get("freq")
		}
		out = append(out, fingerprint.NewWifiObservation(bssid, firstString(v, "ssid_hash", "ssid"), int(v.Get("rssi").Int()), int(freq.Int())))
		return true
	})
	return out
}

func legacyCell(arr gjson.Result) []fingerprint.CellObservation {
	var out []fingerprint.CellObservation
	arr.ForEach(func(_, v gjson.Result) bool {
		c := fingerprint.CellObservation{
			Type:     v.Get("type").Str,
			MCC:      int(v.Get("mcc").Int()),
			MNC:      int(v.Get("mnc").Int()),
			CellID:   firstInt(v, "cell_id", "ci"),
			AreaCode: int(firstInt(v, "area_code", "tac")),
		}
		if pci := v.Get("pci"); pci.Type == gjson.Number {
			n := int(pci.Int())
			c.PCI = &n
		}
		if dbm := v.Get("dbm"); dbm.Type == gjson.Number {
			n := int(dbm.Int())
			c.DBM = &n
		}
		out = append(out, c)
		return true
	})
	return out
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := v.Get(k).Str; s != "" {
			return s
		}
	}
	return ""
}

func firstInt(v gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r.Int()
		}
	}
	return 0
}

// Digests cannot be reversed, so going down only changes the encoding.
func downFingerprintCBOR(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS tracklink_fingerprints ADD COLUMN IF NOT EXISTS wifij JSONB, ADD COLUMN IF NOT EXISTS cellj JSONB;")
	if err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx, "SELECT id, wifi, cell FROM tracklink_fingerprints")
	if err != nil {
		return err
	}
	type encoded struct {
		wifi []byte
		cell []byte
	}
	all := make(map[int64]encoded)
	for rows.Next() {
		var id int64
		var e encoded
		if err = rows.Scan(&id, &e.wifi, &e.cell); err != nil {
			rows.Close()
			return err
		}
		all[id] = e
	}
	rows.Close()
	if rows.Err() != nil {
		return rows.Err()
	}

	for id, e := range all {
		wifi, err := fingerprint.DecodeWifi(e.wifi)
		if err != nil {
			return fmt.Errorf("fingerprint %d: failed to decode wifi: %w", id, err)
		}
		cell, err := fingerprint.DecodeCell(e.cell)
		if err != nil {
			return fmt.Errorf("fingerprint %d: failed to decode cell: %w", id, err)
		}
		wifiJSON, err := json.Marshal(nonNil(wifi))
		if err != nil {
			return err
		}
		cellJSON, err := json.Marshal(nonNil(cell))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE tracklink_fingerprints SET wifij = $1, cellj = $2 WHERE id = $3;", string(wifiJSON), string(cellJSON), id)
		if err != nil {
			return err
		}
	}

	for _, stmt := range []string{
		"ALTER TABLE IF EXISTS tracklink_fingerprints DROP COLUMN IF EXISTS wifi, DROP COLUMN IF EXISTS cell;",
		"ALTER TABLE IF EXISTS tracklink_fingerprints RENAME COLUMN wifij TO wifi;",
		"ALTER TABLE IF EXISTS tracklink_fingerprints RENAME COLUMN cellj TO cell;",
	} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
