package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldops/tracklink/fingerprint"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upFingerprintPurpose, downFingerprintPurpose)
}

// Samples stored before purpose existed are labelled the way an untagged upload is
// labelled today: train when they carry a fix at least as good as the training
// threshold, locate otherwise.
func upFingerprintPurpose(ctx context.Context, tx *sql.Tx) error {
	var exists bool
	err := tx.QueryRowContext(ctx, "SELECT to_regclass('tracklink_fingerprints') IS NOT NULL").Scan(&exists)
	if err != nil || !exists {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE tracklink_fingerprints ADD COLUMN IF NOT EXISTS purpose TEXT;")
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tracklink_fingerprints SET purpose = CASE
			WHEN lat IS NOT NULL AND lon IS NOT NULL AND accuracy_m IS NOT NULL AND accuracy_m <= $1 THEN $2
			ELSE $3
		END
		WHERE purpose IS NULL OR purpose = ''`,
		fingerprint.DefaultParams().TrainMaxAccuracyM, string(fingerprint.PurposeTrain), string(fingerprint.PurposeLocate),
	)
	if err != nil {
		return fmt.Errorf("failed to backfill purpose: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info().Int64("rows", n).Msg("backfilled fingerprint purpose")
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE tracklink_fingerprints ALTER COLUMN purpose SET NOT NULL;")
	return err
}

func downFingerprintPurpose(ctx context.Context, tx *sql.Tx) error {
	return nil
}
