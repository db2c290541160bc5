package testutils

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// EnvTestDSN names a complete connection string to run the Postgres tests against.
// When it is set no database is created or dropped.
const EnvTestDSN = "TRACKLINK_TEST_DB"

// PrepareDBConnectionString returns a lib/pq connection string for a fresh database
// called dbName, recreated on every run. PGUSER, PGHOST, PGPORT and PGPASSWORD are
// honoured; the user defaults to the OS account. Failures exit the test binary
// because nothing under TestMain can run without the database.
func PrepareDBConnectionString(dbName string) string {
	if dsn := os.Getenv(EnvTestDSN); dsn != "" {
		return dsn
	}
	params := map[string]string{
		"sslmode": "disable",
		"user":    os.Getenv("PGUSER"),
	}
	if params["user"] == "" {
		u, err := user.Current()
		if err != nil {
			exitf("cannot determine postgres user: %s", err)
		}
		params["user"] = u.Username
	}
	for key, env := range map[string]string{"host": "PGHOST", "port": "PGPORT", "password": "PGPASSWORD"} {
		if v := os.Getenv(env); v != "" {
			params[key] = v
		}
	}

	params["dbname"] = "postgres"
	if err := recreateDB(dsn(params), dbName); err != nil {
		exitf("tests need a postgres server reachable as %q (or set %s): %s", params["user"], EnvTestDSN, err)
	}
	params["dbname"] = dbName
	return dsn(params)
}

func recreateDB(maintenanceDSN, dbName string) error {
	db, err := sqlx.Open("postgres", maintenanceDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	name := pq.QuoteIdentifier(dbName)
	if _, err := db.Exec(`DROP DATABASE IF EXISTS ` + name + ` WITH (FORCE)`); err != nil {
		return fmt.Errorf("drop %s: %w", dbName, err)
	}
	if _, err := db.Exec(`CREATE DATABASE ` + name); err != nil {
		return fmt.Errorf("create %s: %w", dbName, err)
	}
	return nil
}

// dsn renders params in key order so the result is stable.
func dsn(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + quoteValue(params[k])
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
