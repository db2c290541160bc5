// Package migrations upgrades databases created by older server versions. Tables
// are created in their current shape by the state package, so every migration
// must be a no-op on a fresh database.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

//go:embed *.sql
var sqlMigrations embed.FS

// Up applies every pending migration, SQL and Go alike.
func Up(db *sql.DB) error {
	goose.SetBaseFS(sqlMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetLogger(gooseLogger{})
	return goose.Up(db, ".")
}

type gooseLogger struct{}

func (gooseLogger) Fatal(v ...interface{})                 { logger.Fatal().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Fatalf(format string, v ...interface{}) { logger.Fatal().Msgf(format, v...) }
func (gooseLogger) Print(v ...interface{})                 { logger.Info().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Println(v ...interface{})               { logger.Info().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Printf(format string, v ...interface{}) { logger.Info().Msgf(format, v...) }
