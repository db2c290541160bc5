// tracklink is the telemetry server. It serves the device API and the realtime
// dashboard feed, and manages device tokens.
//
//	tracklink [--config FILE] serve
//	tracklink [--config FILE] migrate
//	tracklink [--config FILE] device add USER_ID [LABEL]
//	tracklink [--config FILE] device revoke DEVICE_ID
//	tracklink [--config FILE] device list
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"

	"github.com/fieldops/tracklink"
	"github.com/fieldops/tracklink/config"
	"github.com/fieldops/tracklink/state"
	"github.com/fieldops/tracklink/state/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var configPath string
	var showVersion bool
	flagSet := pflag.NewFlagSet("tracklink", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config (default: $"+config.EnvConfigPath+")")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(flagSet) }
	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(tracklink.Version)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printUsage(flagSet)
		return errors.New("missing command")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	switch args[0] {
	case "serve":
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tracklink.RunServer(ctx, &cfg.Server)
	case "migrate":
		return migrate(cfg)
	case "device":
		return deviceCommand(cfg, args[1:])
	default:
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: tracklink [flags] COMMAND

Commands:
  serve                       run the HTTP server
  migrate                     apply pending database migrations and exit
  device add USER_ID [LABEL]  register a device and print its token
  device revoke DEVICE_ID     revoke a device token
  device list                 list registered devices

Flags:
%s`, flagSet.FlagUsages())
}

func openStorage(cfg *config.Config) (*state.Storage, error) {
	if cfg.Server.DB == "" {
		return nil, errors.New("server.db is required")
	}
	db, err := sqlx.Open("postgres", cfg.Server.DB)
	if err != nil {
		return nil, err
	}
	if err = migrations.Up(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return state.NewStorageWithDB(db, false), nil
}

func migrate(cfg *config.Config) error {
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	store.Teardown()
	fmt.Println("database is up to date")
	return nil
}

func deviceCommand(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: tracklink device add|revoke|list")
	}
	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Teardown()

	switch args[0] {
	case "add":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("usage: tracklink device add USER_ID [LABEL]")
		}
		label := ""
		if len(args) == 3 {
			label = args[2]
		}
		dev, token, err := store.CreateDevice(context.Background(), args[1], label)
		if err != nil {
			return fmt.Errorf("create device: %w", err)
		}
		fmt.Printf("device_id: %s\nuser_id:   %s\ntoken:     %s\n", dev.DeviceID, dev.UserID, token)
		fmt.Fprintln(os.Stderr, "the token is not stored and cannot be shown again")
		return nil
	case "revoke":
		if len(args) != 2 {
			return errors.New("usage: tracklink device revoke DEVICE_ID")
		}
		ok, err := store.Devices.Revoke(args[1], time.Now())
		if err != nil {
			return fmt.Errorf("revoke device: %w", err)
		}
		if !ok {
			return fmt.Errorf("device %s not found or already revoked", args[1])
		}
		fmt.Printf("revoked %s\n", args[1])
		return nil
	case "list":
		devices, err := store.Devices.SelectAll()
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tUSER\tLABEL\tCREATED\tLAST SEEN\tREVOKED")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.DeviceID, d.UserID, d.Label,
				formatMs(&d.CreatedAtMs), formatMs(d.LastSeenAtMs), formatMs(d.RevokedAtMs))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown device command %q", args[0])
	}
}

func formatMs(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
}
