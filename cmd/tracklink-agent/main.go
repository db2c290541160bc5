// tracklink-agent is the device side of tracklink for hosts without a native app.
// It reads newline-delimited JSON events on stdin, filters location fixes, keeps
// them in a durable local queue and uploads them in the background.
//
// Each input line is an object with a "type":
//
//	{"type":"fix","lat":52.1,"lon":4.3,"accuracy_m":12,"ts":1700000000000}
//	{"type":"scan","wifi":[{"bssid":"..","ssid":"..","rssi":-60,"freq_mhz":2412}],"cell":[..]}
//	{"type":"status","battery_pct":80,"is_charging":false,"gps_on":true,"net_type":"wifi"}
//	{"type":"mode","mode":"eco"}
//	{"type":"online"}
//	{"type":"stop"}
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fieldops/tracklink"
	"github.com/fieldops/tracklink/config"
	"github.com/fieldops/tracklink/device/quality"
	"github.com/fieldops/tracklink/device/queue"
	"github.com/fieldops/tracklink/device/upload"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func main() {
	if err := run(os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var configPath string
	flagSet := pflag.NewFlagSet("tracklink-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config (default: $"+config.EnvConfigPath+")")
	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err = cfg.ValidateDevice(); err != nil {
		return err
	}
	tracklink.ConfigureLogging(cfg.Device.LogLevel)
	d := cfg.Device

	q, err := queue.Open(d.QueuePath, d.QueueCapacity)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	filter := quality.NewFilter(d.Quality)
	client := upload.NewClient(d.ServerURL, d.Token, d.RequestTimeout)
	upCfg := d.Upload
	upCfg.AppVersion = "tracklink-agent/" + tracklink.Version
	upCfg.Mode = d.Quality.Mode

	a := newAgent(filter, q, client)
	coord := upload.NewCoordinator(upCfg, q, client, filter, a, a)
	sched := upload.NewScheduler(coord, d.UploadInterval)
	a.kick = sched.Kick

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()

	readErr := a.consume(ctx, os.Stdin)
	if readErr == nil {
		logger.Info().Msg("stdin closed, flushing queue")
		if _, err := coord.RunOnce(ctx); err != nil {
			logger.Warn().Err(err).Msg("final upload failed, points stay queued")
		}
	}
	stop()
	<-errCh
	return readErr
}

// consume handles input lines until r is exhausted or ctx is done.
func (a *agent) consume(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return ctx.Err()
				}
			}
			if err := a.handleLine(ctx, line); err != nil {
				logger.Warn().Err(err).Msg("skipping input line")
			}
		}
	}
}
