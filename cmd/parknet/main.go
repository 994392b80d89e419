// parknet runs a lockstep multiplayer park server, a headless client, or a
// LAN browser.
//
//	parknet server [-config dir] [-port n] [-bind addr] [-password p]
//	parknet client -host h [-port n] [-name n]
//	parknet browse [-timeout d]
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/util"
)

const banner = `
                 _               _
  _ __  __ _ _ _| |__ _ _  ___ | |_
 | '_ \/ _' | '_| / /| ' \/ -_)|  _|
 | .__/\__,_|_| |_\_\|_||_\___| \__|
 |_|  protocol %s
`

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	case "browse":
		err = runBrowse(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("parknet exited with error")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: parknet <server|client|browse> [flags]\n")
}

// loadConfig loads and validates the config directory, then re-initializes
// logging from it.
func loadConfig(dir string, console bool) (*config.Config, error) {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Console:    cfg.Logging.Console && console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return nil, fmt.Errorf("configuration validation failed")
	}

	log.Info().
		Str("protocol", protocol.NetworkVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting parknet")
	return cfg, nil
}

// startWithRetry retries a component whose port may still be held by a
// previous process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
