package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/parknet-project/parknet/internal/api"
	"github.com/parknet-project/parknet/internal/cli"
	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/connector"
	"github.com/parknet-project/parknet/internal/db"
	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/journal"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/scheduler"
	"github.com/parknet-project/parknet/internal/session"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/telemetry"
	"github.com/parknet-project/parknet/internal/util"
)

const (
	parkWidth  = 64
	parkHeight = 64
	objectDir  = "data/objects"
	scriptDir  = "scripts"
	listingTTL = 2 * time.Second
)

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configDir := fs.String("config", config.DefaultConfigDir, "configuration directory")
	port := fs.Int("port", 0, "game port (overrides config)")
	bind := fs.String("bind", "", "bind address (overrides config)")
	password := fs.String("password", "", "server password (overrides config)")
	console := fs.Bool("console", true, "run the interactive admin console")
	fs.Parse(args)

	fmt.Printf(banner, protocol.NetworkVersion)

	// Console log output would interleave with the admin prompt.
	cfg, err := loadConfig(*configDir, !*console)
	if err != nil {
		return err
	}
	netCfg := cfg.GetNetwork()
	if *port != 0 {
		netCfg.Port = *port
	}
	if *bind != "" {
		netCfg.BindAddress = *bind
	}
	if *password != "" {
		netCfg.Password = *password
	}
	cfg.SetNetwork(netCfg)
	sessCfg := cfg.GetSession()

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	store, err := openGroupStore(cfg.Groups)
	if err != nil {
		return err
	}
	registry := player.NewRegistry(store, player.Options{
		ChatRate:  rate.Limit(sessCfg.ChatRatePerSec),
		ChatBurst: sessCfg.ChatBurst,
	})
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}
	defer registry.Close()

	scripts, err := sim.LoadScriptDir(scriptDir)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load scripts, continuing without")
	}

	if !util.FileExists(objectDir) {
		log.Warn().Str("dir", objectDir).Msg("object directory not found, clients must already have every object")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl = journal.New(cfg.Journal)
		jrnl.Attach(eventBus)
		defer jrnl.Close()
	}

	opts := session.ServerOptions{
		Network:    netCfg,
		Session:    sessCfg,
		Registry:   registry,
		Simulation: sim.NewPark(sessCfg.WorldSeed, parkWidth, parkHeight),
		Objects:    sim.NewCatalog(sim.NewHTTPFetcher(objectDir)),
		Scripts:    scripts,
		Bus:        eventBus,
	}
	srv, err := session.NewServer(opts)
	if err != nil {
		return err
	}
	if err := startWithRetry(ctx, "game listener", func(ctx context.Context) error {
		return srv.Begin(ctx, netCfg.BindAddress, netCfg.Port)
	}, 5); err != nil {
		return err
	}
	if ip, err := util.GetLocalIP(); err == nil {
		log.Info().Str("lan_address", fmt.Sprintf("%s:%d", ip, netCfg.Port)).Msg("accepting players")
	}

	if cfg.WebSocket.Enabled {
		wl, err := network.ListenWebSocket(ctx, netCfg.BindAddress, cfg.WebSocket.Port, cfg.WebSocket.Path)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket listener failed (non-fatal)")
		} else {
			srv.AddListener(wl)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	launch := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting " + name)
			fn()
		}()
	}

	launch("session loop", func() {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("session: %w", err)
		}
	})

	listing := func(ctx context.Context) (protocol.GameInfo, error) {
		var info protocol.GameInfo
		ctx, cancel := context.WithTimeout(ctx, listingTTL)
		defer cancel()
		err := srv.Do(ctx, func(s *session.Server) { info = s.GameInfo() })
		return info, err
	}

	if cfg.Discovery.Enabled {
		adv := network.NewAdvertiser(cfg.Discovery.Port, func() network.Advertisement {
			info, err := listing(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("no listing for discovery reply")
			}
			return network.Advertisement{
				Name:             info.Name,
				Description:      info.Description,
				Version:          protocol.NetworkVersion,
				Port:             netCfg.Port,
				Players:          info.Players,
				MaxPlayers:       info.MaxPlayers,
				RequiresPassword: info.RequiresPass,
			}
		})
		launch("LAN advertiser", func() {
			if err := startWithRetry(ctx, "LAN advertiser", adv.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("LAN advertiser failed (non-fatal)")
			}
		})
	}

	if cfg.Advertise.Enabled {
		master := connector.NewMasterServerConnector(cfg.Advertise, netCfg.Port, listing)
		launch("master server advertiser", func() {
			if err := master.ManageConnection(ctx); err != nil {
				log.Warn().Err(err).Msg("master server advertising failed (non-fatal)")
			}
		})
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, srv, eventBus, cfg.Logging.Level == "debug")
		launch("REST API", func() {
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		})
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			launch("MQTT telemetry", func() {
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			})
		}
	}

	sched := scheduler.NewScheduler(cfg.Journal)
	launch("task scheduler", func() { sched.Start(ctx) })

	quit := make(chan struct{})
	var quitOnce sync.Once
	if *console {
		adminConsole := cli.NewCLI(srv, os.Stdin, os.Stdout, func() { quitOnce.Do(func() { close(quit) }) })
		// The console returns at EOF; it is not waited for.
		go adminConsole.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quit:
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("parknet stopped")
	return nil
}

func openGroupStore(cfg config.GroupsConfig) (player.Store, error) {
	switch cfg.Store {
	case "yaml":
		store, err := player.OpenYAMLStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open group document: %w", err)
		}
		return store, nil
	default:
		store, err := db.OpenGroupStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open group database: %w", err)
		}
		return store, nil
	}
}
