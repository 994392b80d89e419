package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/session"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/util"
)

// runClient joins a server headlessly. Lines typed on stdin are sent as
// chat; /players and /quit are local commands.
func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	configDir := fs.String("config", config.DefaultConfigDir, "configuration directory")
	host := fs.String("host", "", "server host (overrides config)")
	port := fs.Int("port", 0, "server port (overrides config)")
	name := fs.String("name", "", "player name (overrides config)")
	password := fs.String("password", "", "server password")
	wsURL := fs.String("ws", "", "connect over WebSocket, e.g. ws://host:11755/play")
	fs.Parse(args)

	cfg, err := loadConfig(*configDir, true)
	if err != nil {
		return err
	}
	clientCfg := cfg.Client
	if *host != "" {
		clientCfg.Host = *host
	}
	if *port != 0 {
		clientCfg.Port = *port
	}
	if *name != "" {
		clientCfg.PlayerName = *name
	}
	if *password != "" {
		clientCfg.Password = *password
	}
	if clientCfg.Host == "" && *wsURL == "" {
		return fmt.Errorf("no server host given")
	}

	key, err := util.LoadOrCreatePlayerKey(clientCfg.KeyFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()
	defer bus.Stop()
	bus.Subscribe(events.EventDesync, "client.desync", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.DesyncPayload); ok {
			fmt.Printf("* desynchronized at tick %d (%s)\n", p.Tick, p.Cause)
		}
		return nil
	})

	opts := session.ClientOptions{
		Session:    cfg.GetSession(),
		Name:       clientCfg.PlayerName,
		Password:   clientCfg.Password,
		Key:        key,
		Simulation: sim.NewPark(0, parkWidth, parkHeight),
		Objects:    sim.NewCatalog(sim.NewHTTPFetcher(objectDir)),
		Bus:        bus,
		OnChat: func(c protocol.Chat) {
			fmt.Printf("<%s> %s\n", c.Name, c.Text)
		},
		OnError: func(e protocol.ShowError) {
			fmt.Printf("! %s: %s\n", e.Title, e.Message)
		},
		OnStateChange: func(from, to session.State) {
			log.Info().Str("from", from.String()).Str("to", to.String()).Msg("client state changed")
		},
	}
	if *wsURL != "" {
		opts.Dial = func(string, int) (network.Socket, error) {
			return network.ConnectWebSocket(ctx, *wsURL)
		}
	}

	c, err := session.NewClient(opts)
	if err != nil {
		return err
	}
	if err := c.Begin(clientCfg.Host, clientCfg.Port); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Session.TickRate())
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			c.Disconnect()
			return nil
		case now := <-ticker.C:
			c.Update(now)
			if c.State() == session.StateClosed && !c.Reconnecting() {
				return fmt.Errorf("disconnected: %s", c.DisconnectReason())
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if quit := clientCommand(c, strings.TrimSpace(line)); quit {
				c.Disconnect()
				return nil
			}
		}
	}
}

func clientCommand(c *session.Client, line string) bool {
	switch line {
	case "":
	case "/quit":
		return true
	case "/players":
		for _, p := range c.Players() {
			fmt.Printf("  %3d  %-20s  group %d  %dms\n", p.ID, p.Name, p.GroupID, p.Ping)
		}
	case "/status":
		fmt.Printf("  state %s, tick %d (server %d), desyncs %d\n", c.State(), c.Tick(), c.ServerTick(), c.Desyncs())
	default:
		if err := c.SendChat(line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
	return false
}
