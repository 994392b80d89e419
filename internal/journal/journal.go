package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/util"
)

// Entry is one journal line.
type Entry struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	PlayerID uint32    `json:"player_id"`
	Player   string    `json:"player,omitempty"`
	Text     string    `json:"text,omitempty"`
	Action   string    `json:"action,omitempty"`
	Tick     uint32    `json:"tick,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Journal records session events from the bus: chat lines into the chat
// log, and joins, leaves, group changes, rejections and actions issued by
// the server itself into the server log.
type Journal struct {
	cfg    config.JournalConfig
	chat   *Writer
	server *Writer
	logger zerolog.Logger
}

// New creates a journal writing under cfg.Directory.
func New(cfg config.JournalConfig) *Journal {
	return &Journal{
		cfg:    cfg,
		chat:   NewWriter(filepath.Join(cfg.Directory, "chat"), "chat"),
		server: NewWriter(filepath.Join(cfg.Directory, "server"), "server"),
		logger: util.ComponentLogger("journal"),
	}
}

// Attach subscribes the journal to the bus.
func (j *Journal) Attach(bus *events.EventBus) {
	if j.cfg.LogChat {
		bus.Subscribe(events.EventChat, "journal", j.handleChat)
	}
	if j.cfg.LogServerActions {
		for _, t := range []events.EventType{
			events.EventPlayerJoined,
			events.EventPlayerLeft,
			events.EventPlayerGroupChanged,
			events.EventActionExecuted,
			events.EventActionRejected,
		} {
			bus.Subscribe(t, "journal", j.handleServer)
		}
	}
	j.logger.Info().
		Str("directory", j.cfg.Directory).
		Bool("chat", j.cfg.LogChat).
		Bool("server", j.cfg.LogServerActions).
		Msg("journal attached")
}

func (j *Journal) handleChat(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.ChatPayload)
	if !ok {
		return fmt.Errorf("unexpected chat payload %T", ev.Payload)
	}
	return j.chat.Write(Entry{
		Time:     ev.Time,
		Kind:     string(ev.Type),
		PlayerID: p.PlayerID,
		Player:   p.Name,
		Text:     p.Text,
	})
}

func (j *Journal) handleServer(ctx context.Context, ev events.Event) error {
	e := Entry{Time: ev.Time, Kind: string(ev.Type)}
	switch p := ev.Payload.(type) {
	case events.PlayerPayload:
		e.PlayerID = p.PlayerID
		e.Player = p.Name
		e.Text = p.Reason
	case events.ActionPayload:
		// Player actions are not journaled, only server-issued ones.
		if ev.Type == events.EventActionExecuted && p.PlayerID != 0 {
			return nil
		}
		e.PlayerID = p.PlayerID
		e.Player = p.Player
		e.Action = p.Type
		e.Tick = p.Tick
		e.Error = p.Error
	default:
		return fmt.Errorf("unexpected server payload %T", ev.Payload)
	}
	return j.server.Write(e)
}

// Close flushes and closes both logs.
func (j *Journal) Close() error {
	err := j.chat.Close()
	if serr := j.server.Close(); err == nil {
		err = serr
	}
	return err
}

// Cleanup removes journal files last modified more than maxAge ago and
// returns how many files and bytes were freed.
func Cleanup(dir string, maxAge time.Duration, now time.Time) (int, int64, error) {
	var (
		count int
		freed int64
	)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != ".zst" {
			return nil
		}
		if now.Sub(info.ModTime()) <= maxAge {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove journal file")
			return nil
		}
		count++
		freed += info.Size()
		return nil
	})
	return count, freed, err
}
