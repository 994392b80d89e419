// Package cli implements the interactive admin console of a parknet
// server.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/session"
	"github.com/parknet-project/parknet/internal/sim"
)

const commandTimeout = 5 * time.Second

// CLI provides an interactive command-line interface.
type CLI struct {
	session *session.Server
	in      io.Reader
	out     io.Writer
	quit    func()
}

// NewCLI creates a console reading commands from in and writing to out.
// quit is called by the quit command.
func NewCLI(sess *session.Server, in io.Reader, out io.Writer, quit func()) *CLI {
	return &CLI{
		session: sess,
		in:      in,
		out:     out,
		quit:    quit,
	}
}

// Start reads commands until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nparknet console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "parknet> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Execute(ctx, line); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command line.
func (c *CLI) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(ctx)
	case "players", "p":
		c.printPlayers()
	case "groups", "g":
		c.printGroups()
	case "ticks":
		return c.printTicks(ctx, args)
	case "kick":
		return c.cmdKick(ctx, args, false)
	case "ban":
		return c.cmdKick(ctx, args, true)
	case "setgroup":
		return c.cmdSetGroup(ctx, args)
	case "say":
		return c.cmdSay(ctx, args)
	case "cash":
		return c.cmdCash(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down parknet...")
		log.Info().Msg("shutdown requested from console")
		if c.quit != nil {
			c.quit()
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status               Show session status
  players              List connected players
  groups               List permission groups
  ticks [n]            Show the last n tick records
  kick <id> [msg]      Disconnect a player
  ban <id> [msg]       Ban a player's key and disconnect them
  setgroup <id> <gid>  Move a player to a group
  say <text>           Send a chat message as the server
  cash <amount>        Grant park cash with server authority
  quit                 Shut down the server
  help                 Show this help message`)
}

func (c *CLI) do(ctx context.Context, fn func(*session.Server)) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return c.session.Do(ctx, fn)
}

func (c *CLI) printStatus(ctx context.Context) error {
	var (
		tick    uint32
		conns   int
		uptime  time.Duration
		players int
	)
	err := c.do(ctx, func(s *session.Server) {
		tick = s.Tick()
		conns = s.ConnectionCount()
		uptime = s.Uptime()
		players = s.Registry().PlayerCount()
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\n  Tick:         %d\n", tick)
	fmt.Fprintf(c.out, "  Players:      %d\n", players)
	fmt.Fprintf(c.out, "  Connections:  %d\n", conns)
	fmt.Fprintf(c.out, "  Uptime:       %s\n\n", uptime.Truncate(time.Second))
	return nil
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printPlayers() {
	reg := c.session.Registry()
	tw := c.newTable("ID", "Name", "Group", "Ping", "Commands", "Chat")
	for _, p := range reg.Players() {
		group := strconv.Itoa(int(p.GroupID))
		if g, ok := reg.Group(p.GroupID); ok {
			group = g.Name
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(p.ID), 10),
			p.Name,
			group,
			fmt.Sprintf("%dms", p.Ping.Milliseconds()),
			strconv.Itoa(p.CommandsRan),
			strconv.Itoa(p.ChatMessages),
		})
	}
	tw.Render()
}

func (c *CLI) printGroups() {
	reg := c.session.Registry()
	def := reg.DefaultGroup()
	tw := c.newTable("ID", "Name", "Default", "Permissions")
	for _, g := range reg.Groups() {
		mark := ""
		if g.ID == def {
			mark = "*"
		}
		tw.Append([]string{
			strconv.Itoa(int(g.ID)),
			g.Name,
			mark,
			strings.Join(g.Permissions.Names(), ", "),
		})
	}
	tw.Render()
}

func (c *CLI) printTicks(ctx context.Context, args []string) error {
	n := 10
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		n = v
	}
	var records []sim.TickRecord
	if err := c.do(ctx, func(s *session.Server) { records = s.History(n) }); err != nil {
		return err
	}

	tw := c.newTable("Tick", "Seed", "Checksum", "Actions")
	for _, r := range records {
		ids := make([]string, len(r.ActionIDs))
		for i, id := range r.ActionIDs {
			ids[i] = strconv.FormatUint(uint64(id), 10)
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(r.Tick), 10),
			fmt.Sprintf("%08x", r.Seed),
			r.Checksum,
			strings.Join(ids, " "),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdKick(ctx context.Context, args []string, ban bool) error {
	id, err := parsePlayerArg(args)
	if err != nil {
		return err
	}
	message := strings.Join(args[1:], " ")

	var opErr error
	err = c.do(ctx, func(s *session.Server) {
		if ban {
			opErr = s.BanPlayer(id, message)
		} else {
			opErr = s.KickPlayer(id, message)
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	verb := "Kicked"
	if ban {
		verb = "Banned"
	}
	fmt.Fprintf(c.out, "%s player %d\n", verb, id)
	return nil
}

func (c *CLI) cmdSetGroup(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setgroup <player id> <group id>")
	}
	id, err := parsePlayerArg(args)
	if err != nil {
		return err
	}
	gid, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid group id: %s", args[1])
	}

	var opErr error
	if err := c.do(ctx, func(s *session.Server) { opErr = s.SetPlayerGroup(id, uint8(gid)) }); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	fmt.Fprintf(c.out, "Player %d moved to group %d\n", id, gid)
	return nil
}

func (c *CLI) cmdSay(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: say <text>")
	}
	text := strings.Join(args, " ")
	return c.do(ctx, func(s *session.Server) { s.SendChat(text) })
}

func (c *CLI) cmdCash(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cash <amount>")
	}
	amount, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid amount: %s", args[0])
	}

	var actionID uint32
	var opErr error
	err = c.do(ctx, func(s *session.Server) {
		actionID, opErr = s.SubmitServerAction(sim.ActionAddCash, sim.CashParams(int32(amount)))
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	fmt.Fprintf(c.out, "Scheduled action %d\n", actionID)
	return nil
}

func parsePlayerArg(args []string) (uint32, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("player id required")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil || uint32(id) == player.ServerPlayerID {
		return 0, fmt.Errorf("invalid player id: %s", args[0])
	}
	return uint32(id), nil
}
