package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/session"
	"github.com/parknet-project/parknet/internal/sim"
)

func newConsole(t *testing.T) (*CLI, *bytes.Buffer, *sim.Park) {
	t.Helper()
	reg := player.NewRegistry(nil, player.Options{})
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	park := sim.NewPark(3, 16, 16)
	sess, err := session.NewServer(session.ServerOptions{
		Network:    config.NetworkConfig{ServerName: "console park"},
		Session:    config.DefaultSessionConfig(),
		Registry:   reg,
		Simulation: park,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)
	t.Cleanup(cancel)

	var out bytes.Buffer
	return NewCLI(sess, strings.NewReader(""), &out, nil), &out, park
}

func TestGroupsTable(t *testing.T) {
	c, out, _ := newConsole(t)
	if err := c.Execute(context.Background(), "groups"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Admin", "Spectator", "User"} {
		if !strings.Contains(out.String(), name) {
			t.Fatalf("groups output missing %s:\n%s", name, out.String())
		}
	}
}

func TestCommandErrors(t *testing.T) {
	c, _, _ := newConsole(t)
	ctx := context.Background()
	for _, line := range []string{
		"kick",
		"kick abc",
		"kick 0",
		"kick 99",
		"setgroup 1",
		"say",
		"cash lots",
		"ticks -1",
	} {
		if err := c.Execute(ctx, line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
}

func TestCashSchedulesAction(t *testing.T) {
	c, out, park := newConsole(t)
	ctx := context.Background()
	if err := c.Execute(ctx, "cash 250"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Scheduled action 1") {
		t.Fatalf("unexpected output %q", out.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var cash int64
		c.session.Do(ctx, func(*session.Server) { cash = park.Cash() })
		if cash == sim.StartingCash+250 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cash = %d", cash)
		}
		time.Sleep(10 * time.Millisecond)
	}

	out.Reset()
	if err := c.Execute(ctx, "ticks 3"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "CHECKSUM") {
		t.Fatalf("ticks table missing header:\n%s", out.String())
	}
}

func TestQuitCallsShutdown(t *testing.T) {
	c, _, _ := newConsole(t)
	called := false
	c.quit = func() { called = true }
	c.Execute(context.Background(), "quit")
	if !called {
		t.Fatal("quit did not trigger shutdown")
	}
}

func TestStartStopsAtEndOfInput(t *testing.T) {
	c, out, _ := newConsole(t)
	c.in = strings.NewReader("status\nunknown\n")

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return at EOF")
	}
	if !strings.Contains(out.String(), "Tick:") || !strings.Contains(out.String(), "Unknown command") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}
