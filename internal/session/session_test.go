package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
	"github.com/parknet-project/parknet/internal/network"
	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/sim"
	"github.com/parknet-project/parknet/internal/util"
)

const stepInterval = 25 * time.Millisecond

type harness struct {
	t        *testing.T
	cfg      config.SessionConfig
	server   *Server
	park     *sim.Park
	listener *network.PipeListener
	now      time.Time
	clients  []*Client
}

func testSessionConfig() config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.ChecksumInterval = 10
	return cfg
}

func newHarness(t *testing.T, mutate func(*ServerOptions)) *harness {
	t.Helper()
	reg := player.NewRegistry(nil, player.Options{})
	if err := reg.Load(); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	park := sim.NewPark(42, 16, 16)
	opts := ServerOptions{
		Network: config.NetworkConfig{
			ServerName: "test park",
			MaxPlayers: 8,
			Greeting:   "welcome",
		},
		Session:    testSessionConfig(),
		Registry:   reg,
		Simulation: park,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	l := network.NewPipeListener("server")
	srv.AddListener(l)
	t.Cleanup(func() { srv.Close() })

	return &harness{t: t, cfg: opts.Session, server: srv, park: park, listener: l, now: time.Now()}
}

func (h *harness) newClient(name string, mutate func(*ClientOptions)) (*Client, *sim.Park) {
	h.t.Helper()
	key, err := util.GeneratePlayerKey()
	if err != nil {
		h.t.Fatal(err)
	}
	park := sim.NewPark(1, 16, 16)
	opts := ClientOptions{
		Session:    h.cfg,
		Name:       name,
		Key:        key,
		Simulation: park,
		Dial: func(string, int) (network.Socket, error) {
			return h.listener.Dial(name)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		h.t.Fatalf("NewClient: %v", err)
	}
	h.clients = append(h.clients, c)
	return c, park
}

// step advances the clock one tick and updates the server, then every
// client.
func (h *harness) step() {
	h.now = h.now.Add(stepInterval)
	h.server.Update(h.now)
	for _, c := range h.clients {
		c.Update(h.now)
	}
}

func (h *harness) stepUntil(max int, cond func() bool) bool {
	for i := 0; i < max; i++ {
		if cond() {
			return true
		}
		h.step()
	}
	return cond()
}

func (h *harness) join(c *Client) {
	h.t.Helper()
	if err := c.Begin("server", 0); err != nil {
		h.t.Fatalf("Begin: %v", err)
	}
	if !h.stepUntil(50, func() bool { return c.State() == StateActive }) {
		h.t.Fatalf("client stuck in %s (reason %q)", c.State(), c.DisconnectReason())
	}
}

func (h *harness) dialRaw() *network.Connection {
	h.t.Helper()
	sock, err := h.listener.Dial("raw")
	if err != nil {
		h.t.Fatal(err)
	}
	return network.NewConnection(99, sock)
}

// readDisconnect returns the reason of the first DISCONNECT_MESSAGE queued
// on a raw connection.
func readDisconnect(conn *network.Connection) string {
	packets, _ := conn.Poll(time.Now())
	for _, p := range packets {
		if p.Command == protocol.CmdDisconnectMessage {
			msg, err := protocol.UnmarshalDisconnectMessage(p.Payload)
			if err == nil {
				return msg.Reason
			}
		}
	}
	return ""
}

type corruptingSim struct {
	*sim.Park
	at   uint32
	done bool
}

// Step applies an extra local cash grant once, on the configured tick.
func (s *corruptingSim) Step(actions []sim.Action) []error {
	if s.done || s.Tick()+1 != s.at {
		return s.Park.Step(actions)
	}
	s.done = true
	extra := sim.Action{Type: sim.ActionAddCash, Tick: s.at, Params: sim.CashParams(5000)}
	res := s.Park.Step(append(append([]sim.Action(nil), actions...), extra))
	return res[:len(actions)]
}

type mapFetcher map[string][]byte

func (f mapFetcher) Fetch(ctx context.Context, obj sim.Object) ([]byte, error) {
	data, ok := f[obj.Source]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func TestHandshakeReachesActive(t *testing.T) {
	h := newHarness(t, nil)
	var chat []protocol.Chat
	c, park := h.newClient("Alice", func(o *ClientOptions) {
		o.OnChat = func(m protocol.Chat) { chat = append(chat, m) }
	})
	h.join(c)

	if c.PlayerID() != 1 {
		t.Fatalf("player id = %d, want 1", c.PlayerID())
	}
	if c.Ticket() == "" {
		t.Fatal("no reconnect ticket issued")
	}
	if info := c.GameInfo(); info.Name != "test park" || info.Version != protocol.NetworkVersion {
		t.Fatalf("game info = %+v", info)
	}
	if c.Groups().DefaultGroup != player.GroupUser || len(c.Groups().Groups) != 3 {
		t.Fatalf("groups = %+v", c.Groups())
	}
	players := c.Players()
	if len(players) != 1 || players[0].Name != "Alice" {
		t.Fatalf("players = %+v", players)
	}

	h.step()
	if park.Tick() != h.park.Tick() {
		t.Fatalf("client tick %d, server tick %d", park.Tick(), h.park.Tick())
	}
	if len(chat) != 1 || chat[0].Text != "welcome" {
		t.Fatalf("greeting = %+v", chat)
	}
}

func TestActionExecutesOnEveryPeer(t *testing.T) {
	h := newHarness(t, nil)
	alice, alicePark := h.newClient("Alice", nil)
	bob, bobPark := h.newClient("Bob", nil)
	h.join(alice)
	h.join(bob)

	var results []ActionResult
	submitted := alicePark.Tick()
	if _, err := alice.SubmitAction(sim.ActionBuildRide, sim.BuildRideParams(1, 2, 3), func(r ActionResult) {
		results = append(results, r)
	}); err != nil {
		t.Fatalf("SubmitAction: %v", err)
	}
	if !h.stepUntil(20, func() bool { return len(results) > 0 }) {
		t.Fatal("action never resolved")
	}
	h.step()

	r := results[0]
	if r.Err != nil {
		t.Fatalf("action failed: %v", r.Err)
	}
	if r.Tick <= submitted || r.ActionID == 0 {
		t.Fatalf("result = %+v, submitted at tick %d", r, submitted)
	}
	for name, p := range map[string]*sim.Park{"server": h.park, "alice": alicePark, "bob": bobPark} {
		if len(p.Rides()) != 1 {
			t.Fatalf("%s has %d rides", name, len(p.Rides()))
		}
	}
	if alicePark.Checksum() != h.park.Checksum() || bobPark.Checksum() != h.park.Checksum() {
		t.Fatal("peers diverged")
	}
	if alice.Desyncs() != 0 || bob.Desyncs() != 0 {
		t.Fatal("unexpected desync")
	}
	if alice.PendingActions() != 0 {
		t.Fatalf("%d actions still pending", alice.PendingActions())
	}
}

func TestUnauthorizedActionRejected(t *testing.T) {
	h := newHarness(t, nil)
	c, park := h.newClient("Alice", nil)
	h.join(c)

	var got *ActionResult
	c.SubmitAction(sim.ActionAddCash, sim.CashParams(1000000), func(r ActionResult) { got = &r })
	if !h.stepUntil(10, func() bool { return got != nil }) {
		t.Fatal("rejection never arrived")
	}
	if !errors.Is(got.Err, ErrActionRejected) {
		t.Fatalf("err = %v, want rejection", got.Err)
	}
	h.step()
	if park.Cash() != sim.StartingCash || h.park.Cash() != sim.StartingCash {
		t.Fatalf("cash changed: client %d server %d", park.Cash(), h.park.Cash())
	}
}

func TestLateJoinerGetsScheduledActions(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Session.ActionDelayTicks = 30 })
	alice, _ := h.newClient("Alice", nil)
	h.join(alice)

	done := false
	alice.SubmitAction(sim.ActionBuildRide, sim.BuildRideParams(2, 4, 4), func(ActionResult) { done = true })
	h.step()
	h.step()

	bob, bobPark := h.newClient("Bob", nil)
	h.join(bob)
	if !h.stepUntil(60, func() bool { return done }) {
		t.Fatal("action never executed")
	}
	h.step()
	if len(bobPark.Rides()) != 1 || bobPark.Checksum() != h.park.Checksum() {
		t.Fatalf("late joiner missed the action: rides=%d", len(bobPark.Rides()))
	}
	if bob.Desyncs() != 0 {
		t.Fatal("late joiner desynced")
	}
}

func TestTooManyPasswordAttempts(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Network.Password = "secret" })
	c, _ := h.newClient("Alice", func(o *ClientOptions) { o.Password = "wrong" })
	if err := c.Begin("server", 0); err != nil {
		t.Fatal(err)
	}
	if !h.stepUntil(10, func() bool { return c.LastAuthResult().Result == protocol.AuthBadPassword }) {
		t.Fatalf("auth result = %s", c.LastAuthResult().Result)
	}
	for _, pw := range []string{"guess", "hunter2"} {
		if err := c.RetryAuth(pw); err != nil {
			t.Fatalf("RetryAuth: %v", err)
		}
		h.step()
		h.step()
		h.step()
	}
	if !h.stepUntil(10, func() bool { return c.State() == StateClosed }) {
		t.Fatalf("state = %s", c.State())
	}
	if c.DisconnectReason() != protocol.ReasonTooManyAttempts {
		t.Fatalf("reason = %q", c.DisconnectReason())
	}
	if c.LastAuthResult().Result != protocol.AuthTooManyAttempts {
		t.Fatalf("final result = %s", c.LastAuthResult().Result)
	}
}

func TestRetryWithCorrectPassword(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Network.Password = "secret" })
	c, _ := h.newClient("Alice", func(o *ClientOptions) { o.Password = "wrong" })
	c.Begin("server", 0)
	if !h.stepUntil(10, func() bool { return c.LastAuthResult().Result == protocol.AuthBadPassword }) {
		t.Fatal("expected a bad password reply")
	}
	if err := c.RetryAuth("secret"); err != nil {
		t.Fatal(err)
	}
	if !h.stepUntil(20, func() bool { return c.State() == StateActive }) {
		t.Fatalf("state = %s", c.State())
	}
}

func TestRetriedLoginStillReconnects(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Network.Password = "secret" })
	c, _ := h.newClient("Alice", func(o *ClientOptions) { o.Password = "wrong" })
	c.Begin("server", 0)
	if !h.stepUntil(10, func() bool { return c.LastAuthResult().Result == protocol.AuthBadPassword }) {
		t.Fatal("expected a bad password reply")
	}
	if err := c.RetryAuth("secret"); err != nil {
		t.Fatal(err)
	}
	if !h.stepUntil(20, func() bool { return c.State() == StateActive }) {
		t.Fatalf("state = %s", c.State())
	}

	for _, conn := range h.server.conns.All() {
		conn.Socket().Close()
	}
	if !h.stepUntil(5, func() bool { return c.State() == StateClosed }) {
		t.Fatal("client did not notice the lost connection")
	}
	if c.DisconnectReason() != protocol.ReasonConnectionLost {
		t.Fatalf("reason = %q, want %q", c.DisconnectReason(), protocol.ReasonConnectionLost)
	}
	if !c.Reconnecting() {
		t.Fatal("no reconnect scheduled")
	}
}

// newTCPClient attaches a loopback TCP listener to the harness server and
// returns a client using the default dialer.
func (h *harness) newTCPClient(name, password string) (*Client, int) {
	h.t.Helper()
	ln, err := network.Listen(context.Background(), "127.0.0.1", 0)
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { ln.Close() })
	h.server.AddListener(ln)

	key, err := util.GeneratePlayerKey()
	if err != nil {
		h.t.Fatal(err)
	}
	c, err := NewClient(ClientOptions{
		Session:    h.cfg,
		Name:       name,
		Password:   password,
		Key:        key,
		Simulation: sim.NewPark(1, 16, 16),
	})
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { c.Disconnect() })
	return c, ln.Addr().(*net.TCPAddr).Port
}

// pumpRealTime drives the server and c on the wall clock until cond holds.
func (h *harness) pumpRealTime(c *Client, cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		now := time.Now()
		h.server.Update(now)
		c.Update(now)
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestTCPTooManyPasswordAttempts(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Network.Password = "secret" })
	c, port := h.newTCPClient("Alice", "wrong")
	if err := c.Begin("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	if !h.pumpRealTime(c, func() bool { return c.LastAuthResult().Result == protocol.AuthBadPassword }) {
		t.Fatalf("auth result = %s, state %s", c.LastAuthResult().Result, c.State())
	}

	attempts := func(n int) func() bool {
		return func() bool {
			for _, conn := range h.server.conns.All() {
				if conn.AuthAttempts >= n {
					return true
				}
			}
			return false
		}
	}
	if err := c.RetryAuth("guess"); err != nil {
		t.Fatal(err)
	}
	if !h.pumpRealTime(c, attempts(2)) {
		t.Fatal("second attempt never reached the server")
	}
	if err := c.RetryAuth("hunter2"); err != nil {
		t.Fatal(err)
	}
	if !h.pumpRealTime(c, func() bool { return c.State() == StateClosed }) {
		t.Fatalf("state = %s", c.State())
	}
	if c.DisconnectReason() != protocol.ReasonTooManyAttempts {
		t.Fatalf("reason = %q, want %q", c.DisconnectReason(), protocol.ReasonTooManyAttempts)
	}
}

func TestTCPKickReasonDelivered(t *testing.T) {
	h := newHarness(t, nil)
	c, port := h.newTCPClient("Bob", "")
	if err := c.Begin("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	if !h.pumpRealTime(c, func() bool { return c.State() == StateActive }) {
		t.Fatalf("state = %s (reason %q)", c.State(), c.DisconnectReason())
	}

	if err := h.server.KickPlayer(c.PlayerID(), "bye"); err != nil {
		t.Fatal(err)
	}
	if !h.pumpRealTime(c, func() bool { return c.State() == StateClosed }) {
		t.Fatal("kick not delivered")
	}
	if c.DisconnectReason() != "kicked: bye" {
		t.Fatalf("reason = %q", c.DisconnectReason())
	}
	if c.Reconnecting() {
		t.Fatal("kicked client scheduled a reconnect")
	}
}

func TestDesyncDisconnects(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	desyncs := make(chan events.DesyncPayload, 1)
	bus.Subscribe(events.EventDesync, "test", func(ctx context.Context, ev events.Event) error {
		desyncs <- ev.Payload.(events.DesyncPayload)
		return nil
	})

	h := newHarness(t, nil)
	bad := &corruptingSim{Park: sim.NewPark(1, 16, 16), at: 100}
	c, _ := h.newClient("Alice", func(o *ClientOptions) {
		o.Simulation = bad
		o.Bus = bus
	})
	h.join(c)

	if !h.stepUntil(150, func() bool { return c.State() == StateClosed }) {
		t.Fatalf("client never noticed the desync, tick %d", bad.Tick())
	}
	if c.DisconnectReason() != protocol.ReasonDesynchronized {
		t.Fatalf("reason = %q", c.DisconnectReason())
	}
	if c.Desyncs() != 1 || bad.Tick() != 100 {
		t.Fatalf("desyncs = %d at tick %d", c.Desyncs(), bad.Tick())
	}
	if !h.stepUntil(10, func() bool { return h.server.Registry().PlayerCount() == 0 }) {
		t.Fatal("server kept the desynchronized player")
	}

	select {
	case ev := <-desyncs:
		if ev.Tick != 100 || ev.Cause != "checksum" {
			t.Fatalf("desync event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no desync event")
	}
}

func TestDesyncResyncRecovers(t *testing.T) {
	h := newHarness(t, nil)
	bad := &corruptingSim{Park: sim.NewPark(1, 16, 16), at: 60}
	c, _ := h.newClient("Alice", func(o *ClientOptions) {
		o.Simulation = bad
		o.Session.StayConnectedAfterDesync = true
		o.Session.ResyncAfterDesync = true
	})
	h.join(c)

	if !h.stepUntil(100, func() bool { return c.Desyncs() == 1 }) {
		t.Fatal("desync not detected")
	}
	if !h.stepUntil(20, func() bool { return c.State() == StateActive }) {
		t.Fatalf("state = %s", c.State())
	}
	for i := 0; i < 40; i++ {
		h.step()
	}
	if c.Desyncs() != 1 {
		t.Fatalf("desyncs = %d after resync", c.Desyncs())
	}
	if bad.Checksum() != h.park.Checksum() {
		t.Fatal("state still diverged after resync")
	}
}

func TestStayConnectedWithoutResync(t *testing.T) {
	h := newHarness(t, nil)
	bad := &corruptingSim{Park: sim.NewPark(1, 16, 16), at: 30}
	c, _ := h.newClient("Alice", func(o *ClientOptions) {
		o.Simulation = bad
		o.Session.StayConnectedAfterDesync = true
	})
	h.join(c)

	if !h.stepUntil(60, func() bool { return c.State() == StateDesynchronized }) {
		t.Fatalf("state = %s", c.State())
	}
	for i := 0; i < 20; i++ {
		h.step()
	}
	if c.State() != StateDesynchronized || c.Desyncs() != 1 {
		t.Fatalf("state = %s desyncs = %d", c.State(), c.Desyncs())
	}
	if bad.Tick() != h.park.Tick() {
		t.Fatal("desynchronized client stopped following ticks")
	}
	if err := c.RequestStateSnapshot(); err != nil {
		t.Fatal(err)
	}
	if !h.stepUntil(10, func() bool { return c.State() == StateActive }) {
		t.Fatal("manual resync failed")
	}
}

func requiredObjectServer(content []byte, version string) func(*ServerOptions) {
	sum := sha256.Sum256(content)
	obj := sim.Object{
		ID:       "rct2.ride.wooden",
		Checksum: hex.EncodeToString(sum[:]),
		Version:  version,
		Source:   "http://objects/wooden",
		Size:     uint32(len(content)),
	}
	return func(o *ServerOptions) {
		cat := sim.NewCatalog(nil)
		cat.Install(obj, true)
		o.Objects = cat
	}
}

func TestMissingObjectIsDownloaded(t *testing.T) {
	content := []byte("wooden coaster")
	h := newHarness(t, requiredObjectServer(content, "1.0"))
	cat := sim.NewCatalog(mapFetcher{"http://objects/wooden": content})
	c, _ := h.newClient("Alice", func(o *ClientOptions) { o.Objects = cat })

	c.Begin("server", 0)
	ok := h.stepUntil(100, func() bool {
		time.Sleep(time.Millisecond)
		return c.State() == StateActive
	})
	if !ok {
		t.Fatalf("state = %s reason %q", c.State(), c.DisconnectReason())
	}
	if _, ok := cat.Lookup("rct2.ride.wooden"); !ok {
		t.Fatal("object not installed")
	}
}

func TestMissingObjectCloses(t *testing.T) {
	h := newHarness(t, requiredObjectServer([]byte("wooden coaster"), "1.0"))
	c, _ := h.newClient("Alice", nil)

	c.Begin("server", 0)
	ok := h.stepUntil(100, func() bool {
		time.Sleep(time.Millisecond)
		return c.State() == StateClosed
	})
	if !ok {
		t.Fatalf("state = %s", c.State())
	}
	if want := protocol.ReasonMissingObject("rct2.ride.wooden"); c.DisconnectReason() != want {
		t.Fatalf("reason = %q, want %q", c.DisconnectReason(), want)
	}
}

func TestObjectVersionMismatch(t *testing.T) {
	content := []byte("wooden coaster")
	h := newHarness(t, requiredObjectServer(content, "2.1"))
	sum := sha256.Sum256(content)
	cat := sim.NewCatalog(nil)
	cat.Install(sim.Object{ID: "rct2.ride.wooden", Checksum: hex.EncodeToString(sum[:]), Version: "1.4"}, false)
	c, _ := h.newClient("Alice", func(o *ClientOptions) { o.Objects = cat })

	c.Begin("server", 0)
	if !h.stepUntil(20, func() bool { return c.State() == StateClosed }) {
		t.Fatalf("state = %s", c.State())
	}
	if c.DisconnectReason() != protocol.ReasonVersionIncompatible {
		t.Fatalf("reason = %q", c.DisconnectReason())
	}
}

func TestBrokenMapTransferCloses(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.newClient("Alice", nil)
	c.Begin("server", 0)
	if !h.stepUntil(10, func() bool { return c.PlayerID() != 0 }) {
		t.Fatalf("not authenticated: state = %s", c.State())
	}
	if c.State() != StateAuthenticating {
		t.Fatalf("state = %s", c.State())
	}

	// A transfer that starts mid-stream can never be assembled.
	for _, conn := range h.server.conns.All() {
		conn.QueuePacket(protocol.Chunk{TotalSize: 16, Offset: 8, Data: make([]byte, 8)}.Marshal(protocol.CmdMap))
	}
	if !h.stepUntil(5, func() bool { return c.State() == StateClosed }) {
		t.Fatalf("state = %s", c.State())
	}
	if c.DisconnectReason() != protocol.ReasonProtocolError {
		t.Fatalf("reason = %q", c.DisconnectReason())
	}
}

func TestUnknownCommandsCloseConnection(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.dialRaw()
	for i := 0; i <= h.cfg.MaxProtocolViolations; i++ {
		raw.QueuePacket(protocol.Packet{Command: protocol.Command(900 + i)})
	}
	if err := raw.Flush(); err != nil {
		t.Fatal(err)
	}
	h.step()
	h.step()
	if got := readDisconnect(raw); got != protocol.ReasonProtocolError {
		t.Fatalf("reason = %q", got)
	}
	if h.server.ConnectionCount() != 0 {
		t.Fatalf("%d connections left", h.server.ConnectionCount())
	}
}

func TestFewViolationsAreTolerated(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.dialRaw()
	raw.QueuePacket(protocol.Packet{Command: protocol.Command(900)})
	raw.QueuePacket(protocol.Packet{Command: protocol.CmdGameAction})
	raw.Flush()
	h.step()
	if h.server.ConnectionCount() != 1 {
		t.Fatal("connection dropped after two violations")
	}
}

func TestAuthTimeout(t *testing.T) {
	h := newHarness(t, nil)
	raw := h.dialRaw()
	h.step()

	h.now = h.now.Add(h.cfg.AuthTimeout() + time.Second)
	h.server.Update(h.now)
	if got := readDisconnect(raw); got != protocol.ReasonAuthTimedOut {
		t.Fatalf("reason = %q", got)
	}
}

func TestPendingActionTimesOutOnce(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.newClient("Alice", nil)
	h.join(c)

	calls := 0
	var last ActionResult
	c.SubmitAction(sim.ActionRaiseLand, sim.TileParams(1, 1), func(r ActionResult) {
		calls++
		last = r
	})

	// The server stalls while the client keeps running.
	for i := 0; i < 12; i++ {
		h.now = h.now.Add(time.Second)
		c.Update(h.now)
	}
	if calls != 1 || !errors.Is(last.Err, ErrActionTimedOut) {
		t.Fatalf("calls = %d err = %v", calls, last.Err)
	}

	for i := 0; i < 10; i++ {
		h.step()
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times", calls)
	}
	if c.PendingActions() != 0 {
		t.Fatal("timed out action still pending")
	}
}

func TestSubmitBeforeActive(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.newClient("Alice", nil)
	if _, err := c.SubmitAction(sim.ActionRaiseLand, sim.TileParams(0, 0), nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v", err)
	}
}

func TestReconnectRestoresIdentity(t *testing.T) {
	h := newHarness(t, nil)
	c, park := h.newClient("Bob", nil)
	h.join(c)
	oldID := c.PlayerID()

	// The ticket carries the name, not the configured one.
	c.opts.Name = "Mallory"
	for _, conn := range h.server.conns.All() {
		conn.Socket().Close()
	}

	if !h.stepUntil(5, func() bool { return c.State() == StateClosed }) {
		t.Fatal("client did not notice the lost connection")
	}
	if c.DisconnectReason() != protocol.ReasonConnectionLost {
		t.Fatalf("reason = %q", c.DisconnectReason())
	}
	if !h.stepUntil(100, func() bool { return c.State() == StateActive }) {
		t.Fatalf("no reconnect: state = %s reason %q", c.State(), c.DisconnectReason())
	}
	if c.PlayerID() == oldID {
		t.Fatal("reconnect reused the player id")
	}
	var name string
	for _, p := range c.Players() {
		if p.ID == c.PlayerID() {
			name = p.Name
		}
	}
	if name != "Bob" {
		t.Fatalf("name = %q, want Bob", name)
	}
	h.step()
	if park.Tick() != h.park.Tick() {
		t.Fatal("reconnected client not following ticks")
	}
}

func TestReconnectKeepsSingleNameSuffix(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.newClient("Bob", nil)
	second, _ := h.newClient("Bob", nil)
	h.join(first)
	h.join(second)

	for _, conn := range h.server.conns.All() {
		if conn.PlayerID == second.PlayerID() {
			conn.Socket().Close()
		}
	}
	if !h.stepUntil(5, func() bool { return second.State() == StateClosed }) {
		t.Fatal("client did not notice the lost connection")
	}
	if !h.stepUntil(100, func() bool { return second.State() == StateActive }) {
		t.Fatalf("no reconnect: state = %s reason %q", second.State(), second.DisconnectReason())
	}
	var names []string
	for _, p := range h.server.Registry().Players() {
		names = append(names, p.Name)
		if p.ID == second.PlayerID() && p.Name != "Bob #2" {
			t.Fatalf("reconnected name = %q, want %q", p.Name, "Bob #2")
		}
	}
	if len(names) != 2 {
		t.Fatalf("players = %v", names)
	}
}

func TestReconnectThrottle(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Session.ReconnectCooldownMS = 60000 })
	key, err := util.GeneratePlayerKey()
	if err != nil {
		t.Fatal(err)
	}
	sameKey := func(o *ClientOptions) { o.Key = key }

	first, _ := h.newClient("Carol", sameKey)
	h.join(first)
	second, _ := h.newClient("Carol", sameKey)
	h.join(second)

	third, _ := h.newClient("Carol", sameKey)
	third.Begin("server", 0)
	if !h.stepUntil(20, func() bool { return third.State() == StateClosed }) {
		t.Fatalf("state = %s", third.State())
	}
	if third.DisconnectReason() != protocol.ReasonReconnectThrottled {
		t.Fatalf("reason = %q", third.DisconnectReason())
	}
}

func TestKickIsFinal(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.newClient("Alice", nil)
	h.join(c)

	if err := h.server.KickPlayer(c.PlayerID(), "bye"); err != nil {
		t.Fatal(err)
	}
	if !h.stepUntil(5, func() bool { return c.State() == StateClosed }) {
		t.Fatal("kick not delivered")
	}
	if c.DisconnectReason() != "kicked: bye" {
		t.Fatalf("reason = %q", c.DisconnectReason())
	}
	for i := 0; i < 100; i++ {
		h.step()
	}
	if c.State() != StateClosed {
		t.Fatal("kicked client reconnected")
	}
}

func TestChatRelay(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Network.Greeting = "" })
	alice, _ := h.newClient("Alice", nil)
	var heard []protocol.Chat
	bob, _ := h.newClient("Bob", func(o *ClientOptions) {
		o.OnChat = func(m protocol.Chat) { heard = append(heard, m) }
	})
	h.join(alice)
	h.join(bob)

	if err := alice.SendChat("hello park"); err != nil {
		t.Fatal(err)
	}
	if !h.stepUntil(5, func() bool { return len(heard) > 0 }) {
		t.Fatal("chat not relayed")
	}
	if heard[0].Name != "Alice" || heard[0].Text != "hello park" || heard[0].PlayerID != alice.PlayerID() {
		t.Fatalf("chat = %+v", heard[0])
	}
}

func TestChatTruncatedOnRuneBoundary(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) { o.Network.Greeting = "" })
	alice, _ := h.newClient("Alice", nil)
	var heard []protocol.Chat
	bob, _ := h.newClient("Bob", func(o *ClientOptions) {
		o.OnChat = func(m protocol.Chat) { heard = append(heard, m) }
	})
	h.join(alice)
	h.join(bob)

	// Three-byte runes: one straddles the byte limit.
	if err := alice.SendChat(strings.Repeat("€", maxChatLength)); err != nil {
		t.Fatal(err)
	}
	if !h.stepUntil(5, func() bool { return len(heard) > 0 }) {
		t.Fatal("chat not relayed")
	}
	text := heard[0].Text
	if len(text) > maxChatLength || !utf8.ValidString(text) {
		t.Fatalf("relayed %d bytes, valid=%v", len(text), utf8.ValidString(text))
	}
	if want := maxChatLength / 3 * 3; len(text) != want {
		t.Fatalf("relayed %d bytes, want %d", len(text), want)
	}
}

func TestPingMeasured(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) {
		o.Session.PingIntervalMS = 100
		o.Session.PingListIntervalMS = 200
	})
	c, _ := h.newClient("Alice", nil)
	h.join(c)

	ok := h.stepUntil(40, func() bool {
		players := c.Players()
		return len(players) == 1 && players[0].Ping > 0
	})
	if !ok {
		t.Fatalf("players = %+v", c.Players())
	}
}

func TestDisconnectRemovesPlayer(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.newClient("Alice", nil)
	bob, _ := h.newClient("Bob", nil)
	h.join(alice)
	h.join(bob)

	alice.Disconnect()
	if alice.DisconnectReason() != protocol.ReasonClientQuit {
		t.Fatalf("reason = %q", alice.DisconnectReason())
	}
	if !h.stepUntil(5, func() bool { return len(bob.Players()) == 1 }) {
		t.Fatalf("bob still sees %+v", bob.Players())
	}
	if h.server.Registry().PlayerCount() != 1 {
		t.Fatalf("server has %d players", h.server.Registry().PlayerCount())
	}
}

func TestServerDo(t *testing.T) {
	h := newHarness(t, nil)
	done := make(chan error, 1)
	go func() {
		done <- h.server.Do(context.Background(), func(s *Server) {
			s.SubmitServerAction(sim.ActionSetParkName, []byte("Do Park"))
		})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.step()
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 5; i++ {
				h.step()
			}
			if h.park.Name() != "Do Park" {
				t.Fatalf("park name = %q", h.park.Name())
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Do never ran")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestActionSourceReplicates(t *testing.T) {
	grant := sim.Recurring{Every: 5, Action: sim.Action{Type: sim.ActionAddCash, Params: sim.CashParams(100)}}
	h := newHarness(t, func(o *ServerOptions) { o.ActionSources = []sim.ActionSource{grant} })
	c, park := h.newClient("Alice", nil)
	h.join(c)

	for i := 0; i < 40; i++ {
		h.step()
	}
	if h.park.Cash() <= sim.StartingCash {
		t.Fatalf("server cash = %d, recurring grant never ran", h.park.Cash())
	}
	if !h.stepUntil(10, func() bool { return park.Tick() == h.park.Tick() }) {
		t.Fatalf("client tick %d, server tick %d", park.Tick(), h.park.Tick())
	}
	if park.Cash() != h.park.Cash() || c.Desyncs() != 0 || c.State() != StateActive {
		t.Fatalf("client cash %d (server %d), desyncs %d, state %s", park.Cash(), h.park.Cash(), c.Desyncs(), c.State())
	}
}
