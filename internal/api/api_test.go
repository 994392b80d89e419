package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/player"
	"github.com/parknet-project/parknet/internal/session"
	"github.com/parknet-project/parknet/internal/sim"
)

const testToken = "secret"

type fixture struct {
	api  *Server
	park *sim.Park
	reg  *player.Registry
}

func newFixture(t *testing.T, cfg config.APIConfig) *fixture {
	t.Helper()
	reg := player.NewRegistry(nil, player.Options{})
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}
	park := sim.NewPark(7, 16, 16)
	sess, err := session.NewServer(session.ServerOptions{
		Network:    config.NetworkConfig{ServerName: "api park", MaxPlayers: 4},
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

	return &fixture{api: NewServer(cfg, sess, nil, false), park: park, reg: reg}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}, token string) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)

	out := map[string]interface{}{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: testToken})

	code, body := f.request(t, http.MethodGet, "/api/public/ping", nil, "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("ping = %d %v", code, body)
	}
	code, body = f.request(t, http.MethodGet, "/api/public/info", nil, "")
	if code != http.StatusOK || body["name"] != "api park" {
		t.Fatalf("info = %d %v", code, body)
	}
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: testToken})

	if code, _ := f.request(t, http.MethodGet, "/api/monitor/status", nil, ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := f.request(t, http.MethodGet, "/api/monitor/status", nil, "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	code, body := f.request(t, http.MethodGet, "/api/monitor/status", nil, testToken)
	if code != http.StatusOK {
		t.Fatalf("status = %d %v", code, body)
	}
	if _, ok := body["tick"]; !ok {
		t.Fatalf("status has no tick: %v", body)
	}
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	if code, _ := f.request(t, http.MethodGet, "/api/monitor/players", nil, ""); code != http.StatusOK {
		t.Fatalf("players = %d", code)
	}
}

func TestGroupManagement(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: testToken})

	code, body := f.request(t, http.MethodPost, "/api/configure/groups",
		groupRequest{Name: "Builders", Permissions: []string{"chat", "build_ride"}}, testToken)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	id := uint8(body["id"].(float64))

	code, _ = f.request(t, http.MethodPost, "/api/configure/groups", groupRequest{Name: "builders"}, testToken)
	if code != http.StatusConflict {
		t.Fatalf("duplicate create = %d", code)
	}

	code, _ = f.request(t, http.MethodPost, "/api/configure/groups",
		groupRequest{Name: "Bad", Permissions: []string{"fly"}}, testToken)
	if code != http.StatusBadRequest {
		t.Fatalf("unknown permission = %d", code)
	}

	path := "/api/configure/groups/" + itoa(id)
	code, body = f.request(t, http.MethodPut, path, groupRequest{Name: "Architects"}, testToken)
	if code != http.StatusOK || body["name"] != "Architects" {
		t.Fatalf("rename = %d %v", code, body)
	}
	if g, _ := f.reg.Group(id); !g.Can(player.PermBuildRide) {
		t.Fatal("rename dropped permissions")
	}

	def := f.reg.DefaultGroup()
	if code, _ := f.request(t, http.MethodDelete, "/api/configure/groups/"+itoa(def), nil, testToken); code != http.StatusConflict {
		t.Fatalf("delete default = %d", code)
	}
	if code, _ := f.request(t, http.MethodDelete, path, nil, testToken); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := f.request(t, http.MethodDelete, path, nil, testToken); code != http.StatusNotFound {
		t.Fatalf("delete twice = %d", code)
	}

	code, body = f.request(t, http.MethodGet, "/api/monitor/groups", nil, testToken)
	if code != http.StatusOK || len(body["groups"].([]interface{})) != 3 {
		t.Fatalf("groups = %d %v", code, body)
	}
}

func TestPlayerControlErrors(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: testToken})

	if code, _ := f.request(t, http.MethodPost, "/api/control/players/42/kick", messageRequest{Message: "bye"}, testToken); code != http.StatusNotFound {
		t.Fatalf("kick unknown = %d", code)
	}
	if code, _ := f.request(t, http.MethodPost, "/api/control/players/0/ban", nil, testToken); code != http.StatusBadRequest {
		t.Fatalf("ban server = %d", code)
	}
	if code, _ := f.request(t, http.MethodPut, "/api/control/players/3/group", map[string]int{}, testToken); code != http.StatusBadRequest {
		t.Fatalf("missing group id = %d", code)
	}
}

func TestSubmitActionExecutes(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: testToken})

	req := actionRequest{Type: "add_cash", Params: base64.StdEncoding.EncodeToString(sim.CashParams(500))}
	code, body := f.request(t, http.MethodPost, "/api/control/actions", req, testToken)
	if code != http.StatusOK {
		t.Fatalf("submit = %d %v", code, body)
	}
	if code, _ := f.request(t, http.MethodPost, "/api/control/actions", actionRequest{Type: "teleport"}, testToken); code != http.StatusBadRequest {
		t.Fatalf("unknown type = %d", code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var cash int64
		f.api.session.Do(context.Background(), func(*session.Server) { cash = f.park.Cash() })
		if cash == sim.StartingCash+500 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cash = %d, action never executed", cash)
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, body = f.request(t, http.MethodGet, "/api/monitor/ticks?n=5", nil, testToken)
	if code != http.StatusOK || len(body["ticks"].([]interface{})) == 0 {
		t.Fatalf("ticks = %d %v", code, body)
	}
	if code, _ := f.request(t, http.MethodGet, "/api/monitor/ticks?n=zero", nil, testToken); code != http.StatusBadRequest {
		t.Fatalf("bad n = %d", code)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, config.APIConfig{RateLimitRPS: 1})

	var last int
	for i := 0; i < 3; i++ {
		last, _ = f.request(t, http.MethodGet, "/api/public/ping", nil, "")
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", last)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"Bearer abc": "abc",
		"bearer abc": "abc",
		"Basic abc":  "",
		"Bearerabc":  "",
	}
	for in, want := range cases {
		if got := extractBearerToken(in); got != want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func itoa(v uint8) string {
	return strconv.Itoa(int(v))
}
