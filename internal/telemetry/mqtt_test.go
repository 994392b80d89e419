package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
)

func TestDisabledHandler(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus()); err == nil {
		t.Fatal("expected error for disabled MQTT")
	}
}

func TestTopicFor(t *testing.T) {
	h, err := NewMQTTHandler(config.MQTTConfig{Enabled: true, BrokerURL: "localhost", Port: 1883, Topic: "parknet"}, events.NewEventBus())
	if err != nil {
		t.Fatal(err)
	}
	tests := map[events.EventType]string{
		events.EventServerStarted:  "parknet/status/server_started",
		events.EventPlayerJoined:   "parknet/players/player_joined",
		events.EventChat:           "parknet/chat/chat",
		events.EventActionRejected: "parknet/actions/action_rejected",
		events.EventDesync:         "parknet/health/desync",
	}
	for ev, want := range tests {
		if got := h.topicFor(ev); got != want {
			t.Errorf("topicFor(%s) = %q, want %q", ev, got, want)
		}
	}
}

func TestBuildMessageCarriesMetadata(t *testing.T) {
	h := &MQTTHandler{metadata: map[string]interface{}{"hostname": "box"}}
	msg := h.buildMessage(events.ChatPayload{PlayerID: 3, Name: "ann", Text: "hi"})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Hostname  string             `json:"hostname"`
		Timestamp string             `json:"timestamp"`
		Payload   events.ChatPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Hostname != "box" || decoded.Timestamp == "" || decoded.Payload.Text != "hi" {
		t.Fatalf("unexpected message %s", data)
	}
}

func TestBuildTLSConfigRejectsMissingCA(t *testing.T) {
	if _, err := buildTLSConfig(config.MQTTConfig{CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}
