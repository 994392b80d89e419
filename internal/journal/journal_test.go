package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/events"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	lines, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	out := make([]Entry, 0, len(lines))
	for _, l := range lines {
		var e Entry
		if err := json.Unmarshal(l, &e); err != nil {
			t.Fatalf("bad line %s: %v", l, err)
		}
		out = append(out, e)
	}
	return out
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "chat")
	clock := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	if err := w.Write(Entry{Kind: "chat", Text: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(Entry{Kind: "chat", Text: "two"}); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(Entry{Kind: "chat", Text: "three"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if !strings.HasSuffix(files[0], "chat-2024-05-01-10.jsonl.zst") {
		t.Fatalf("first file = %s", files[0])
	}
	if got := readEntries(t, files[0]); len(got) != 2 || got[1].Text != "two" {
		t.Fatalf("first hour = %+v", got)
	}
	if got := readEntries(t, files[1]); len(got) != 1 || got[0].Text != "three" {
		t.Fatalf("second hour = %+v", got)
	}
}

func TestWriterAppendsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for _, text := range []string{"before", "after"} {
		w := NewWriter(dir, "server")
		w.now = func() time.Time { return clock }
		if err := w.Write(Entry{Kind: "note", Text: text}); err != nil {
			t.Fatal(err)
		}
		w.Close()
	}
	files, _ := Files(dir)
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	if got := readEntries(t, files[0]); len(got) != 2 || got[0].Text != "before" || got[1].Text != "after" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestJournalRecordsBusEvents(t *testing.T) {
	dir := t.TempDir()
	j := New(config.JournalConfig{Enabled: true, Directory: dir, LogChat: true, LogServerActions: true})
	bus := events.NewEventBus()
	defer bus.Stop()
	j.Attach(bus)

	ctx := context.Background()
	emit := func(typ events.EventType, payload interface{}) {
		if err := bus.EmitSync(ctx, events.New(typ, "test", payload)); err != nil {
			t.Fatalf("emit %s: %v", typ, err)
		}
	}
	emit(events.EventChat, events.ChatPayload{PlayerID: 3, Name: "Alice", Text: "hello"})
	emit(events.EventPlayerJoined, events.PlayerPayload{PlayerID: 3, Name: "Alice"})
	emit(events.EventActionExecuted, events.ActionPayload{PlayerID: 3, Type: "build_ride", Tick: 9})
	emit(events.EventActionExecuted, events.ActionPayload{PlayerID: 0, Type: "set_park_name", Tick: 10})
	emit(events.EventPlayerLeft, events.PlayerPayload{PlayerID: 3, Name: "Alice", Reason: "client quit"})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	chatFiles, _ := Files(filepath.Join(dir, "chat"))
	if len(chatFiles) != 1 {
		t.Fatalf("chat files = %v", chatFiles)
	}
	if got := readEntries(t, chatFiles[0]); len(got) != 1 || got[0].Player != "Alice" || got[0].Text != "hello" {
		t.Fatalf("chat = %+v", got)
	}

	serverFiles, _ := Files(filepath.Join(dir, "server"))
	got := readEntries(t, serverFiles[0])
	if len(got) != 3 {
		t.Fatalf("server log = %+v", got)
	}
	if got[1].Action != "set_park_name" || got[1].Tick != 10 {
		t.Fatalf("server action = %+v", got[1])
	}
	if got[2].Kind != string(events.EventPlayerLeft) || got[2].Text != "client quit" {
		t.Fatalf("leave = %+v", got[2])
	}
}

func TestCleanupRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "chat", "chat-2020-01-01-00.jsonl.zst")
	fresh := filepath.Join(dir, "chat", "chat-2020-01-02-00.jsonl.zst")
	os.MkdirAll(filepath.Dir(old), 0o755)
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.Chtimes(old, now.Add(-48*time.Hour), now.Add(-48*time.Hour))

	count, freed, err := Cleanup(dir, 24*time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || freed != 1 {
		t.Fatalf("count=%d freed=%d", count, freed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("old file kept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh file removed")
	}
}
