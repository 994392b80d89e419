package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Script is a plugin the server pushes to clients on join.
type Script struct {
	Name string
	Code []byte
}

// ScriptHost supplies the plugins a server shares with its clients.
type ScriptHost interface {
	Scripts() []Script
}

// ActionSource lets server-side plugins inject actions. They are executed
// with server authority.
type ActionSource interface {
	// Actions returns the actions to schedule after tick has been stepped.
	Actions(tick uint32) []Action
}

// ScriptDir loads *.js plugins from a directory.
type ScriptDir struct {
	mu      sync.RWMutex
	dir     string
	scripts []Script
}

// LoadScriptDir reads every plugin in dir. A missing directory yields an
// empty host.
func LoadScriptDir(dir string) (*ScriptDir, error) {
	h := &ScriptDir{dir: dir}
	return h, h.Reload()
}

// Reload rereads the directory.
func (h *ScriptDir) Reload() error {
	entries, err := os.ReadDir(h.dir)
	if os.IsNotExist(err) {
		h.mu.Lock()
		h.scripts = nil
		h.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read script directory %s: %w", h.dir, err)
	}

	var scripts []Script
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".js") {
			continue
		}
		code, err := os.ReadFile(filepath.Join(h.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read script %s: %w", e.Name(), err)
		}
		scripts = append(scripts, Script{Name: e.Name(), Code: code})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })

	h.mu.Lock()
	h.scripts = scripts
	h.mu.Unlock()
	return nil
}

func (h *ScriptDir) Scripts() []Script {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Script, len(h.scripts))
	copy(out, h.scripts)
	return out
}

// Recurring schedules the same action every Every ticks.
type Recurring struct {
	Every  uint32
	Action Action
}

func (r Recurring) Actions(tick uint32) []Action {
	if r.Every == 0 || tick == 0 || tick%r.Every != 0 {
		return nil
	}
	return []Action{r.Action}
}
