// Package sim defines the deterministic simulation the session drives and
// ships a reference park simulation used by the server binary and tests.
package sim

import (
	"errors"
)

var (
	ErrUnknownAction  = errors.New("unknown action type")
	ErrInvalidParams  = errors.New("invalid action parameters")
	ErrActionFailed   = errors.New("action failed")
	ErrStateCorrupted = errors.New("simulation state corrupted")
)

// Action is one command fed to the simulation. ID is the server assigned
// global order; Tick is the tick it executes on.
type Action struct {
	ID       uint32
	PlayerID uint32
	Type     uint32
	Tick     uint32
	Params   []byte
}

// ActionInfo describes an action type. Permission names the player
// permission required to submit it.
type ActionInfo struct {
	Name       string
	Permission string
}

// Simulation advances game state one tick at a time. Given the same state
// and the same ordered actions every implementation must produce the same
// seed sequence and checksums on every machine.
type Simulation interface {
	// Tick is the last tick that was stepped.
	Tick() uint32
	// Seed is the random seed the next Step will consume.
	Seed() uint32
	// Describe returns metadata for an action type.
	Describe(actionType uint32) (ActionInfo, bool)
	// Validate checks an action against the current state without applying it.
	Validate(a Action) error
	// Step applies actions in order and advances one tick. The result holds
	// one entry per action, nil when it succeeded.
	Step(actions []Action) []error
	// Checksum hashes the current state.
	Checksum() string
	// Save serializes the state at the current tick.
	Save() ([]byte, error)
	// Load replaces the state with a saved one.
	Load(state []byte) error
}

// TickRecord is what the server reports for one tick.
type TickRecord struct {
	Tick      uint32
	Seed      uint32
	Checksum  string
	ActionIDs []uint32
}

// History keeps the most recent tick records in a ring.
type History struct {
	records []TickRecord
	size    int
	next    int
	count   int
}

// NewHistory creates a ring holding up to size records.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{records: make([]TickRecord, size), size: size}
}

// Add records a tick, evicting the oldest when full.
func (h *History) Add(r TickRecord) {
	h.records[h.next] = r
	h.next = (h.next + 1) % h.size
	if h.count < h.size {
		h.count++
	}
}

// Get returns the record for tick if it is still held.
func (h *History) Get(tick uint32) (TickRecord, bool) {
	for i := 0; i < h.count; i++ {
		r := h.records[(h.next-1-i+h.size)%h.size]
		if r.Tick == tick {
			return r, true
		}
		if r.Tick < tick {
			break
		}
	}
	return TickRecord{}, false
}

// Latest returns the newest record.
func (h *History) Latest() (TickRecord, bool) {
	if h.count == 0 {
		return TickRecord{}, false
	}
	return h.records[(h.next-1+h.size)%h.size], true
}

// Len returns how many records are held.
func (h *History) Len() int {
	return h.count
}

// Prune drops every record at or before tick.
func (h *History) Prune(tick uint32) {
	kept := make([]TickRecord, 0, h.count)
	for i := h.count - 1; i >= 0; i-- {
		r := h.records[(h.next-1-i+h.size)%h.size]
		if r.Tick > tick {
			kept = append(kept, r)
		}
	}
	h.Reset()
	for _, r := range kept {
		h.Add(r)
	}
}

// Reset empties the ring.
func (h *History) Reset() {
	for i := range h.records {
		h.records[i] = TickRecord{}
	}
	h.next = 0
	h.count = 0
}
