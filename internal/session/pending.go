package session

import (
	"errors"
	"time"
)

var (
	// ErrActionRejected is returned to the submitter when the server refuses
	// an action.
	ErrActionRejected = errors.New("action rejected")
	// ErrActionTimedOut is returned when no answer arrived in time.
	ErrActionTimedOut = errors.New("action timed out")
	// ErrConnectionClosed resolves actions still pending when the
	// connection closes.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotActive is returned when submitting outside a synced session.
	ErrNotActive = errors.New("session not active")
)

// Error codes carried in rejected GAME_ACTION replies.
const (
	ActionErrorNone uint16 = iota
	ActionErrorUnknownType
	ActionErrorPermissionDenied
	ActionErrorInvalid
	ActionErrorNotReady
)

// ActionResult is delivered once per submitted action. Err is nil when the
// action executed successfully, the simulation's error when it executed but
// failed, or one of ErrActionRejected, ErrActionTimedOut and
// ErrConnectionClosed.
type ActionResult struct {
	RequestID uint32
	ActionID  uint32
	Tick      uint32
	Err       error
}

// ActionCallback receives an action's result on the client's update
// goroutine.
type ActionCallback func(ActionResult)

// PendingAction is an action submitted by this client that has not been
// resolved yet.
type PendingAction struct {
	RequestID     uint32
	PlayerID      uint32
	Type          uint32
	SubmittedTick uint32
	SubmittedAt   time.Time

	callback ActionCallback
	resolved bool
}

func (p *PendingAction) resolve(r ActionResult) bool {
	if p.resolved {
		return false
	}
	p.resolved = true
	r.RequestID = p.RequestID
	if p.callback != nil {
		p.callback(r)
	}
	return true
}

// pendingActions tracks outstanding requests by request id.
type pendingActions struct {
	byID map[uint32]*PendingAction
}

func newPendingActions() *pendingActions {
	return &pendingActions{byID: make(map[uint32]*PendingAction)}
}

func (s *pendingActions) add(p *PendingAction) {
	s.byID[p.RequestID] = p
}

func (s *pendingActions) len() int {
	return len(s.byID)
}

// resolve completes a request. Unknown or already resolved ids are ignored.
func (s *pendingActions) resolve(requestID uint32, r ActionResult) bool {
	p, ok := s.byID[requestID]
	if !ok {
		return false
	}
	delete(s.byID, requestID)
	return p.resolve(r)
}

// expire times out every request submitted before cutoff.
func (s *pendingActions) expire(cutoff time.Time) int {
	n := 0
	for id, p := range s.byID {
		if p.SubmittedAt.Before(cutoff) {
			delete(s.byID, id)
			if p.resolve(ActionResult{Err: ErrActionTimedOut}) {
				n++
			}
		}
	}
	return n
}

// failAll resolves everything with err.
func (s *pendingActions) failAll(err error) {
	for id, p := range s.byID {
		delete(s.byID, id)
		p.resolve(ActionResult{Err: err})
	}
}
