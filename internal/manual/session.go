// Package manual implements the human-assisted browser strategy: it attaches
// to a visible Chrome, asks an operator to get past whatever stopped the
// automated paths, and extracts the page once they are done.
package manual

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kekewolf/web-fetcher/internal/browser"
)

// State is a manual session lifecycle stage.
type State string

// Session states.
const (
	StateStarting   State = "starting"
	StateWaiting    State = "waiting_for_navigation"
	StateExtracting State = "extracting"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

var transitions = map[State][]State{
	StateStarting:   {StateWaiting, StateFailed},
	StateWaiting:    {StateExtracting, StateTimedOut, StateFailed},
	StateExtracting: {StateSucceeded, StateFailed},
}

var (
	// ErrInvalidTransition is returned for a state change the machine does not allow.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNoSession indicates no manual session is running.
	ErrNoSession = errors.New("no active manual session")
	// ErrNotWaiting indicates the session is not waiting for the operator.
	ErrNotWaiting = errors.New("session is not waiting for navigation")
)

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Session is one human-assisted browser interaction.
type Session struct {
	ID        string
	Endpoint  browser.Endpoint
	TargetURL string
	StartTime time.Time
	Timeout   time.Duration

	mu          sync.RWMutex
	state       State
	transitions []Transition
	signal      chan struct{}
}

func newSession(id string, ep browser.Endpoint, target string, timeout time.Duration, now time.Time) *Session {
	return &Session{
		ID:        id,
		Endpoint:  ep,
		TargetURL: target,
		StartTime: now,
		Timeout:   timeout,
		state:     StateStarting,
		signal:    make(chan struct{}, 1),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transitions returns a copy of the recorded state changes.
func (s *Session) Transitions() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transition(nil), s.transitions...)
}

// Complete records the operator's completion signal. It fails unless the
// session is waiting for navigation; repeated signals collapse into one.
func (s *Session) Complete() error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != StateWaiting {
		return fmt.Errorf("%w: state is %s", ErrNotWaiting, state)
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) completed() <-chan struct{} {
	return s.signal
}

func (s *Session) transition(to State, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := false
	for _, next := range transitions[s.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.transitions = append(s.transitions, Transition{From: s.state, To: to, At: at, Reason: reason})
	s.state = to
	return nil
}

// View is the JSON shape of a session.
type View struct {
	ID          string       `json:"id"`
	Endpoint    string       `json:"endpoint"`
	TargetURL   string       `json:"target_url"`
	State       State        `json:"state"`
	StartTime   time.Time    `json:"start_time"`
	Timeout     string       `json:"timeout"`
	Transitions []Transition `json:"transitions"`
}

// View snapshots the session.
func (s *Session) View() View {
	return View{
		ID:          s.ID,
		Endpoint:    s.Endpoint.String(),
		TargetURL:   s.TargetURL,
		State:       s.State(),
		StartTime:   s.StartTime,
		Timeout:     s.Timeout.String(),
		Transitions: s.Transitions(),
	}
}

// Tracker exposes the running session to the API and the terminal prompt.
type Tracker struct {
	mu      sync.RWMutex
	current *Session
	last    *Session
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Current returns the running session, if any.
func (t *Tracker) Current() (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.current != nil
}

// Last returns the most recently finished session, if any.
func (t *Tracker) Last() (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, t.last != nil
}

// Views snapshots the running and the last finished session. Either may be nil.
func (t *Tracker) Views() (current, last *View) {
	t.mu.RLock()
	cur, prev := t.current, t.last
	t.mu.RUnlock()
	if cur != nil {
		v := cur.View()
		current = &v
	}
	if prev != nil {
		v := prev.View()
		last = &v
	}
	return current, last
}

// Complete signals the running session.
func (t *Tracker) Complete() error {
	s, ok := t.Current()
	if !ok {
		return ErrNoSession
	}
	return s.Complete()
}

func (t *Tracker) start(s *Session) {
	t.mu.Lock()
	t.current = s
	t.mu.Unlock()
}

func (t *Tracker) finish(s *Session) {
	t.mu.Lock()
	if t.current == s {
		t.current = nil
	}
	t.last = s
	t.mu.Unlock()
}
