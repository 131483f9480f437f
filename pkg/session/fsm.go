package session

import (
	"sync"
	"time"
)

type State int

const (
	StateCreated State = iota
	StateActive
	StateDraining
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a session lifecycle transition event.
type StateChange struct {
	Key       Key
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes session lifecycle changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// stateMachine enforces the session lifecycle: a session activates once,
// drains at most once, and never leaves CLOSED.
type stateMachine struct {
	key          Key
	currentState State
	mu           sync.RWMutex

	stateChangeListeners []StateListener
}

func newStateMachine(key Key) *stateMachine {
	return &stateMachine{
		key:          key,
		currentState: StateCreated,
	}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (sm *stateMachine) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateCreated:  {StateActive, StateClosed},
		StateActive:   {StateDraining, StateClosed},
		StateDraining: {StateClosed},
	}

	allowedStates, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, allowed := range allowedStates {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.transitionValid(sm.currentState, state) {
		return &InvalidTransitionError{
			Key:  sm.key,
			From: sm.currentState,
			To:   state,
		}
	}

	oldState := sm.currentState
	sm.currentState = state

	event := StateChange{
		Key:       sm.key,
		FromState: oldState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}

	// Notify listeners (release lock during notification to avoid deadlocks)
	listeners := make([]StateListener, len(sm.stateChangeListeners))
	copy(listeners, sm.stateChangeListeners)
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}

	sm.mu.Lock()
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateChangeListeners = append(sm.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid lifecycle transition attempt
type InvalidTransitionError struct {
	Key  Key
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition from " + e.From.String() + " to " + e.To.String() + " for " + e.Key.String()
}
