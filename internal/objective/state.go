// Package objective holds the canonical objective state for a tracking
// session: the three-state progress model and the store that fans accepted
// transitions out to subscribers.
package objective

import (
	"errors"
	"fmt"
	"strings"
)

// State describes how far the player has progressed on a single objective.
// The order Locked < Unlocked < Complete is meaningful for derived checks,
// but the store does not enforce monotonicity; a watcher may report any
// state on any update.
type State int

const (
	Locked State = iota
	Unlocked
	Complete
)

func (s State) String() string {
	switch s {
	case Locked:
		return "LOCKED"
	case Unlocked:
		return "UNLOCKED"
	case Complete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Valid reports whether s is one of the three defined states.
func (s State) Valid() bool {
	return s >= Locked && s <= Complete
}

// ErrInvalidState indicates a state value outside the defined enumeration.
var ErrInvalidState = errors.New("invalid objective state")

// ParseState converts a state name (case-insensitive) to a State.
func ParseState(name string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "LOCKED":
		return Locked, nil
	case "UNLOCKED":
		return Unlocked, nil
	case "COMPLETE":
		return Complete, nil
	}
	return Locked, fmt.Errorf("parse state %q: %w", name, ErrInvalidState)
}
