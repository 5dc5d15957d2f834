package replica

import "fmt"

// State is what the engine is doing right now. Text changes reported while
// the engine is not Idle were caused by the engine itself and are ignored.
type State int

const (
	Idle State = iota
	ApplyingLocal
	ApplyingRemote
	UndoingOrRedoing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ApplyingLocal:
		return "ApplyingLocal"
	case ApplyingRemote:
		return "ApplyingRemote"
	case UndoingOrRedoing:
		return "UndoingOrRedoing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// enter switches to s and returns the function restoring Idle. It reports
// false when the engine is busy.
func (e *Engine) enter(s State) (func(), bool) {
	if e.state != Idle {
		return nil, false
	}
	e.state = s
	return func() { e.state = Idle }, true
}
