package controller

import "fmt"

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateStopping   State = "stopping"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

const (
	EventStart   Event = "start"
	EventStop    Event = "stop"
	EventPromote Event = "promote"
	EventStopped Event = "stopped"
	EventDiscard Event = "discard"
	EventDone    Event = "done"
	EventFail    Event = "fail"
	EventCancel  Event = "cancel"
	EventReset   Event = "reset"
)

// Transition validates one step of the recording lifecycle. Fail is legal
// from any non-terminal state so error paths never wedge the machine.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateRecording, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRecording:
		switch event {
		case EventStop:
			return StateStopping, nil
		case EventPromote:
			return StateRecording, nil
		case EventCancel:
			return StateCancelled, nil
		case EventFail:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStopping:
		switch event {
		case EventStopped:
			return StateProcessing, nil
		case EventDiscard:
			return StateIdle, nil
		case EventCancel:
			return StateCancelled, nil
		case EventFail:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateProcessing:
		switch event {
		case EventDone:
			return StateCompleted, nil
		case EventCancel:
			return StateCancelled, nil
		case EventFail:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateCompleted, StateFailed, StateCancelled:
		switch event {
		case EventReset:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
