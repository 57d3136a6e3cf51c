// Package endpoint owns the VXLAN tunnel endpoint lifecycle: one Endpoint
// per (VNI, socket) pair created by a CreateEndpoint control operation,
// progressing through INIT -> READY -> UP -> READY -> DEAD (spec 3, 4.6).
//
// The FSM here is grounded on bfd/fsm.go: a pure function over a
// transition table, returning the actions the caller must execute, so the
// lifecycle logic is auditable independent of the Endpoint type that
// drives it.
package endpoint

// State is an endpoint lifecycle state (spec 4.6).
type State uint8

const (
	StateInit State = iota + 1
	StateReady
	StateUp
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateUp:
		return "UP"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Event is an endpoint lifecycle event (spec 4.6).
type Event uint8

const (
	// EventSocketBound fires once the shared socket and VNI registration
	// both succeed (spec 4.6 socket_bind worker).
	EventSocketBound Event = iota + 1
	// EventSocketBindFailed fires if socket_bind cannot acquire the shared
	// listener or register the VNI (e.g. duplicate VNI on this socket).
	EventSocketBindFailed
	// EventAdminUp fires on an administrative enable (ifup-equivalent).
	EventAdminUp
	// EventAdminDown fires on an administrative disable (ifdown-equivalent).
	EventAdminDown
	// EventDeleted fires when DeleteEndpoint is invoked.
	EventDeleted
)

func (e Event) String() string {
	switch e {
	case EventSocketBound:
		return "SocketBound"
	case EventSocketBindFailed:
		return "SocketBindFailed"
	case EventAdminUp:
		return "AdminUp"
	case EventAdminDown:
		return "AdminDown"
	case EventDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// Action is a side effect the caller must execute after a transition.
type Action uint8

const (
	// ActionStartWorkers marks INIT -> READY after socket_bind (spec 4.6);
	// bind has already run synchronously in Start, so the endpoint takes
	// no further step for it.
	ActionStartWorkers Action = iota + 1
	// ActionJoinGroup spawns igmp_join for a multicast default destination.
	ActionJoinGroup
	// ActionLeaveGroup runs igmp_leave for a multicast default destination.
	ActionLeaveGroup
	// ActionFlushFDB flushes every FDB entry except the all-zero default.
	ActionFlushFDB
	// ActionReleaseSocket releases this endpoint's reference to its shared
	// socket.
	ActionReleaseSocket
)

func (a Action) String() string {
	switch a {
	case ActionStartWorkers:
		return "StartWorkers"
	case ActionJoinGroup:
		return "JoinGroup"
	case ActionLeaveGroup:
		return "LeaveGroup"
	case ActionFlushFDB:
		return "FlushFDB"
	case ActionReleaseSocket:
		return "ReleaseSocket"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// Transition table for the endpoint lifecycle (spec 4.6):
//
//	INIT  --SocketBound-->       READY (StartWorkers)
//	INIT  --SocketBindFailed-->  DEAD
//	READY --AdminUp-->           UP (JoinGroup if multicast default)
//	UP    --AdminDown-->         READY (FlushFDB, LeaveGroup)
//	READY --Deleted-->           DEAD (LeaveGroup, ReleaseSocket)
//	UP    --Deleted-->           DEAD (FlushFDB, LeaveGroup, ReleaseSocket) -- an UP
//	                                  endpoint is taken down before deletion
var fsmTable = map[stateEvent]transition{
	{StateInit, EventSocketBound}: {
		newState: StateReady,
		actions:  []Action{ActionStartWorkers},
	},
	{StateInit, EventSocketBindFailed}: {
		newState: StateDead,
		actions:  nil,
	},
	{StateReady, EventAdminUp}: {
		newState: StateUp,
		actions:  []Action{ActionJoinGroup},
	},
	{StateUp, EventAdminDown}: {
		newState: StateReady,
		actions:  []Action{ActionFlushFDB, ActionLeaveGroup},
	},
	{StateReady, EventDeleted}: {
		newState: StateDead,
		actions:  []Action{ActionLeaveGroup, ActionReleaseSocket},
	},
	{StateUp, EventDeleted}: {
		newState: StateDead,
		actions:  []Action{ActionFlushFDB, ActionLeaveGroup, ActionReleaseSocket},
	},
}

// Result is the outcome of applying an event to the FSM.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

// ApplyEvent is a pure function: given the current lifecycle state and an
// event, returns the new state and the actions the caller must execute.
// An event with no table entry is ignored (state unchanged, no actions).
func ApplyEvent(current State, event Event) Result {
	key := stateEvent{state: current, event: event}
	tr, ok := fsmTable[key]
	if !ok {
		return Result{OldState: current, NewState: current}
	}
	return Result{
		OldState: current,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  current != tr.newState,
	}
}
