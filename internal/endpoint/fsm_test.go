package endpoint_test

import (
	"testing"

	"github.com/vxlantun/vxlantund/internal/endpoint"
)

func TestApplyEventSocketBoundTransitionsToReady(t *testing.T) {
	t.Parallel()

	res := endpoint.ApplyEvent(endpoint.StateInit, endpoint.EventSocketBound)
	if res.NewState != endpoint.StateReady {
		t.Errorf("new state = %v, want READY", res.NewState)
	}
	if !res.Changed {
		t.Error("Changed = false, want true")
	}
	if len(res.Actions) != 1 || res.Actions[0] != endpoint.ActionStartWorkers {
		t.Errorf("actions = %v, want [StartWorkers]", res.Actions)
	}
}

func TestApplyEventAdminUpJoinsGroup(t *testing.T) {
	t.Parallel()

	res := endpoint.ApplyEvent(endpoint.StateReady, endpoint.EventAdminUp)
	if res.NewState != endpoint.StateUp {
		t.Errorf("new state = %v, want UP", res.NewState)
	}
	if len(res.Actions) != 1 || res.Actions[0] != endpoint.ActionJoinGroup {
		t.Errorf("actions = %v, want [JoinGroup]", res.Actions)
	}
}

func TestApplyEventAdminDownFlushesAndLeavesGroup(t *testing.T) {
	t.Parallel()

	res := endpoint.ApplyEvent(endpoint.StateUp, endpoint.EventAdminDown)
	if res.NewState != endpoint.StateReady {
		t.Errorf("new state = %v, want READY", res.NewState)
	}
	if len(res.Actions) != 2 || res.Actions[0] != endpoint.ActionFlushFDB || res.Actions[1] != endpoint.ActionLeaveGroup {
		t.Errorf("actions = %v, want [FlushFDB LeaveGroup]", res.Actions)
	}
}

func TestApplyEventSocketBindFailedTransitionsToDead(t *testing.T) {
	t.Parallel()

	res := endpoint.ApplyEvent(endpoint.StateInit, endpoint.EventSocketBindFailed)
	if res.NewState != endpoint.StateDead {
		t.Errorf("new state = %v, want DEAD", res.NewState)
	}
}

func TestApplyEventFullLifecycle(t *testing.T) {
	t.Parallel()

	state := endpoint.StateInit

	res := endpoint.ApplyEvent(state, endpoint.EventSocketBound)
	state = res.NewState
	if state != endpoint.StateReady {
		t.Fatalf("after SocketBound: state = %v, want READY", state)
	}

	res = endpoint.ApplyEvent(state, endpoint.EventAdminUp)
	state = res.NewState
	if state != endpoint.StateUp {
		t.Fatalf("after AdminUp: state = %v, want UP", state)
	}

	res = endpoint.ApplyEvent(state, endpoint.EventAdminDown)
	state = res.NewState
	if state != endpoint.StateReady {
		t.Fatalf("after AdminDown: state = %v, want READY", state)
	}
	if len(res.Actions) != 2 || res.Actions[0] != endpoint.ActionFlushFDB || res.Actions[1] != endpoint.ActionLeaveGroup {
		t.Errorf("actions = %v, want [FlushFDB LeaveGroup]", res.Actions)
	}

	res = endpoint.ApplyEvent(state, endpoint.EventDeleted)
	state = res.NewState
	if state != endpoint.StateDead {
		t.Fatalf("after Deleted: state = %v, want DEAD", state)
	}
}

func TestApplyEventDeleteFromUpFlushesFirst(t *testing.T) {
	t.Parallel()

	res := endpoint.ApplyEvent(endpoint.StateUp, endpoint.EventDeleted)
	if res.NewState != endpoint.StateDead {
		t.Fatalf("new state = %v, want DEAD", res.NewState)
	}
	if len(res.Actions) != 3 || res.Actions[0] != endpoint.ActionFlushFDB {
		t.Errorf("actions = %v, want [FlushFDB LeaveGroup ReleaseSocket]", res.Actions)
	}
}

func TestApplyEventUnknownPairIgnored(t *testing.T) {
	t.Parallel()

	res := endpoint.ApplyEvent(endpoint.StateDead, endpoint.EventAdminUp)
	if res.Changed {
		t.Error("Changed = true for unlisted transition, want false")
	}
	if res.NewState != endpoint.StateDead {
		t.Errorf("new state = %v, want unchanged DEAD", res.NewState)
	}
	if len(res.Actions) != 0 {
		t.Errorf("actions = %v, want none", res.Actions)
	}
}
