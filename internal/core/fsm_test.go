package core

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		evt  Event
		want State
	}{
		{StatePending, EventBecameActive, StateActive},
		{StatePending, EventBecamePending, StatePending},
		{StatePending, EventRequestDelete, StateDeletingVM},
		{StatePending, EventInfraMissing, StateCompleted},
		{StateActive, EventBecameActive, StateActive},
		{StateActive, EventBecamePending, StatePending},
		{StateActive, EventRequestDelete, StateDeletingVM},
		{StateActive, EventInfraMissing, StateCompleted},
		{StateFailed, EventRequestDelete, StateDeletingVM},
		{StateFailed, EventInfraMissing, StateCompleted},
		{StateDeletingVM, EventRequestDelete, StateDeletingVM},
		{StateDeletingVM, EventInfraMissing, StateDeletingISO},
		{StateDeletingVM, EventVMDone, StateDeletingISO},
		{StateDeletingVM, EventVMRetry, StateDeletingVM},
		{StateDeletingISO, EventRequestDelete, StateDeletingISO},
		{StateDeletingISO, EventInfraMissing, StateDeletingISO},
		{StateDeletingISO, EventISODone, StateDeletingNode},
		{StateDeletingISO, EventISORetry, StateDeletingISO},
		{StateDeletingNode, EventRequestDelete, StateDeletingNode},
		{StateDeletingNode, EventInfraMissing, StateDeletingNode},
		{StateDeletingNode, EventNodeDone, StateCompleted},
		{StateDeletingNode, EventNodeRetry, StateDeletingNode},
	}
	for _, c := range cases {
		got, err := Transition(c.from, c.evt)
		if err != nil {
			t.Fatalf("Transition(%s, %s) returned error: %v", c.from, c.evt, err)
		}
		if got != c.want {
			t.Errorf("Transition(%s, %s) = %s, want %s", c.from, c.evt, got, c.want)
		}
	}
}

func TestTransitionRejectsIllegalPairs(t *testing.T) {
	illegal := []struct {
		from State
		evt  Event
	}{
		{StatePending, EventVMDone},
		{StateActive, EventNodeDone},
		{StateFailed, EventBecameActive},
		{StateDeletingVM, EventISODone},
		{StateDeletingNode, EventISORetry},
	}
	for _, c := range illegal {
		if _, err := Transition(c.from, c.evt); err == nil {
			t.Errorf("Transition(%s, %s) should have failed", c.from, c.evt)
		} else if KindOf(err) != KindInvalidTransition {
			t.Errorf("Transition(%s, %s) error kind = %s, want invalid_transition", c.from, c.evt, KindOf(err))
		}
	}
}

// TestTransitionReachesCompletedOnlyViaKnownPaths checks every entry of
// the transition table that leads to `completed`: the only such paths
// are deleting_node + node_done and infra_missing from pending, active
// or failed.
func TestTransitionReachesCompletedOnlyViaKnownPaths(t *testing.T) {
	for from := range table {
		for evt := range table[from] {
			want := table[from][evt]
			if want != StateCompleted {
				continue
			}
			isNodeDone := from == StateDeletingNode && evt == EventNodeDone
			isInfraMissing := evt == EventInfraMissing && (from == StatePending || from == StateActive || from == StateFailed)
			if !isNodeDone && !isInfraMissing {
				t.Errorf("unexpected path to completed: %s + %s", from, evt)
			}
		}
	}
}

func TestIsDeleteStateAndIsLifecycleState(t *testing.T) {
	for s := range lifecycleStates {
		if !IsLifecycleState(s) {
			t.Errorf("IsLifecycleState(%s) = false, want true", s)
		}
	}
	if IsLifecycleState(StateCompleted) {
		t.Error("IsLifecycleState(completed) = true, want false")
	}
	for _, s := range []State{StateDeletingVM, StateDeletingISO, StateDeletingNode} {
		if !IsDeleteState(s) {
			t.Errorf("IsDeleteState(%s) = false, want true", s)
		}
	}
	for _, s := range []State{StatePending, StateActive, StateFailed} {
		if IsDeleteState(s) {
			t.Errorf("IsDeleteState(%s) = true, want false", s)
		}
	}
}
