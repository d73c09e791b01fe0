package session

import "testing"

func TestStateMachineLegalTransitions(t *testing.T) {
	var transitions []string
	m := NewStateMachine(func(from, to State, reason string) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	if err := m.Transition(StateActive, "first socket attached"); err != nil {
		t.Fatalf("IDLE->ACTIVE should be legal: %v", err)
	}
	if err := m.Transition(StateEvicting, "idle timeout"); err != nil {
		t.Fatalf("ACTIVE->EVICTING should be legal: %v", err)
	}
	if err := m.Transition(StateIdle, "cleanup complete"); err != nil {
		t.Fatalf("EVICTING->IDLE should be legal: %v", err)
	}

	want := []string{"idle->active", "active->evicting", "evicting->idle"}
	if len(transitions) != len(want) {
		t.Fatalf("got %v transitions, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestStateMachineIllegalTransitions(t *testing.T) {
	m := NewStateMachine(nil)

	if err := m.Transition(StateEvicting, "skip active"); err == nil {
		t.Fatal("expected IDLE->EVICTING to be illegal")
	}
	if m.Current() != StateIdle {
		t.Fatal("illegal transition must not change state")
	}

	m.Transition(StateActive, "attach")
	if err := m.Transition(StateActive, "attach again"); err != nil {
		t.Fatal("transitioning to the current state should be a no-op, not an error")
	}
}

func TestStateMachineNoReverseFromEvicting(t *testing.T) {
	m := NewStateMachine(nil)
	m.Transition(StateActive, "attach")
	m.Transition(StateEvicting, "idle")

	if err := m.Transition(StateActive, "reattach"); err == nil {
		t.Fatal("expected EVICTING->ACTIVE to be illegal; reattach must go through IDLE")
	}
}
