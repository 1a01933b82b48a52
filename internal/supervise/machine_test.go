package supervise

import (
	"testing"

	"github.com/edgelens/edgelens"
)

func TestMachineHappyPath(t *testing.T) {
	m := newMachine()
	if got := m.MustState(); got != edgelens.StateNotStarted {
		t.Fatalf("initial state = %v", got)
	}
	for _, step := range []struct {
		trigger string
		want    edgelens.ProcessState
	}{
		{triggerLaunch, edgelens.StateStarting},
		{triggerUp, edgelens.StateRunning},
		{triggerStop, edgelens.StateStopped},
	} {
		if err := m.Fire(step.trigger); err != nil {
			t.Fatalf("fire %s: %v", step.trigger, err)
		}
		if got := m.MustState(); got != step.want {
			t.Fatalf("after %s state = %v, want %v", step.trigger, got, step.want)
		}
	}
}

func TestMachineStoppedIsTerminal(t *testing.T) {
	m := newMachine()
	for _, trigger := range []string{triggerLaunch, triggerUp, triggerStop} {
		if err := m.Fire(trigger); err != nil {
			t.Fatalf("fire %s: %v", trigger, err)
		}
	}
	if err := m.Fire(triggerStop); err == nil {
		t.Error("double stop accepted")
	}
	if err := m.Fire(triggerExit); err == nil {
		t.Error("exit after stop accepted")
	}
	if err := m.Fire(triggerLaunch); err == nil {
		t.Error("relaunch after stop accepted")
	}
}

func TestMachineCrashAndRelaunch(t *testing.T) {
	m := newMachine()
	if err := m.Fire(triggerUp); err == nil {
		t.Error("up before launch accepted")
	}
	for _, trigger := range []string{triggerLaunch, triggerUp, triggerExit} {
		if err := m.Fire(trigger); err != nil {
			t.Fatalf("fire %s: %v", trigger, err)
		}
	}
	if got := m.MustState(); got != edgelens.StateCrashed {
		t.Fatalf("state = %v", got)
	}

	// A crashed child may be relaunched, and the relaunch itself may fail.
	if err := m.Fire(triggerLaunch); err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	if err := m.Fire(triggerExit); err != nil {
		t.Fatalf("spawn failure: %v", err)
	}
	if got := m.MustState(); got != edgelens.StateCrashed {
		t.Fatalf("state after spawn failure = %v", got)
	}
}
