package supervise

import (
	"github.com/qmuntal/stateless"

	"github.com/edgelens/edgelens"
)

// Triggers for the gateway child lifecycle machine.
const (
	triggerLaunch = "launch"
	triggerUp     = "up"
	triggerExit   = "exit"
	triggerStop   = "stop"
)

// newMachine builds the lifecycle machine for the supervised gateway
// child. Rejected triggers surface as errors from Fire; callers treat
// them as stale observations (a crash racing a stop, a double stop).
func newMachine() *stateless.StateMachine {
	m := stateless.NewStateMachine(edgelens.StateNotStarted)
	m.Configure(edgelens.StateNotStarted).
		Permit(triggerLaunch, edgelens.StateStarting)
	m.Configure(edgelens.StateStarting).
		Permit(triggerUp, edgelens.StateRunning).
		Permit(triggerExit, edgelens.StateCrashed).
		Permit(triggerStop, edgelens.StateStopped)
	m.Configure(edgelens.StateRunning).
		Permit(triggerExit, edgelens.StateCrashed).
		Permit(triggerStop, edgelens.StateStopped)
	m.Configure(edgelens.StateCrashed).
		Permit(triggerLaunch, edgelens.StateStarting)
	m.Configure(edgelens.StateStopped)
	return m
}
