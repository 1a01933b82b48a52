package services

import (
	"fmt"

	"github.com/edgelens/edgelens/pkg/tap"
)

// handleRegister validates and stores a service definition
func (m *Manager) handleRegister(svc *Service, defs map[string]*Service, states map[string]*ServiceState) error {
	if svc == nil || svc.Name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if svc.Cmd == "" {
		return fmt.Errorf("service %s has no command", svc.Name)
	}

	if _, exists := defs[svc.Name]; exists {
		return fmt.Errorf("service %s already registered", svc.Name)
	}

	// Validate dependencies against everything registered so far
	if err := validateRegistration(svc, defs); err != nil {
		return fmt.Errorf("dependency validation failed: %w", err)
	}

	defs[svc.Name] = svc
	states[svc.Name] = &ServiceState{
		Name:   svc.Name,
		Status: StatusStopped,
	}

	tap.Logger(m.ctx).Info("service registered", "name", svc.Name, "cmd", svc.Cmd, "needs", svc.Needs)
	return nil
}

// handleStart handles service start requests
func (m *Manager) handleStart(name string, defs map[string]*Service, states map[string]*ServiceState, processes map[string]*ProcessHandle) error {
	svc, exists := defs[name]
	if !exists {
		return fmt.Errorf("unknown service: %s", name)
	}
	return m.startService(svc, defs, states, processes)
}

// handleStop handles service stop requests
func (m *Manager) handleStop(name string, defs map[string]*Service, states map[string]*ServiceState, processes map[string]*ProcessHandle) error {
	if _, exists := defs[name]; !exists {
		return fmt.Errorf("unknown service: %s", name)
	}
	return m.stopService(name, defs, states, processes)
}

// handleRestart stops a running service and starts it again
func (m *Manager) handleRestart(name string, defs map[string]*Service, states map[string]*ServiceState, processes map[string]*ProcessHandle) error {
	svc, exists := defs[name]
	if !exists {
		return fmt.Errorf("unknown service: %s", name)
	}

	if err := m.stopService(name, defs, states, processes); err != nil {
		return fmt.Errorf("failed to stop for restart: %w", err)
	}

	// stopService waits for the process to exit, but the exit notification
	// is still queued behind this command. Clear the old state here so the
	// start below is not rejected.
	if state, exists := states[name]; exists && state.Status == StatusStopping {
		state.Status = StatusStopped
		state.PID = 0
	}
	delete(processes, name)

	tap.Logger(m.ctx).Info("restarting service", "name", name)
	return m.startService(svc, defs, states, processes)
}

// handleStartAll starts every registered service in dependency order
func (m *Manager) handleStartAll(defs map[string]*Service, states map[string]*ServiceState, processes map[string]*ProcessHandle) error {
	if len(defs) == 0 {
		tap.Logger(m.ctx).Info("no services to start")
		return nil
	}

	deps := make(map[string][]string)
	for name, svc := range defs {
		deps[name] = svc.Needs
	}

	// Dependencies before dependents
	order, err := calculateStartOrder(deps)
	if err != nil {
		return fmt.Errorf("failed to calculate start order: %w", err)
	}

	tap.Logger(m.ctx).Info("starting all services", "total", len(defs), "order", order)

	for _, name := range order {
		svc, exists := defs[name]
		if !exists {
			return fmt.Errorf("unknown dependency: %s", name)
		}
		if state, ok := states[name]; ok && state.Status == StatusRunning {
			continue
		}
		if err := m.startService(svc, defs, states, processes); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
	}

	tap.Logger(m.ctx).Info("finished starting all services", "total", len(defs))
	return nil
}
