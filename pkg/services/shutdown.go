package services

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/edgelens/edgelens/pkg/tap"
)

// handleShutdown stops all services in reverse dependency order
func (m *Manager) handleShutdown(defs map[string]*Service, states map[string]*ServiceState, processes map[string]*ProcessHandle) error {
	if len(defs) == 0 {
		return nil
	}

	// Build dependency map
	dependents := make(map[string][]string)
	for _, svc := range defs {
		for _, dep := range svc.Needs {
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	// Calculate shutdown order (dependents before their dependencies)
	shutdownOrder := calculateShutdownOrder(defs, dependents)

	tap.Logger(m.ctx).Info("shutting down services", "order", shutdownOrder)

	// Group services by level so independent services stop in parallel.
	// Goroutines below only read the maps and mutate distinct state
	// structs; the run loop is parked here until every level completes.
	levels := groupByDependencyLevel(shutdownOrder, defs)

	for i := len(levels) - 1; i >= 0; i-- {
		level := levels[i]
		if len(level) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, svcName := range level {
			state, exists := states[svcName]
			if !exists || state.Status != StatusRunning {
				continue
			}

			wg.Add(1)
			go func(name string, state *ServiceState) {
				defer wg.Done()

				handle, exists := processes[name]
				if !exists {
					return
				}

				state.Status = StatusStopping

				// Try graceful shutdown with SIGTERM
				process, err := os.FindProcess(handle.PID)
				if err == nil {
					process.Signal(syscall.SIGTERM)
				}

				select {
				case <-handle.Done:
					tap.Logger(m.ctx).Info("service stopped gracefully", "name", name)
				case <-time.After(m.stopGrace):
					// Force kill
					tap.Logger(m.ctx).Warn("service did not stop gracefully, force killing", "name", name, "pid", handle.PID)
					if err := forceKillProcess(handle.PID); err != nil {
						tap.Logger(m.ctx).Error("failed to force kill process", "name", name, "pid", handle.PID, "error", err)
					}
					// Cancel context to clean up
					handle.Cancel()
				}
			}(svcName, state)
		}

		// Wait for this level to complete
		wg.Wait()
	}

	return nil
}
