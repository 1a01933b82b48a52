package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/packages/probe"
	"github.com/edgelens/edgelens/pkg/services"
	"github.com/edgelens/edgelens/pkg/tap"
)

func (a *Agent) handleStatus(rw http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	ports, err := probe.ListeningPorts()
	if err != nil {
		tap.Logger(r.Context()).Debug("listing ports failed", "error", err)
	}

	a.mu.Lock()
	startedAt := a.startedAt
	a.mu.Unlock()

	writeJSON(rw, http.StatusOK, &edgelens.AgentStatus{
		Version:        edgelens.Version,
		Hostname:       hostname,
		StartedAt:      startedAt,
		Services:       a.serviceInfos(),
		ListeningPorts: ports,
	})
}

func (a *Agent) handleListServices(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, a.serviceInfos())
}

func (a *Agent) handleGetService(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	state, err := a.manager.GetServiceState(name)
	if err != nil {
		writeError(rw, http.StatusNotFound, edgelens.ErrCodeServiceNotFound, fmt.Sprintf("no service named %q", name))
		return
	}
	writeJSON(rw, http.StatusOK, a.serviceInfo(state))
}

func (a *Agent) handleServiceAction(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := a.manager.GetServiceState(name); err != nil {
		writeError(rw, http.StatusNotFound, edgelens.ErrCodeServiceNotFound, fmt.Sprintf("no service named %q", name))
		return
	}

	action := r.PathValue("action")
	var err error
	switch action {
	case "start":
		err = a.manager.StartService(name)
	case "stop":
		err = a.manager.StopService(name)
	case "restart":
		err = a.manager.RestartService(name)
	default:
		writeError(rw, http.StatusBadRequest, edgelens.ErrCodeBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		writeError(rw, http.StatusInternalServerError, edgelens.ErrCodeInternal, err.Error())
		return
	}

	state, err := a.manager.GetServiceState(name)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, edgelens.ErrCodeInternal, err.Error())
		return
	}
	tap.Logger(r.Context()).Info("service action", "name", name, "action", action, "status", state.Status)
	writeJSON(rw, http.StatusOK, a.serviceInfo(state))
}

// serviceInfos snapshots every managed service, sorted by name so the API
// output is stable.
func (a *Agent) serviceInfos() []edgelens.ServiceInfo {
	states := a.manager.ListStates()
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })

	infos := make([]edgelens.ServiceInfo, 0, len(states))
	for _, state := range states {
		infos = append(infos, a.serviceInfo(state))
	}
	return infos
}

// serviceInfo converts a manager state into the public API shape.
func (a *Agent) serviceInfo(state *services.ServiceState) edgelens.ServiceInfo {
	info := edgelens.ServiceInfo{
		Name:     state.Name,
		State:    edgelens.ServiceState(state.Status),
		PID:      state.PID,
		ExitCode: state.ExitCode,
		LogPath:  a.manager.ServiceLogPath(state.Name),
	}
	if !state.StartedAt.IsZero() {
		t := state.StartedAt
		info.StartedAt = &t
	}
	return info
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, message string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(&edgelens.APIError{ErrorCode: code, Message: message})
}
