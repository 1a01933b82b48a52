// Package supervise runs the gateway-side control loop. It launches the
// local gateway as a supervised child process, watches it for crashes,
// probes the edge node's stream ports, and answers the CLI over a
// localhost admin API. Probe results are live observations consumed from
// a snapshot; only lifecycle events are persisted, to the journal.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"golang.org/x/sync/errgroup"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/packages/probe"
	"github.com/edgelens/edgelens/packages/remotecmd"
	"github.com/edgelens/edgelens/packages/supervisor"
	"github.com/edgelens/edgelens/pkg/journal"
	"github.com/edgelens/edgelens/pkg/tap"
)

// Restart backoff bounds for the on-crash policy.
const (
	restartBackoffBase = time.Second
	restartBackoffCap  = 30 * time.Second
)

// remoteLogTimeout is the hard bound on a remote log tail. Supervision
// never blocks on the edge node.
const remoteLogTimeout = 5 * time.Second

// diagnoseLogLines is how much log context a crash diagnosis pulls.
const diagnoseLogLines = 20

// Options configure a Supervisor.
type Options struct {
	// GatewayCommand is the argv of the local gateway child.
	GatewayCommand []string

	// GracePeriod bounds SIGTERM-to-SIGKILL when stopping the child.
	GracePeriod time.Duration

	// RestartOnCrash relaunches a crashed child with exponential backoff.
	// The default leaves it down: a crash is reported, not corrected.
	RestartOnCrash bool

	// MaxRestarts caps relaunch attempts. 0 means unlimited.
	MaxRestarts int

	// EdgeHost is the edge node address for port probes.
	EdgeHost string

	// ProbePorts are the remote ports checked every probe interval.
	ProbePorts []int

	// ProbeInterval is the time between probe passes. Defaults to 5s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each probe dial.
	ProbeTimeout time.Duration

	// PollInterval paces the child reconciliation tick. Defaults to 5s.
	PollInterval time.Duration

	// StartupGrace suppresses port-down warnings right after startup,
	// while the remote workers are still coming up.
	StartupGrace time.Duration

	// Client talks to the edge agent. nil disables node reachability
	// checks, worker auto-start and remote log retrieval.
	Client *edgelens.Client

	// EdgeLogDir is the log directory on the edge node, for remote tails.
	EdgeLogDir string

	// AutoStartWorkers asks the agent to start every registered worker
	// once at startup.
	AutoStartWorkers bool

	// Journal records lifecycle events. nil disables persistence.
	Journal *journal.Journal

	// AdminListen is the local admin API address, e.g. "127.0.0.1:7861".
	// Empty disables the admin API.
	AdminListen string

	// Grace bounds shutdown of the admin listener. Defaults to 5s.
	Grace time.Duration
}

// Supervisor owns the gateway child and the edge health view.
type Supervisor struct {
	opts    Options
	machine *stateless.StateMachine

	mu         sync.Mutex
	child      *supervisor.Supervisor
	childPID   int
	childStart time.Time
	exitCode   *int
	restarts   int
	lastChange time.Time
	stopWanted bool
	probes     []edgelens.ProbeResult
	node       edgelens.NodeStatus
	agentVer   string
	startedAt  time.Time
	addr       net.Addr

	ready chan struct{}
}

// New creates a Supervisor. Call Run to launch the child and serve.
func New(opts Options) *Supervisor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &Supervisor{
		opts:    opts,
		machine: newMachine(),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once startup is complete: the admin listener is bound
// and the gateway child has been launched.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Addr returns the admin API address, nil before Ready or when the admin
// API is disabled.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// State returns the gateway child's lifecycle state.
func (s *Supervisor) State() edgelens.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.MustState().(edgelens.ProcessState)
}

// Run launches the gateway child and supervises it until ctx is
// cancelled. Startup failures (admin port bind, first launch) return
// immediately; a later crash of the child is reported and handled per the
// restart policy, never fatal to the supervisor. The child is stopped on
// the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := tap.Logger(ctx).With("component", "supervisor")
	ctx = tap.WithLogger(ctx, logger)

	var ln net.Listener
	if s.opts.AdminListen != "" {
		var err error
		ln, err = net.Listen("tcp", s.opts.AdminListen)
		if err != nil {
			return edgelens.BindError(s.opts.AdminListen, err)
		}
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	if ln != nil {
		s.addr = ln.Addr()
	}
	s.mu.Unlock()

	if s.opts.AutoStartWorkers && s.opts.Client != nil {
		if err := s.opts.Client.StartAll(ctx); err != nil {
			logger.Warn("worker auto-start failed", "error", err)
		} else {
			logger.Info("edge workers started")
			s.journal(ctx, edgelens.EventLaunch, "workers", "auto-start")
		}
	}

	if err := s.launch(ctx); err != nil {
		if ln != nil {
			ln.Close()
		}
		return fmt.Errorf("launch gateway: %w", err)
	}
	close(s.ready)

	logger.Info("supervisor up",
		"gateway", strings.Join(s.opts.GatewayCommand, " "),
		"admin", s.opts.AdminListen,
		"probe_ports", len(s.opts.ProbePorts))

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.childLoop(runCtx)
		return nil
	})
	g.Go(func() error {
		s.probeLoop(runCtx)
		return nil
	})
	if ln != nil {
		srv := &http.Server{
			Handler:     s.adminRoutes(),
			BaseContext: func(net.Listener) context.Context { return runCtx },
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.Grace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
			}
			return nil
		})
	}

	err := g.Wait()
	s.shutdownChild(ctx)
	return err
}

// launch spawns the gateway child and moves the machine to Running, or to
// Crashed when the spawn fails.
func (s *Supervisor) launch(ctx context.Context) error {
	if len(s.opts.GatewayCommand) == 0 {
		return errors.New("no gateway command configured")
	}
	s.fire(ctx, triggerLaunch, strings.Join(s.opts.GatewayCommand, " "))

	child, err := supervisor.New(supervisor.Config{
		Command:     s.opts.GatewayCommand[0],
		Args:        s.opts.GatewayCommand[1:],
		GracePeriod: s.opts.GracePeriod,
	})
	if err == nil {
		var pid int
		pid, err = child.Start()
		if err == nil {
			s.mu.Lock()
			s.child = child
			s.childPID = pid
			s.childStart = time.Now()
			s.exitCode = nil
			s.stopWanted = false
			s.mu.Unlock()
			s.fire(ctx, triggerUp, fmt.Sprintf("pid %d", pid))
			s.journal(ctx, edgelens.EventLaunch, "gateway", fmt.Sprintf("pid %d", pid))
			return nil
		}
	}
	s.fire(ctx, triggerExit, err.Error())
	return err
}

// childLoop watches the gateway child and applies the restart policy.
// Exit detection is event-driven off the child's done channel; the poll
// tick only re-snapshots the handle in case it was swapped between waits.
func (s *Supervisor) childLoop(ctx context.Context) {
	backoff := restartBackoffBase
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		child := s.child
		started := s.childStart
		s.mu.Unlock()

		var exited <-chan struct{}
		if child != nil {
			exited = child.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			continue
		case <-exited:
		}

		exit := child.ExitCode()
		s.mu.Lock()
		s.child = nil
		if exit >= 0 {
			code := exit
			s.exitCode = &code
		}
		wanted := s.stopWanted
		s.mu.Unlock()

		if wanted {
			// Expected exit; the stop path drives the machine.
			continue
		}

		s.fire(ctx, triggerExit, fmt.Sprintf("exit code %d", exit))
		s.journal(ctx, edgelens.EventCrash, "gateway", fmt.Sprintf("exit code %d", exit))
		tap.Logger(ctx).Error("gateway crashed",
			"exit_code", exit,
			"uptime", time.Since(started).Round(time.Millisecond).String())

		if !s.opts.RestartOnCrash {
			continue
		}
		if time.Since(started) > restartBackoffCap {
			// A long healthy run earns a fresh backoff.
			backoff = restartBackoffBase
		}
		backoff = s.restart(ctx, backoff)
	}
}

// restart relaunches the crashed gateway, doubling the wait across
// consecutive attempts. It returns the backoff to use after the next
// crash.
func (s *Supervisor) restart(ctx context.Context, backoff time.Duration) time.Duration {
	for {
		s.mu.Lock()
		attempts := s.restarts
		s.mu.Unlock()
		if s.opts.MaxRestarts > 0 && attempts >= s.opts.MaxRestarts {
			tap.Logger(ctx).Error("gateway restart budget exhausted", "max_restarts", s.opts.MaxRestarts)
			return backoff
		}

		tap.Logger(ctx).Info("restarting gateway", "backoff", backoff.String(), "attempt", attempts+1)
		select {
		case <-ctx.Done():
			return backoff
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffCap {
			backoff = restartBackoffCap
		}

		s.mu.Lock()
		s.restarts++
		n := s.restarts
		s.mu.Unlock()
		s.journal(ctx, edgelens.EventRestart, "gateway", fmt.Sprintf("attempt %d", n))

		err := s.launch(ctx)
		if err == nil {
			return backoff
		}
		tap.Logger(ctx).Error("gateway relaunch failed", "error", err)
	}
}

// StopGateway stops the gateway child with SIGTERM, escalating to SIGKILL
// after the grace period. Stopping a child that is not running is a no-op
// returning nil.
func (s *Supervisor) StopGateway(ctx context.Context) error {
	s.mu.Lock()
	state := s.machine.MustState().(edgelens.ProcessState)
	if state != edgelens.StateRunning && state != edgelens.StateStarting {
		s.mu.Unlock()
		return nil
	}
	s.stopWanted = true
	child := s.child
	s.mu.Unlock()

	if child != nil {
		if err := child.Stop(); err != nil {
			return fmt.Errorf("stop gateway: %w", err)
		}
	}
	s.fire(ctx, triggerStop, "stop requested")
	return nil
}

// shutdownChild stops a still-running child when the supervisor exits.
func (s *Supervisor) shutdownChild(ctx context.Context) {
	s.mu.Lock()
	child := s.child
	s.stopWanted = true
	s.mu.Unlock()
	if child == nil {
		return
	}
	tap.Logger(ctx).Info("stopping gateway")
	if err := child.Stop(); err != nil {
		tap.Logger(ctx).Warn("gateway stop failed", "error", err)
	}
	s.fire(ctx, triggerStop, "supervisor shutdown")
}

// Status returns the supervisor's current view. Probe results are the
// latest completed pass, not a fresh check.
func (s *Supervisor) Status() edgelens.SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	gw := edgelens.GatewayChild{
		State:      s.machine.MustState().(edgelens.ProcessState),
		PID:        s.childPID,
		ExitCode:   s.exitCode,
		Restarts:   s.restarts,
		LastChange: s.lastChange,
	}
	if !s.childStart.IsZero() {
		t := s.childStart
		gw.StartedAt = &t
	}

	return edgelens.SupervisorStatus{
		Version:      edgelens.Version,
		StartedAt:    s.startedAt,
		Gateway:      gw,
		Node:         s.node,
		Probes:       slices.Clone(s.probes),
		AgentVersion: s.agentVer,
	}
}

// probeLoop re-checks the edge ports and node reachability every probe
// interval. Probes are read-only with respect to remote state; failing
// ones are reported, never acted on.
func (s *Supervisor) probeLoop(ctx context.Context) {
	prober := probe.New(s.opts.ProbeTimeout)
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	s.probeOnce(ctx, prober)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeOnce(ctx, prober)
		}
	}
}

func (s *Supervisor) probeOnce(ctx context.Context, prober *probe.Prober) {
	results := prober.CheckAll(ctx, s.opts.EdgeHost, s.opts.ProbePorts)
	node := s.checkNode(ctx, prober, results)

	snapshot := make([]edgelens.ProbeResult, len(results))
	for i, r := range results {
		snapshot[i] = edgelens.ProbeResult{Port: r.Port, Reachable: r.Open, ObservedAt: r.At}
	}

	s.mu.Lock()
	prev := s.probes
	prevNode := s.node
	s.probes = snapshot
	s.node = node
	inGrace := time.Since(s.startedAt) < s.opts.StartupGrace
	s.mu.Unlock()

	if prevNode.Reachable && !node.Reachable {
		tap.Logger(ctx).Warn("edge node unreachable", "detail", node.Detail)
	} else if !prevNode.Reachable && !prevNode.CheckedAt.IsZero() && node.Reachable {
		tap.Logger(ctx).Info("edge node reachable again")
	}

	// Port flaps log on transition only; the status API carries the
	// persistent view.
	var wentDown []int
	for i, r := range snapshot {
		was := true
		if prev != nil && i < len(prev) {
			was = prev[i].Reachable
		}
		switch {
		case was && !r.Reachable:
			wentDown = append(wentDown, r.Port)
		case !was && r.Reachable:
			tap.Logger(ctx).Info("edge port recovered", "port", r.Port)
		}
	}
	if len(wentDown) == 0 {
		return
	}
	if !node.Reachable {
		// A network outage is not a worker crash; the node warning above
		// already covers it.
		return
	}
	if inGrace {
		tap.Logger(ctx).Debug("edge ports not up yet", "ports", wentDown)
		return
	}
	for _, port := range wentDown {
		tap.Logger(ctx).Warn("edge port down, node reachable", "port", port)
	}
	s.diagnose(ctx)
}

// checkNode judges edge-node reachability separately from any single
// port, so a network outage is never reported as a process crash. With no
// agent client configured it falls back to inferring from the port
// probes.
func (s *Supervisor) checkNode(ctx context.Context, prober *probe.Prober, ports []probe.Result) edgelens.NodeStatus {
	now := time.Now()
	if s.opts.Client == nil {
		for _, r := range ports {
			if r.Open {
				return edgelens.NodeStatus{Reachable: true, CheckedAt: now, Detail: "inferred from port probes"}
			}
		}
		return edgelens.NodeStatus{CheckedAt: now, Detail: "no agent configured"}
	}

	tctx, cancel := context.WithTimeout(ctx, prober.Timeout())
	defer cancel()
	status, err := s.opts.Client.Status(tctx)
	if err == nil {
		s.mu.Lock()
		changed := s.agentVer != status.Version
		s.agentVer = status.Version
		s.mu.Unlock()
		if changed && !edgelens.AgentCompatible(status.Version) {
			tap.Logger(ctx).Warn("agent version below supported minimum",
				"agent_version", status.Version, "version", edgelens.Version)
		}
		return edgelens.NodeStatus{Reachable: true, CheckedAt: now}
	}
	if apiErr := edgelens.IsAPIError(err); apiErr != nil {
		// The agent answered; the node is up even though the call failed.
		return edgelens.NodeStatus{Reachable: true, CheckedAt: now, Detail: apiErr.Error()}
	}
	return edgelens.NodeStatus{CheckedAt: now, Detail: fmt.Sprintf("%s: %v", edgelens.ErrRemoteUnreachable, err)}
}

// diagnose pulls the remote worker states after a port went dark and
// tails the log of anything that died. Best effort under a hard timeout.
func (s *Supervisor) diagnose(ctx context.Context) {
	if s.opts.Client == nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, remoteLogTimeout)
	defer cancel()
	infos, err := s.opts.Client.Services(tctx)
	if err != nil {
		tap.Logger(ctx).Debug("worker state fetch failed", "error", err)
		return
	}
	for _, info := range infos {
		if info.State != edgelens.ServiceFailed {
			continue
		}
		tail, err := s.RemoteServiceLog(ctx, info.Name, diagnoseLogLines)
		if err != nil {
			tap.Logger(ctx).Warn("remote log fetch failed", "service", info.Name, "error", err)
			continue
		}
		tap.Logger(ctx).Warn("worker down on edge node",
			"service", info.Name, "log_tail", strings.TrimSpace(tail))
	}
}

// RemoteServiceLog tails a worker's log file on the edge node over the
// exec channel. The call is bounded by remoteLogTimeout; an unreachable
// node returns an error wrapping ErrRemoteUnreachable.
func (s *Supervisor) RemoteServiceLog(ctx context.Context, service string, lines int) (string, error) {
	if s.opts.Client == nil {
		return "", edgelens.ErrRemoteUnreachable
	}
	if lines <= 0 {
		lines = diagnoseLogLines
	}
	logPath := path.Join(s.opts.EdgeLogDir, "services", service+".log")

	tctx, cancel := context.WithTimeout(ctx, remoteLogTimeout)
	defer cancel()
	cmd, err := s.opts.Client.Command(tctx, "tail", "-n", strconv.Itoa(lines), logPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", edgelens.ErrRemoteUnreachable, err)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *remotecmd.ExitError
		if errors.As(err, &exitErr) {
			return string(out), fmt.Errorf("tail %s: %w", logPath, err)
		}
		return string(out), fmt.Errorf("%w: %v", edgelens.ErrRemoteUnreachable, err)
	}
	return string(out), nil
}

// fire drives the state machine and records the transition. A trigger the
// machine rejects means another path already moved it; the caller treats
// that as a stale observation.
func (s *Supervisor) fire(ctx context.Context, trigger string, detail string) bool {
	s.mu.Lock()
	from := s.machine.MustState().(edgelens.ProcessState)
	if err := s.machine.Fire(trigger); err != nil {
		s.mu.Unlock()
		tap.Logger(ctx).Debug("state trigger rejected", "trigger", trigger, "state", string(from))
		return false
	}
	to := s.machine.MustState().(edgelens.ProcessState)
	s.lastChange = time.Now()
	s.mu.Unlock()

	tap.Logger(ctx).Info("gateway state", "from", string(from), "to", string(to), "detail", detail)
	s.journal(ctx, edgelens.EventStateChange, fmt.Sprintf("%s -> %s", from, to), detail)
	return true
}

// journal appends a lifecycle event, logging rather than failing when the
// journal is unavailable.
func (s *Supervisor) journal(ctx context.Context, kind, subject, detail string) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.Append(kind, subject, detail); err != nil {
		tap.Logger(ctx).Warn("journal append failed", "kind", kind, "error", err)
	}
}
