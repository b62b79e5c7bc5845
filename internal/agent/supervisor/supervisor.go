// Package supervisor owns the lifecycle of persistent agent subprocesses:
// on-demand start, health probing, restart with capped exponential backoff,
// idle reaping, adoption of already-running instances, and two-phase
// shutdown.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gmgui/gmgui/internal/agent/catalog"
	"github.com/gmgui/gmgui/internal/agent/proc"
	apperr "github.com/gmgui/gmgui/internal/common/errors"
	"github.com/gmgui/gmgui/internal/common/logger"
	"github.com/gmgui/gmgui/internal/common/metrics"
	v1 "github.com/gmgui/gmgui/pkg/api/v1"
)

const (
	// Health probing.
	healthTimeout  = 3 * time.Second
	probeInterval  = 500 * time.Millisecond
	probeDeadline  = 10 * time.Second
	healthEndpoint = "/provider"

	// Restart policy.
	restartWindow      = 5 * time.Minute
	maxRestarts        = 10
	defaultBackoffBase = time.Second
	backoffCeiling     = 30 * time.Second

	// Termination.
	stopGrace    = 3 * time.Second
	stopAllGrace = 5 * time.Second
	idleKillLag  = 5 * time.Second

	defaultIdleTimeout = 120 * time.Second
)

// AgentStatus is one row of the supervisor's status snapshot. Failed marks an
// agent dropped by the restart-storm guard; an explicit Restart revives it.
type AgentStatus struct {
	ID           string `json:"id"`
	Running      bool   `json:"running"`
	Healthy      bool   `json:"healthy"`
	Adopted      bool   `json:"adopted"`
	Failed       bool   `json:"failed,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Port         int    `json:"port,omitempty"`
	UptimeMs     int64  `json:"uptimeMs,omitempty"`
	RestartCount int    `json:"restartCount"`
	IdleMs       int64  `json:"idleMs,omitempty"`
}

// managed is the supervisor's per-agent state. All fields are guarded by the
// supervisor mutex except exited, which is closed by the monitor goroutine.
type managed struct {
	entry     *catalog.Entry
	cmd       *exec.Cmd
	pid       int
	port      int
	startedAt time.Time
	lastUsed  time.Time
	restarts  []time.Time
	healthy   bool
	stopping  bool
	adopted   bool
	idleTimer *time.Timer
	exited    chan struct{}
}

// Supervisor manages persistent agent subprocesses from the catalog.
type Supervisor struct {
	catalog     *catalog.Catalog
	logger      *logger.Logger
	client      *http.Client
	idleTimeout time.Duration
	backoffBase time.Duration

	mu           sync.Mutex
	agents       map[string]*managed
	failed       map[string]bool
	shuttingDown bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithIdleTimeout overrides the default 120 s idle reap timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// New creates a Supervisor over the given catalog.
func New(cat *catalog.Catalog, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		catalog:     cat,
		logger:      log.WithFields(zap.String("component", "supervisor")),
		client:      &http.Client{Timeout: healthTimeout},
		idleTimeout: defaultIdleTimeout,
		backoffBase: defaultBackoffBase,
		agents:      make(map[string]*managed),
		failed:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AdoptRunning probes every persistent catalog agent once and adopts any
// instance that already answers its health endpoint. Called at startup.
func (s *Supervisor) AdoptRunning(ctx context.Context) {
	for _, entry := range s.catalog.List() {
		if !entry.Persistent() {
			continue
		}
		if !s.probe(ctx, entry.HealthPort) {
			continue
		}

		s.mu.Lock()
		if _, exists := s.agents[entry.ID]; !exists {
			m := &managed{
				entry:     entry,
				port:      entry.HealthPort,
				startedAt: time.Now(),
				lastUsed:  time.Now(),
				healthy:   true,
				adopted:   true,
			}
			s.agents[entry.ID] = m
			s.logger.Info("Adopted running agent",
				zap.String("agent", entry.ID),
				zap.Int("port", entry.HealthPort))
		}
		s.mu.Unlock()
	}
}

// EnsureRunning makes sure the agent's process is up and healthy, and returns
// the port it listens on. For an already-healthy agent it refreshes the idle
// timer and returns immediately. Otherwise it starts the process and probes
// every 500 ms for up to 10 s.
func (s *Supervisor) EnsureRunning(ctx context.Context, agentID string) (int, error) {
	entry, ok := s.catalog.Get(agentID)
	if !ok {
		return 0, apperr.NotFound("agent", agentID)
	}
	if !entry.Persistent() {
		return 0, apperr.BadRequest(fmt.Sprintf("agent %s is spawned per run and has no port", agentID))
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return 0, apperr.Unavailable("supervisor is shutting down")
	}
	if s.failed[agentID] {
		// Dropped by the restart-storm guard; only an explicit Restart revives it.
		s.mu.Unlock()
		return 0, apperr.Unavailable(fmt.Sprintf("agent %s is failing and was dropped; restart it explicitly", agentID))
	}
	if m, exists := s.agents[agentID]; exists && m.healthy && !m.stopping {
		s.touchLocked(m)
		port := m.port
		s.mu.Unlock()
		return port, nil
	}
	s.mu.Unlock()

	// An instance someone else started gets adopted rather than replaced.
	if s.probe(ctx, entry.HealthPort) {
		s.mu.Lock()
		m, exists := s.agents[agentID]
		if !exists {
			m = &managed{entry: entry, port: entry.HealthPort, startedAt: time.Now(), adopted: true}
			s.agents[agentID] = m
			s.logger.Info("Adopted running agent", zap.String("agent", agentID))
		}
		m.healthy = true
		s.touchLocked(m)
		s.mu.Unlock()
		return entry.HealthPort, nil
	}

	if err := s.start(entry, nil); err != nil {
		return 0, apperr.Unavailable(fmt.Sprintf("failed to start agent %s: %v", agentID, err))
	}

	if err := s.awaitHealthy(ctx, agentID, entry.HealthPort); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if m, exists := s.agents[agentID]; exists {
		m.healthy = true
		s.touchLocked(m)
	}
	s.mu.Unlock()
	return entry.HealthPort, nil
}

// Touch extends the idle timer of a running agent.
func (s *Supervisor) Touch(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, exists := s.agents[agentID]; exists {
		s.touchLocked(m)
	}
}

// touchLocked refreshes last-used and re-arms the idle reap timer.
// Adopted instances are never reaped; their lifecycle is not ours.
func (s *Supervisor) touchLocked(m *managed) {
	m.lastUsed = time.Now()
	if m.adopted {
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	agentID := m.entry.ID
	m.idleTimer = time.AfterFunc(s.idleTimeout, func() { s.reapIdle(agentID) })
}

// Status returns a snapshot of every managed agent.
func (s *Supervisor) Status() []AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := make([]AgentStatus, 0, len(s.agents))
	for id, m := range s.agents {
		status := AgentStatus{
			ID:           id,
			Running:      true,
			Healthy:      m.healthy,
			Adopted:      m.adopted,
			PID:          m.pid,
			Port:         m.port,
			UptimeMs:     now.Sub(m.startedAt).Milliseconds(),
			RestartCount: len(m.restarts),
			IdleMs:       now.Sub(m.lastUsed).Milliseconds(),
		}
		result = append(result, status)
	}
	for id := range s.failed {
		if _, running := s.agents[id]; running {
			continue
		}
		result = append(result, AgentStatus{ID: id, Failed: true})
	}
	return result
}

// Restart stops the agent's process and starts a fresh one. It also restores
// an agent previously dropped by the restart-storm guard.
func (s *Supervisor) Restart(ctx context.Context, agentID string) error {
	entry, ok := s.catalog.Get(agentID)
	if !ok {
		return apperr.NotFound("agent", agentID)
	}
	if !entry.Persistent() {
		return apperr.BadRequest(fmt.Sprintf("agent %s is spawned per run", agentID))
	}

	s.mu.Lock()
	m, exists := s.agents[agentID]
	if exists {
		m.stopping = true
	}
	s.mu.Unlock()

	if exists && !m.adopted {
		s.stopProcess(m)
	}

	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()

	if err := s.start(entry, nil); err != nil {
		return apperr.Unavailable(fmt.Sprintf("failed to restart agent %s: %v", agentID, err))
	}
	return s.awaitHealthy(ctx, agentID, entry.HealthPort)
}

// QueryModels asks the agent's provider endpoint for its model list. Any
// failure yields an empty list; model listing is best-effort.
func (s *Supervisor) QueryModels(ctx context.Context, agentID string) []v1.ModelInfo {
	entry, ok := s.catalog.Get(agentID)
	if !ok || !entry.Persistent() {
		return []v1.ModelInfo{}
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", entry.HealthPort, healthEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return []v1.ModelInfo{}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return []v1.ModelInfo{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return []v1.ModelInfo{}
	}

	var body struct {
		Models []v1.ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return []v1.ModelInfo{}
	}
	if body.Models == nil {
		return []v1.ModelInfo{}
	}
	return body.Models
}

// StopAll terminates every owned agent process: soft signal first, hard
// signal after 5 s. Adopted instances are left running.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	s.shuttingDown = true
	targets := make([]*managed, 0, len(s.agents))
	for _, m := range s.agents {
		m.stopping = true
		if m.idleTimer != nil {
			m.idleTimer.Stop()
		}
		if !m.adopted {
			targets = append(targets, m)
		}
	}
	s.agents = make(map[string]*managed)
	s.mu.Unlock()

	var g errgroup.Group
	for _, m := range targets {
		m := m
		g.Go(func() error {
			if err := s.terminate(m, stopAllGrace); err != nil {
				return fmt.Errorf("agent %s: %w", m.entry.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// start spawns the agent binary and installs exit monitoring. restarts
// carries the rolling restart history into the replacement process.
func (s *Supervisor) start(entry *catalog.Entry, restarts []time.Time) error {
	cmd := exec.Command(entry.Binary, entry.Args...)
	proc.SetAttributes(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s (package %s): %w", entry.Binary, entry.Package, err)
	}

	m := &managed{
		entry:     entry,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		port:      entry.HealthPort,
		startedAt: time.Now(),
		lastUsed:  time.Now(),
		restarts:  restarts,
		exited:    make(chan struct{}),
	}

	s.mu.Lock()
	s.agents[entry.ID] = m
	delete(s.failed, entry.ID)
	s.mu.Unlock()
	metrics.AgentProcesses.Inc()

	go s.forwardOutput(entry.ID, "stdout", stdout)
	go s.forwardOutput(entry.ID, "stderr", stderr)
	go s.monitorExit(m)

	s.logger.Info("Agent process started",
		zap.String("agent", entry.ID),
		zap.Int("pid", m.pid),
		zap.Int("port", m.port))
	return nil
}

// forwardOutput copies a child stream into the structured log.
func (s *Supervisor) forwardOutput(agentID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("agent output",
			zap.String("agent", agentID),
			zap.String("stream", stream),
			zap.String("line", scanner.Text()))
	}
}

// monitorExit waits for the child and drives the restart policy on an
// unexpected exit.
func (s *Supervisor) monitorExit(m *managed) {
	err := m.cmd.Wait()
	close(m.exited)
	metrics.AgentProcesses.Dec()

	s.mu.Lock()
	stopping := m.stopping || s.shuttingDown
	if current, exists := s.agents[m.entry.ID]; exists && current == m {
		delete(s.agents, m.entry.ID)
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	s.mu.Unlock()

	if stopping {
		s.logger.Info("Agent process stopped", zap.String("agent", m.entry.ID))
		return
	}

	s.logger.Warn("Agent process exited unexpectedly",
		zap.String("agent", m.entry.ID),
		zap.Int("pid", m.pid),
		zap.Error(err))
	s.scheduleRestart(m)
}

// scheduleRestart applies the capped exponential backoff policy. More than 10
// restarts inside the 5-minute window drops the agent until an explicit
// Restart call.
func (s *Supervisor) scheduleRestart(m *managed) {
	recent := pruneWindow(m.restarts, time.Now(), restartWindow)
	if len(recent) >= maxRestarts {
		s.logger.Error("Agent restarting too fast, giving up",
			zap.String("agent", m.entry.ID),
			zap.Int("restarts", len(recent)))
		s.mu.Lock()
		s.failed[m.entry.ID] = true
		s.mu.Unlock()
		return
	}

	delay := backoffDelay(s.backoffBase, len(recent))
	s.logger.Info("Scheduling agent restart",
		zap.String("agent", m.entry.ID),
		zap.Duration("delay", delay),
		zap.Int("recent_restarts", len(recent)))

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			return
		}
		if _, exists := s.agents[m.entry.ID]; exists {
			// Someone already brought the agent back.
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.start(m.entry, recent); err != nil {
			s.logger.Error("Agent restart failed",
				zap.String("agent", m.entry.ID),
				zap.Error(err))
			return
		}
		metrics.AgentRestarts.WithLabelValues(m.entry.ID).Inc()

		// The timestamp is recorded only once the replacement is running.
		s.mu.Lock()
		if next, exists := s.agents[m.entry.ID]; exists {
			next.restarts = append(next.restarts, time.Now())
		}
		s.mu.Unlock()
	})
}

// reapIdle stops an agent that sat unused past the idle timeout.
func (s *Supervisor) reapIdle(agentID string) {
	s.mu.Lock()
	m, exists := s.agents[agentID]
	if !exists || m.adopted || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	if time.Since(m.lastUsed) < s.idleTimeout {
		s.mu.Unlock()
		return
	}
	m.stopping = true
	delete(s.agents, agentID)
	s.mu.Unlock()

	s.logger.Info("Stopping idle agent", zap.String("agent", agentID))
	if err := s.terminate(m, idleKillLag); err != nil {
		s.logger.Warn("Idle agent stop failed", zap.String("agent", agentID), zap.Error(err))
	}
}

// stopProcess performs the standard two-phase stop with the 3 s grace used
// for individual stops.
func (s *Supervisor) stopProcess(m *managed) {
	if err := s.terminate(m, stopGrace); err != nil {
		s.logger.Warn("Agent stop failed", zap.String("agent", m.entry.ID), zap.Error(err))
	}
}

// terminate sends the soft signal, waits for the grace period, and escalates
// to the hard signal. Where the child leads a process group the whole group
// is signalled so nested children terminate too.
func (s *Supervisor) terminate(m *managed, grace time.Duration) error {
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}

	if err := proc.SignalSoft(m.cmd); err != nil {
		// Process may already be gone.
		s.logger.Debug("Soft signal failed", zap.String("agent", m.entry.ID), zap.Error(err))
	}

	select {
	case <-m.exited:
		return nil
	case <-time.After(grace):
	}

	if err := proc.SignalHard(m.cmd); err != nil {
		return fmt.Errorf("hard kill: %w", err)
	}

	select {
	case <-m.exited:
		return nil
	case <-time.After(stopGrace):
		return fmt.Errorf("process %d did not exit after hard kill", m.pid)
	}
}

// awaitHealthy polls the health endpoint until it answers or the deadline
// passes.
func (s *Supervisor) awaitHealthy(ctx context.Context, agentID string, port int) error {
	deadline := time.Now().Add(probeDeadline)
	for time.Now().Before(deadline) {
		if s.probe(ctx, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperr.Unavailable(fmt.Sprintf("agent %s startup interrupted", agentID))
		case <-time.After(probeInterval):
		}
	}
	return apperr.Unavailable(fmt.Sprintf("agent %s did not become healthy within %s", agentID, probeDeadline))
}

// probe issues one health check against the agent's provider endpoint.
func (s *Supervisor) probe(ctx context.Context, port int) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// pruneWindow drops restart timestamps older than the rolling window.
func pruneWindow(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	recent := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}

// backoffDelay computes the restart delay for the nth restart in the window:
// min(1s * 2^n, 30s).
func backoffDelay(base time.Duration, n int) time.Duration {
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= backoffCeiling {
			return backoffCeiling
		}
	}
	if delay > backoffCeiling {
		return backoffCeiling
	}
	return delay
}
