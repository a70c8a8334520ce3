// Package engine supervises the mihomo proxy-engine subprocess. The
// supervisor owns the single live ProcessRecord; no other component may
// create or clear it.
package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/protocol"
)

// startProbeWindow is how long a freshly launched engine must survive
// before the launch is considered successful.
const startProbeWindow = 500 * time.Millisecond

// Supervisor starts, stops and restarts the engine subprocess and reports
// liveness by consulting the OS process table, never an internal flag.
type Supervisor struct {
	cfg core.EngineConfig

	mu      sync.Mutex
	rec     *protocol.EngineRecord
	cmd     *exec.Cmd
	done    chan error // closed result of cmd.Wait
	logFile *os.File
}

// NewSupervisor creates a supervisor with the daemon's engine defaults.
func NewSupervisor(cfg core.EngineConfig) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Start launches the engine with the given binary and config. An already
// running engine is a no-op success returning the existing record, so a
// double start can never leave an orphaned process behind.
//
// configContent, when non-nil, is written to configPath first; the bytes
// are opaque to the supervisor (the front-end validates the YAML).
func (s *Supervisor) Start(ctx context.Context, binaryPath, configPath string, configContent []byte) (*protocol.EngineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != nil && processAlive(s.rec.PID) {
		core.Log.Infof("Engine", "start requested but engine already running (pid=%d)", s.rec.PID)
		rec := *s.rec
		return &rec, nil
	}
	// Stale record: process died without us observing it.
	if s.rec != nil {
		core.Log.Warnf("Engine", "clearing stale record for dead pid=%d", s.rec.PID)
		s.clearLocked()
	}

	if binaryPath == "" {
		binaryPath = s.cfg.BinaryPath
	}
	if binaryPath == "" {
		return nil, protocol.Errf(protocol.DomainConfig, protocol.CodeMissingField, "no engine binary path configured")
	}
	if configPath == "" {
		configPath = s.cfg.ConfigPath
	}

	info, err := os.Stat(binaryPath)
	if err != nil {
		return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeNotExecutable, "engine binary %s: %v", binaryPath, err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeNotExecutable, "engine binary %s is not executable", binaryPath)
	}

	if configContent != nil {
		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeLaunchFailed, "create config dir: %v", err)
		}
		if err := os.WriteFile(configPath, configContent, 0o600); err != nil {
			return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeLaunchFailed, "write engine config: %v", err)
		}
	} else if _, err := os.Stat(configPath); err != nil {
		return nil, protocol.Errf(protocol.DomainConfig, protocol.CodeInvalidField, "engine config %s: %v", configPath, err)
	}

	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeLaunchFailed, "create data dir: %v", err)
	}

	logPath := filepath.Join(s.cfg.DataDir, "engine.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeLaunchFailed, "open engine log: %v", err)
	}

	cmd := exec.Command(binaryPath, "-f", configPath, "-d", s.cfg.DataDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeLaunchFailed, "start engine: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// An engine that dies within the probe window failed to launch
	// (bad port bind, broken config path, missing dylib, ...).
	select {
	case waitErr := <-done:
		logFile.Close()
		return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeExitedEarly,
			"engine exited immediately: %v", waitErr)
	case <-time.After(startProbeWindow):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		logFile.Close()
		return nil, protocol.Errf(protocol.DomainProcess, protocol.CodeLaunchFailed, "start cancelled: %v", ctx.Err())
	}

	rec := &protocol.EngineRecord{
		PID:         cmd.Process.Pid,
		StartedAt:   time.Now(),
		BinaryPath:  binaryPath,
		ConfigPath:  configPath,
		ControlAddr: s.cfg.ControlAddr,
		Secret:      uuid.NewString(),
	}
	s.rec = rec
	s.cmd = cmd
	s.done = done
	s.logFile = logFile

	core.Log.Infof("Engine", "started %s (pid=%d, control=%s)", binaryPath, rec.PID, rec.ControlAddr)
	recCopy := *rec
	return &recCopy, nil
}

// Stop terminates the tracked engine. Stopping an already-stopped engine is
// a benign success (stopped=false). The record is cleared regardless of
// whether the process exited cleanly.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) (stopped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx, timeout)
}

func (s *Supervisor) stopLocked(ctx context.Context, timeout time.Duration) (bool, error) {
	if s.rec == nil {
		return false, nil
	}
	pid := s.rec.PID
	if !processAlive(pid) {
		core.Log.Infof("Engine", "stop requested but pid=%d already gone", pid)
		s.clearLocked()
		return false, nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	core.Log.Infof("Engine", "stopping pid=%d", pid)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		core.Log.Warnf("Engine", "SIGTERM pid=%d: %v", pid, err)
	}

	select {
	case <-s.done:
		core.Log.Infof("Engine", "pid=%d exited cleanly", pid)
	case <-time.After(timeout):
		core.Log.Warnf("Engine", "pid=%d ignored SIGTERM for %s, sending SIGKILL", pid, timeout)
		_ = syscall.Kill(pid, syscall.SIGKILL)
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			// Even SIGKILL did not reap it; clear the record anyway and
			// let the OS deal with the zombie.
			s.clearLocked()
			return true, protocol.Errf(protocol.DomainProcess, protocol.CodeStopFailed,
				"engine pid=%d did not exit after SIGKILL", pid)
		}
	case <-ctx.Done():
		s.clearLocked()
		return true, protocol.Errf(protocol.DomainProcess, protocol.CodeStopFailed, "stop cancelled: %v", ctx.Err())
	}

	s.clearLocked()
	return true, nil
}

// Restart stops the engine (best effort) and starts it again with the same
// stored parameters. A failed stop is logged, never a reason to get stuck.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) (*protocol.EngineRecord, error) {
	s.mu.Lock()
	if s.rec == nil {
		s.mu.Unlock()
		return nil, protocol.Errf(protocol.DomainState, protocol.CodeUnavailable, "engine is not running")
	}
	binaryPath := s.rec.BinaryPath
	configPath := s.rec.ConfigPath
	if _, err := s.stopLocked(ctx, timeout); err != nil {
		core.Log.Warnf("Engine", "restart: stop failed, starting anyway: %v", err)
	}
	s.mu.Unlock()

	return s.Start(ctx, binaryPath, configPath, nil)
}

// Record returns a copy of the live process record, or nil when the engine
// is not running. Liveness comes from the OS process table so the answer
// stays truthful even if the engine died behind the supervisor's back.
func (s *Supervisor) Record() *protocol.EngineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	if !processAlive(s.rec.PID) {
		core.Log.Warnf("Engine", "pid=%d vanished from process table, clearing record", s.rec.PID)
		s.clearLocked()
		return nil
	}
	rec := *s.rec
	return &rec
}

// Running reports whether the engine process is alive.
func (s *Supervisor) Running() bool { return s.Record() != nil }

func (s *Supervisor) clearLocked() {
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	s.rec = nil
	s.cmd = nil
	s.done = nil
}

// processAlive checks the OS process table. Signal 0 probes existence
// without delivering anything; EPERM still means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
