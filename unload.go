package hymolkm

import (
	"bytes"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// unloadStrategy is one way of removing a module from the kernel.
type unloadStrategy interface {
	name() string
	unload(module string) error
}

// syscallUnload removes the module with blocking delete_module, retrying
// while the kernel reports it busy.
type syscallUnload struct {
	kernel    Kernel
	kernelErr error
	attempts  int
	delay     time.Duration
	logger    *zap.Logger
}

func (s *syscallUnload) name() string { return "delete_module" }

func (s *syscallUnload) unload(module string) error {
	if s.kernelErr != nil {
		return s.kernelErr
	}
	// WithMaxRetries treats zero as unlimited.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.attempts > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.delay), uint64(s.attempts-1))
	}

	// No O_NONBLOCK: the kernel waits for references to drain instead of
	// failing fast with EAGAIN.
	op := func() error {
		err := s.kernel.DeleteModule(module, 0)
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		s.logger.Debug("module busy, retrying delete_module", zap.Error(err), zap.Duration("backoff", next))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("delete_module %s failed: %w", module, err)
	}
	return nil
}

// rmmodUnload removes the module by running the system's rmmod.
type rmmodUnload struct {
	path string
	run  func(name string, args ...string) error
}

func (r *rmmodUnload) name() string { return "rmmod" }

func (r *rmmodUnload) unload(module string) error {
	if err := r.run(r.path, module); err != nil {
		return fmt.Errorf("rmmod %s failed: %w", module, err)
	}
	return nil
}

// runCommand runs name with args and reports its trimmed output on failure.
// Exit status 0 is success; any other status or a signal is an error.
func runCommand(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		if msg := bytes.TrimSpace(out); len(msg) > 0 {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (m *Manager) unloaders() []unloadStrategy {
	s := []unloadStrategy{&syscallUnload{
		kernel:    m.kernel,
		kernelErr: m.kernelErr,
		attempts:  m.unloadRetries,
		delay:     m.retryDelay,
		logger:    m.logger,
	}}
	if m.rmmodPath != "" {
		s = append(s, &rmmodUnload{path: m.rmmodPath, run: m.run})
	}
	return s
}

// Unload drains the control channel and removes the module. It returns nil
// if the module was not loaded to begin with.
func (m *Manager) Unload() error {
	if !m.control.Available() {
		m.logger.Debug("module not loaded, nothing to unload")
		return nil
	}

	drainErr := m.drain()

	var errs error
	for _, s := range m.unloaders() {
		err := s.unload(ModuleName)
		if err == nil {
			m.control.InvalidateStatusCache()
			if drainErr != nil {
				m.logger.Warn("module unloaded after incomplete drain", zap.Error(drainErr))
			}
			m.logger.Info("module unloaded", zap.String("method", s.name()))
			return nil
		}
		m.logger.Warn("unload attempt failed", zap.String("method", s.name()), zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	kind := KindKernelReject
	if isBusy(errs) {
		kind = KindBusy
	}
	err := &Error{
		Op:     "unload",
		Kind:   kind,
		Reason: "cannot remove " + ModuleName,
		Err:    multierr.Append(errs, drainErr),
		Hint:   busyHint,
	}
	m.logger.Error("module unload failed", zap.Error(err))
	return err
}

// drain quiesces the module before removal: hooks off, rules cleared, this
// process's handle released, then a pause for in-flight work. Failures are
// returned as warnings; delete_module remains the authoritative gate.
func (m *Manager) drain() error {
	var warn error
	if err := m.control.SetEnabled(false); err != nil {
		m.logger.Warn("disable hooks before unload", zap.Error(err))
		warn = multierr.Append(warn, fmt.Errorf("disable hooks: %w", err))
	}
	if err := m.control.ClearRules(); err != nil {
		m.logger.Warn("failed to clear HymoFS rules before unload", zap.Error(err))
		warn = multierr.Append(warn, fmt.Errorf("clear rules: %w", err))
	}
	m.control.ReleaseConnection()
	if m.drainDelay > 0 {
		m.sleep(m.drainDelay)
	}
	return warn
}
