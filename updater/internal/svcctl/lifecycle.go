package svcctl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	nxerrors "github.com/nexusio/nexus/updater/errors"
)

// PollPolicy bounds a wait loop
type PollPolicy struct {
	Attempts int
	Interval time.Duration
}

// Timings configures every wait loop of Lifecycle
type Timings struct {
	// Stop bounds waiting for Stopped after a stop control
	Stop PollPolicy
	// StopRetry bounds re-sending stop on transient control errors during restart
	StopRetry PollPolicy
	// Uninstall bounds waiting for Stopped before delete and for the registration to disappear
	Uninstall PollPolicy
	// Restart bounds waiting for Stopped during restart
	Restart PollPolicy
}

// DefaultTimings returns production wait bounds
func DefaultTimings() Timings {
	return Timings{
		Stop:      PollPolicy{Attempts: 10, Interval: 500 * time.Millisecond},
		StopRetry: PollPolicy{Attempts: 5, Interval: time.Second},
		Uninstall: PollPolicy{Attempts: 60, Interval: 500 * time.Millisecond},
		Restart:   PollPolicy{Attempts: 60, Interval: 500 * time.Millisecond},
	}
}

// Lifecycle drives services through state transitions with bounded polling.
// It also keeps a registry of descriptors for batch operations.
type Lifecycle struct {
	ctl     Controller
	log     *log.Entry
	timings Timings
	sleep   func(time.Duration)

	mu       sync.Mutex
	registry []Descriptor
}

// NewLifecycle creates a Lifecycle on top of ctl
func NewLifecycle(ctl Controller, timings Timings, logger *log.Entry) *Lifecycle {
	return &Lifecycle{
		ctl:     ctl,
		log:     logger.WithField("component", "svcctl"),
		timings: timings,
		sleep:   time.Sleep,
	}
}

// QueryStatus returns the current status of name
func (l *Lifecycle) QueryStatus(name string) (Status, error) {
	return l.ctl.Status(name)
}

// IsInstalled reports whether name is registered with the OS
func (l *Lifecycle) IsInstalled(name string) (bool, error) {
	_, err := l.ctl.Status(name)
	if errors.Is(err, ErrNotInstalled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsRunning reports whether name is running
func (l *Lifecycle) IsRunning(name string) (bool, error) {
	status, err := l.ctl.Status(name)
	if errors.Is(err, ErrNotInstalled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusRunning, nil
}

// Install registers d with the OS
func (l *Lifecycle) Install(d Descriptor) error {
	if err := l.ctl.Install(d); err != nil {
		return fmt.Errorf("install %s: %w", d.Name, err)
	}
	l.log.Infof("service %s installed from %s", d.Name, d.BinaryPath)
	return nil
}

// Start asks the OS to start name with args
func (l *Lifecycle) Start(name string, args ...string) error {
	if err := l.ctl.Start(name, args...); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	l.log.Infof("service %s start requested", name)
	return nil
}

// Stop stops name and waits until it reports stopped. Stopping a stopped service is a no-op.
func (l *Lifecycle) Stop(name string) error {
	status, err := l.ctl.Status(name)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if status == StatusStopped {
		return nil
	}

	if err := l.ctl.Stop(name); err != nil {
		switch {
		case errors.Is(err, ErrNotActive), errors.Is(err, ErrCannotAcceptControl):
			l.log.Debugf("stop %s: %v, waiting for state", name, err)
		default:
			return fmt.Errorf("stop %s: %w", name, err)
		}
	}

	if err := l.waitFor(name, StatusStopped, l.timings.Stop); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	l.log.Infof("service %s stopped", name)
	return nil
}

// Restart stops name if needed, retrying transient control errors, and starts it with args
func (l *Lifecycle) Restart(name string, args ...string) error {
	status, err := l.ctl.Status(name)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}

	if status != StatusStopped {
		if err := l.stopWithRetry(name); err != nil {
			return fmt.Errorf("restart %s: %w", name, err)
		}
		if err := l.waitFor(name, StatusStopped, l.timings.Restart); err != nil {
			return fmt.Errorf("restart %s: %w", name, err)
		}
	}

	return l.Start(name, args...)
}

// Uninstall stops name, waits for it to stop and removes its registration
func (l *Lifecycle) Uninstall(name string) error {
	installed, err := l.IsInstalled(name)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if !installed {
		l.log.Debugf("service %s is not installed", name)
		return nil
	}

	if err := l.Stop(name); err != nil {
		l.log.Warnf("failed to stop %s before removal: %v", name, err)
	}
	if err := l.waitFor(name, StatusStopped, l.timings.Uninstall); err != nil {
		return fmt.Errorf("uninstall %s: %w", name, err)
	}

	if err := l.ctl.Delete(name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}

	if err := l.waitForRemoval(name, l.timings.Uninstall); err != nil {
		return fmt.Errorf("uninstall %s: %w", name, err)
	}

	l.log.Infof("service %s uninstalled", name)
	return nil
}

func (l *Lifecycle) stopWithRetry(name string) error {
	policy := l.timings.StopRetry
	var lastErr error
	for attempt := 1; attempt <= max(policy.Attempts, 1); attempt++ {
		err := l.ctl.Stop(name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrCannotAcceptControl) && !errors.Is(err, ErrNotActive) {
			return fmt.Errorf("stop: %w", err)
		}
		lastErr = err
		l.log.Debugf("stop %s attempt %d/%d: %v", name, attempt, policy.Attempts, err)

		if status, serr := l.ctl.Status(name); serr == nil && status == StatusStopped {
			return nil
		}
		l.sleep(policy.Interval)
	}
	return fmt.Errorf("stop: %w", lastErr)
}

func (l *Lifecycle) waitFor(name string, want Status, policy PollPolicy) error {
	var last Status
	for attempt := 0; attempt < max(policy.Attempts, 1); attempt++ {
		status, err := l.ctl.Status(name)
		if err != nil {
			return err
		}
		if status == want {
			return nil
		}
		last = status
		l.sleep(policy.Interval)
	}
	return fmt.Errorf("%w: %s is %s, want %s", ErrTimeout, name, last, want)
}

func (l *Lifecycle) waitForRemoval(name string, policy PollPolicy) error {
	for attempt := 0; attempt < max(policy.Attempts, 1); attempt++ {
		installed, err := l.IsInstalled(name)
		if err != nil {
			return err
		}
		if !installed {
			return nil
		}
		l.sleep(policy.Interval)
	}
	return fmt.Errorf("%w: %s is still registered", ErrTimeout, name)
}

// Register adds d to the registry, replacing an entry with the same name
func (l *Lifecycle) Register(d Descriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.registry {
		if l.registry[i].Name == d.Name {
			l.registry[i] = d
			return
		}
	}
	l.registry = append(l.registry, d)
}

// Registered returns a copy of the registry in registration order
func (l *Lifecycle) Registered() []Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Descriptor(nil), l.registry...)
}

// InstallAll installs every registered service that is not installed yet
func (l *Lifecycle) InstallAll() error {
	return l.forEach(func(d Descriptor) error {
		installed, err := l.IsInstalled(d.Name)
		if err != nil {
			return err
		}
		if installed {
			return nil
		}
		return l.Install(d)
	})
}

// StartAll starts every registered service that is not running
func (l *Lifecycle) StartAll() error {
	return l.forEach(func(d Descriptor) error {
		running, err := l.IsRunning(d.Name)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
		return l.Start(d.Name)
	})
}

// StopAll stops every registered service
func (l *Lifecycle) StopAll() error {
	return l.forEach(func(d Descriptor) error {
		installed, err := l.IsInstalled(d.Name)
		if err != nil || !installed {
			return err
		}
		return l.Stop(d.Name)
	})
}

// UninstallAll removes every registered service
func (l *Lifecycle) UninstallAll() error {
	return l.forEach(func(d Descriptor) error {
		return l.Uninstall(d.Name)
	})
}

// StatusAll returns the status of every registered service
func (l *Lifecycle) StatusAll() map[string]Status {
	out := make(map[string]Status)
	_ = l.forEach(func(d Descriptor) error {
		status, err := l.ctl.Status(d.Name)
		if err != nil {
			status = StatusUnknown
		}
		out[d.Name] = status
		return nil
	})
	return out
}

// forEach holds the registry lock for the whole batch. fn must not call registry methods.
func (l *Lifecycle) forEach(fn func(Descriptor) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var merr *multierror.Error
	for _, d := range l.registry {
		if err := fn(d); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", d.Name, err))
		}
	}
	return nxerrors.FormatErrorOrNil(merr)
}
