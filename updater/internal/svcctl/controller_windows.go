package svcctl

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const recoveryResetPeriod = 24 * 60 * 60 // seconds

// SCMController talks to the Windows service control manager
type SCMController struct {
	log *log.Entry
}

// NewController returns the controller for the current OS
func NewController(logger *log.Entry) Controller {
	return &SCMController{log: logger.WithField("controller", "scm")}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST):
		return fmt.Errorf("%w: %w", ErrNotInstalled, err)
	case errors.Is(err, windows.ERROR_SERVICE_CANNOT_ACCEPT_CTRL):
		return fmt.Errorf("%w: %w", ErrCannotAcceptControl, err)
	case errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE):
		return fmt.Errorf("%w: %w", ErrNotActive, err)
	default:
		return err
	}
}

func (c *SCMController) withService(name string, fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer func() {
		if err := m.Disconnect(); err != nil {
			c.log.Debugf("disconnect from service manager: %v", err)
		}
	}()

	s, err := m.OpenService(name)
	if err != nil {
		return mapError(err)
	}
	defer s.Close()

	return mapError(fn(s))
}

func (c *SCMController) Status(name string) (Status, error) {
	var status Status
	err := c.withService(name, func(s *mgr.Service) error {
		st, err := s.Query()
		if err != nil {
			return err
		}
		status = fromState(st.State)
		return nil
	})
	return status, err
}

func fromState(state svc.State) Status {
	switch state {
	case svc.Stopped:
		return StatusStopped
	case svc.StartPending, svc.ContinuePending:
		return StatusStartPending
	case svc.StopPending, svc.PausePending:
		return StatusStopPending
	case svc.Running:
		return StatusRunning
	case svc.Paused:
		return StatusPaused
	default:
		return StatusUnknown
	}
}

func (c *SCMController) Install(d Descriptor) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer func() {
		if err := m.Disconnect(); err != nil {
			c.log.Debugf("disconnect from service manager: %v", err)
		}
	}()

	cfg := mgr.Config{
		DisplayName:      d.DisplayName,
		Description:      d.Description,
		ServiceType:      windows.SERVICE_WIN32_OWN_PROCESS,
		StartType:        mgr.StartAutomatic,
		ErrorControl:     mgr.ErrorNormal,
		Dependencies:     d.Dependencies,
		ServiceStartName: d.Account,
		Password:         d.Password,
	}
	if d.ServiceType == SharedProcess {
		cfg.ServiceType = windows.SERVICE_WIN32_SHARE_PROCESS
	}
	switch d.StartType {
	case StartManual:
		cfg.StartType = mgr.StartManual
	case StartDisabled:
		cfg.StartType = mgr.StartDisabled
	}

	s, err := m.CreateService(d.Name, d.BinaryPath, cfg, d.Arguments...)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	defer s.Close()

	if d.RestartOnFailure {
		actions := []mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 60 * time.Second},
		}
		if err := s.SetRecoveryActions(actions, recoveryResetPeriod); err != nil {
			c.log.Warnf("failed to set recovery actions for %s: %v", d.Name, err)
		}
	}

	return nil
}

func (c *SCMController) Delete(name string) error {
	return c.withService(name, func(s *mgr.Service) error {
		return s.Delete()
	})
}

func (c *SCMController) Start(name string, args ...string) error {
	return c.withService(name, func(s *mgr.Service) error {
		return s.Start(args...)
	})
}

func (c *SCMController) Stop(name string) error {
	return c.withService(name, func(s *mgr.Service) error {
		_, err := s.Control(svc.Stop)
		return err
	})
}
