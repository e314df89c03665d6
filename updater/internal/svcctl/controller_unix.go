//go:build !windows

package svcctl

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
)

// controlOnly satisfies service.Interface for services this process only controls
type controlOnly struct{}

func (controlOnly) Start(service.Service) error { return nil }
func (controlOnly) Stop(service.Service) error  { return nil }

// SupervisorController drives the host supervisor (systemd, launchd, sysv) through kardianos/service
type SupervisorController struct {
	log *log.Entry
}

// NewController returns the controller for the current OS
func NewController(logger *log.Entry) Controller {
	return &SupervisorController{log: logger.WithField("controller", "supervisor")}
}

func (c *SupervisorController) handle(cfg *service.Config) (service.Service, error) {
	s, err := service.New(controlOnly{}, cfg)
	if err != nil {
		return nil, fmt.Errorf("create service handle: %w", err)
	}
	return s, nil
}

func (c *SupervisorController) Status(name string) (Status, error) {
	s, err := c.handle(&service.Config{Name: name})
	if err != nil {
		return StatusUnknown, err
	}

	status, err := s.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return StatusUnknown, ErrNotInstalled
	}
	if err != nil {
		return StatusUnknown, err
	}

	switch status {
	case service.StatusRunning:
		return StatusRunning, nil
	case service.StatusStopped:
		return StatusStopped, nil
	default:
		return StatusUnknown, nil
	}
}

func (c *SupervisorController) Install(d Descriptor) error {
	cfg := &service.Config{
		Name:         d.Name,
		DisplayName:  d.DisplayName,
		Description:  d.Description,
		Executable:   d.BinaryPath,
		Arguments:    d.Arguments,
		Dependencies: d.Dependencies,
		UserName:     d.Account,
		Option:       make(service.KeyValue),
	}

	if runtime.GOOS == "linux" && len(cfg.Dependencies) == 0 {
		// Respected only by systemd systems
		cfg.Dependencies = []string{"After=network.target syslog.target"}
	}
	if d.RestartOnFailure {
		cfg.Option["Restart"] = "on-failure"
	}
	if d.StartType != StartAutomatic {
		c.log.Debugf("start type %d is not supported by the host supervisor, %s will start automatically", d.StartType, d.Name)
	}

	s, err := c.handle(cfg)
	if err != nil {
		return err
	}
	return s.Install()
}

func (c *SupervisorController) Delete(name string) error {
	s, err := c.handle(&service.Config{Name: name})
	if err != nil {
		return err
	}
	return s.Uninstall()
}

func (c *SupervisorController) Start(name string, args ...string) error {
	if len(args) > 0 {
		c.log.Debugf("start arguments for %s are fixed at install time, ignoring %v", name, args)
	}

	s, err := c.handle(&service.Config{Name: name})
	if err != nil {
		return err
	}
	return s.Start()
}

func (c *SupervisorController) Stop(name string) error {
	s, err := c.handle(&service.Config{Name: name})
	if err != nil {
		return err
	}
	return s.Stop()
}
