// Package svcctltest provides an in-memory svcctl.Controller for tests.
package svcctltest

import (
	"fmt"
	"sync"

	"github.com/nexusio/nexus/updater/internal/svcctl"
)

// Service is the fake OS state of one service
type Service struct {
	Status     svcctl.Status
	Descriptor svcctl.Descriptor
	StartArgs  [][]string
}

// Controller keeps services in memory and records every call
type Controller struct {
	mu       sync.Mutex
	services map[string]*Service
	calls    []string

	// OnStart overrides the status a service reaches after Start
	OnStart func(name string) (svcctl.Status, error)
	// StopErrors are returned, in order, by Stop before it succeeds
	StopErrors map[string][]error
	// StopIgnored leaves services running after Stop
	StopIgnored bool
	// InstallErr is returned by Install when set
	InstallErr error
}

// NewController creates an empty fake
func NewController() *Controller {
	return &Controller{
		services:   make(map[string]*Service),
		StopErrors: make(map[string][]error),
	}
}

// Add registers a service in the given state
func (c *Controller) Add(name string, status svcctl.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = &Service{Status: status, Descriptor: svcctl.Descriptor{Name: name}}
}

// Get returns a copy of the state of name
func (c *Controller) Get(name string) (Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.services[name]
	if !ok {
		return Service{}, false
	}
	return *s, true
}

// Calls returns the recorded calls as "op:name"
func (c *Controller) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CountCalls returns how often op was called for name
func (c *Controller) CountCalls(op, name string) int {
	n := 0
	for _, call := range c.Calls() {
		if call == op+":"+name {
			n++
		}
	}
	return n
}

func (c *Controller) record(op, name string) {
	c.calls = append(c.calls, op+":"+name)
}

func (c *Controller) Status(name string) (svcctl.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("status", name)

	s, ok := c.services[name]
	if !ok {
		return svcctl.StatusUnknown, svcctl.ErrNotInstalled
	}
	return s.Status, nil
}

func (c *Controller) Install(d svcctl.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("install", d.Name)

	if c.InstallErr != nil {
		return c.InstallErr
	}
	if _, ok := c.services[d.Name]; ok {
		return fmt.Errorf("service %s already exists", d.Name)
	}
	c.services[d.Name] = &Service{Status: svcctl.StatusStopped, Descriptor: d}
	return nil
}

func (c *Controller) Delete(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("delete", name)

	if _, ok := c.services[name]; !ok {
		return svcctl.ErrNotInstalled
	}
	delete(c.services, name)
	return nil
}

func (c *Controller) Start(name string, args ...string) error {
	c.mu.Lock()
	onStart := c.OnStart
	c.record("start", name)

	s, ok := c.services[name]
	if !ok {
		c.mu.Unlock()
		return svcctl.ErrNotInstalled
	}
	s.StartArgs = append(s.StartArgs, args)
	c.mu.Unlock()

	status := svcctl.StatusRunning
	if onStart != nil {
		var err error
		status, err = onStart(name)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.services[name]; ok {
		s.Status = status
	}
	return nil
}

func (c *Controller) Stop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("stop", name)

	s, ok := c.services[name]
	if !ok {
		return svcctl.ErrNotInstalled
	}

	if errs := c.StopErrors[name]; len(errs) > 0 {
		c.StopErrors[name] = errs[1:]
		return errs[0]
	}

	if s.Status != svcctl.StatusRunning {
		return svcctl.ErrNotActive
	}
	if !c.StopIgnored {
		s.Status = svcctl.StatusStopped
	}
	return nil
}
