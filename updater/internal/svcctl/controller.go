package svcctl

import (
	"errors"
)

var (
	// ErrNotInstalled is returned when the OS has no registration for the service
	ErrNotInstalled = errors.New("service not installed")
	// ErrCannotAcceptControl is a transient condition while the service changes state
	ErrCannotAcceptControl = errors.New("service cannot accept control messages")
	// ErrNotActive is returned when a control targets a service that is not running
	ErrNotActive = errors.New("service not active")
	// ErrTimeout is returned when a service does not reach the expected state in time
	ErrTimeout = errors.New("timed out waiting for service state")
)

// Status of an OS service
type Status int

const (
	StatusUnknown Status = iota
	StatusStopped
	StatusStartPending
	StatusStopPending
	StatusRunning
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStartPending:
		return "start-pending"
	case StatusStopPending:
		return "stop-pending"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ServiceType selects the process model of a Windows service
type ServiceType int

const (
	OwnProcess ServiceType = iota
	SharedProcess
)

// StartType selects when the OS starts the service
type StartType int

const (
	StartAutomatic StartType = iota
	StartManual
	StartDisabled
)

// Descriptor holds everything needed to register a service
type Descriptor struct {
	Name             string
	DisplayName      string
	Description      string
	BinaryPath       string
	Arguments        []string
	ServiceType      ServiceType
	StartType        StartType
	Dependencies     []string
	Account          string
	Password         string
	RestartOnFailure bool
}

// Controller is the OS service supervisor. Implementations issue a single
// control and return; waiting for state transitions is done by Lifecycle.
type Controller interface {
	Status(name string) (Status, error)
	Install(d Descriptor) error
	Delete(name string) error
	Start(name string, args ...string) error
	Stop(name string) error
}
