package upgrade

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	nxerrors "github.com/nexusio/nexus/updater/errors"
	"github.com/nexusio/nexus/updater/internal/manifest"
	"github.com/nexusio/nexus/util"
	"github.com/nexusio/nexus/version"
)

// InstallationChecker reports whether a service is registered
type InstallationChecker interface {
	IsInstalled(name string) (bool, error)
}

// InitialInstallCoordinator installs the managed services on a fresh host
type InitialInstallCoordinator struct {
	services    []ManagedService
	identity    Identity
	orch        Orchestrator
	installed   InstallationChecker
	reinstaller *Reinstaller
	log         *log.Entry
}

// NewInitialInstallCoordinator creates an InitialInstallCoordinator
func NewInitialInstallCoordinator(services []ManagedService, identity Identity, orch Orchestrator, installed InstallationChecker, reinstaller *Reinstaller, logger *log.Entry) *InitialInstallCoordinator {
	return &InitialInstallCoordinator{
		services:    services,
		identity:    identity,
		orch:        orch,
		installed:   installed,
		reinstaller: reinstaller,
		log:         logger.WithField("component", "initial-install"),
	}
}

// Run downloads the bundle and installs every service it carries when the
// install gate allows it. It reports whether any service was installed.
func (c *InitialInstallCoordinator) Run(ctx context.Context) (bool, error) {
	c.log.Infof("starting initial installation")

	if _, err := c.orch.PerformInitialInstallation(ctx); err != nil {
		return false, fmt.Errorf("initial installation: %w", err)
	}

	if !c.shouldInstall() {
		c.log.Warnf("initial installation skipped by install gate")
		c.clean()
		return false, nil
	}

	var merr *multierror.Error
	installed := false
	for _, service := range c.services {
		candidate := c.orch.CandidatePath(service.CandidateName)
		if !util.FileExists(candidate) {
			c.log.Warnf("new binary %s is not in the bundle", candidate)
			continue
		}

		c.log.Infof("installing service %s", service.Name)
		if err := c.reinstaller.Reinstall(service, candidate, ArgumentsFor(service, c.identity)); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", service.Name, err))
			continue
		}
		installed = true
	}

	if installed {
		c.log.Infof("initial installation completed")
	} else {
		c.log.Infof("no services required installation")
	}
	c.clean()

	return installed, nxerrors.FormatErrorOrNil(merr)
}

func (c *InitialInstallCoordinator) shouldInstall() bool {
	gate, err := c.orch.LoadInstallGate()
	switch {
	case errors.Is(err, manifest.ErrGateAbsent):
		c.log.Warnf("%s not found, installing missing services", manifest.InstallGateFile)
		return !c.allInstalled()
	case err != nil:
		c.log.Errorf("failed to read %s, installing missing services: %v", manifest.InstallGateFile, err)
		return !c.allInstalled()
	}

	if gate.InstallReason != "" {
		c.log.Infof("initial install reason: %s", gate.InstallReason)
	}
	if gate.RequiredVersion != "" {
		c.log.Infof("required version: %s", gate.RequiredVersion)
		if ok, err := version.Satisfies(gate.RequiredVersion); err != nil {
			c.log.Warnf("cannot compare required version: %v", err)
		} else if !ok {
			c.log.Warnf("updater %s is older than the required %s", version.NexusVersion(), gate.RequiredVersion)
		}
	}
	for _, s := range gate.Services {
		c.log.Infof("bundle service %s, executable %s", s.Name, s.Exe)
	}

	if gate.EnableInitialInstall {
		return true
	}
	if !c.allInstalled() {
		c.log.Warnf("%s disables installation, but services are missing", manifest.InstallGateFile)
		return true
	}
	return false
}

func (c *InitialInstallCoordinator) allInstalled() bool {
	for _, service := range c.services {
		ok, err := c.installed.IsInstalled(service.Name)
		if err != nil {
			c.log.Warnf("failed to query %s: %v", service.Name, err)
			return false
		}
		if !ok {
			c.log.Infof("service %s is not installed", service.Name)
			return false
		}
	}
	return true
}

func (c *InitialInstallCoordinator) clean() {
	if err := c.orch.CleanExtractedFolder(); err != nil {
		c.log.Warnf("failed to clean extracted folder: %v", err)
	}
}
