package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	nxerrors "github.com/nexusio/nexus/updater/errors"
	"github.com/nexusio/nexus/updater/internal/manifest"
	"github.com/nexusio/nexus/updater/internal/metrics"
	"github.com/nexusio/nexus/updater/internal/orchestrator"
	"github.com/nexusio/nexus/util"
)

// Action taken for a service in a cycle
type Action string

const (
	ActionSkipped   Action = "skipped"
	ActionUnchanged Action = "unchanged"
	ActionInstalled Action = "installed"
	ActionSwapped   Action = "swapped"
	ActionFailed    Action = "failed"
)

// Orchestrator is the download and extraction stage of a cycle
type Orchestrator interface {
	RunUpdateCycle(ctx context.Context) (orchestrator.Outcome, error)
	PerformInitialInstallation(ctx context.Context) (bool, error)
	NeedsFullReinstall() bool
	CandidatePath(candidateName string) string
	LoadInstallGate() (manifest.InstallGate, error)
	CleanExtractedFolder() error
}

// HashComparer compares an installed binary with its candidate
type HashComparer interface {
	CheckAndUpdate(oldPath, newPath string) (bool, error)
}

// Swapper replaces a binary in place and restarts its service
type Swapper interface {
	UpdateAndRestart(serviceName, newBinaryPath, targetBinaryPath string) error
}

// Result is the outcome for one service
type Result struct {
	Service string
	Action  Action
	Err     error
}

// Cycle reports what one update cycle did
type Cycle struct {
	ID            string
	BundleFetched bool
	Extracted     bool
	Results       []Result
}

// Updated reports whether any service was installed or swapped
func (c *Cycle) Updated() bool {
	for _, r := range c.Results {
		if r.Action == ActionInstalled || r.Action == ActionSwapped {
			return true
		}
	}
	return false
}

// Coordinator applies an extracted bundle to every managed service
type Coordinator struct {
	services    []ManagedService
	identity    Identity
	orch        Orchestrator
	hashes      HashComparer
	swapper     Swapper
	reinstaller *Reinstaller
	metrics     *metrics.Metrics
	log         *log.Entry
}

// NewCoordinator creates a Coordinator. m may be nil.
func NewCoordinator(services []ManagedService, identity Identity, orch Orchestrator, hashes HashComparer, swapper Swapper, reinstaller *Reinstaller, m *metrics.Metrics, logger *log.Entry) *Coordinator {
	return &Coordinator{
		services:    services,
		identity:    identity,
		orch:        orch,
		hashes:      hashes,
		swapper:     swapper,
		reinstaller: reinstaller,
		metrics:     m,
		log:         logger.WithField("component", "upgrade"),
	}
}

// RunCycle runs one update cycle. A failing service does not stop the others;
// their errors are returned together.
func (c *Coordinator) RunCycle(ctx context.Context) (*Cycle, error) {
	cycle := &Cycle{ID: uuid.NewString()}
	logger := c.log.WithField("cycle", cycle.ID)
	logger.Infof("starting update cycle")

	outcome, err := c.orch.RunUpdateCycle(ctx)
	if err != nil {
		c.metrics.CycleFinished("failed", time.Now())
		return cycle, fmt.Errorf("update cycle: %w", err)
	}
	cycle.BundleFetched = true

	if outcome != orchestrator.OutcomeApplied {
		logger.Infof("no bundle update")
		c.metrics.CycleFinished(outcome.String(), time.Now())
		return cycle, nil
	}
	cycle.Extracted = true

	fullReinstall := c.orch.NeedsFullReinstall()
	logger.Infof("bundle extracted, full reinstall: %t", fullReinstall)

	var merr *multierror.Error
	for _, service := range c.services {
		action, err := c.handleService(logger.WithField("service", service.Name), service, fullReinstall)
		cycle.Results = append(cycle.Results, Result{Service: service.Name, Action: action, Err: err})
		c.metrics.ServiceHandled(service.Name, string(action))
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", service.Name, err))
		}
	}

	if cycle.Updated() {
		if err := c.orch.CleanExtractedFolder(); err != nil {
			logger.Warnf("failed to clean extracted folder: %v", err)
		}
		logger.Infof("service upgrade completed")
	} else {
		logger.Infof("no services required updating")
	}

	err = nxerrors.FormatErrorOrNil(merr)
	if err != nil {
		c.metrics.CycleFinished("failed", time.Now())
	} else {
		c.metrics.CycleFinished(outcome.String(), time.Now())
	}
	return cycle, err
}

func (c *Coordinator) handleService(logger *log.Entry, service ManagedService, fullReinstall bool) (Action, error) {
	candidate := c.orch.CandidatePath(service.CandidateName)
	if !util.FileExists(candidate) {
		logger.Warnf("new binary %s is not in the bundle", candidate)
		return ActionSkipped, nil
	}

	if !util.FileExists(service.TargetPath) {
		if !fullReinstall {
			logger.Errorf("installed binary %s is missing and the bundle does not allow a full reinstall", service.TargetPath)
			return ActionSkipped, nil
		}
		logger.Infof("installed binary %s is missing, reinstalling", service.TargetPath)
		return c.reinstall(service, candidate)
	}

	changed, err := c.hashes.CheckAndUpdate(service.TargetPath, candidate)
	if err != nil {
		return ActionFailed, fmt.Errorf("compare %s: %w", service.TargetPath, err)
	}
	if !changed {
		logger.Infof("no update required for %s", service.TargetPath)
		return ActionUnchanged, nil
	}

	if fullReinstall {
		logger.Infof("binary changed, reinstalling")
		return c.reinstall(service, candidate)
	}

	logger.Infof("binary changed, replacing and restarting")
	if err := c.swapper.UpdateAndRestart(service.Name, candidate, service.TargetPath); err != nil {
		return ActionFailed, err
	}
	return ActionSwapped, nil
}

func (c *Coordinator) reinstall(service ManagedService, candidate string) (Action, error) {
	if err := c.reinstaller.Reinstall(service, candidate, ArgumentsFor(service, c.identity)); err != nil {
		return ActionFailed, err
	}
	return ActionInstalled, nil
}
