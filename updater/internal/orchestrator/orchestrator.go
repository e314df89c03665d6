package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	nxerrors "github.com/nexusio/nexus/updater/errors"
	"github.com/nexusio/nexus/updater/internal/manifest"
	"github.com/nexusio/nexus/util"
)

// Outcome of one update cycle
type Outcome int

const (
	OutcomeNoOp Outcome = iota
	OutcomeApplied
)

func (o Outcome) String() string {
	if o == OutcomeApplied {
		return "applied"
	}
	return "noop"
}

// URLResolver returns the bundle URL to download
type URLResolver interface {
	ResolveBundleURL(ctx context.Context) (string, error)
}

// Fetcher downloads url into dst
type Fetcher interface {
	Fetch(ctx context.Context, url, dst string) error
}

// Extractor unpacks an archive into a directory
type Extractor interface {
	Extract(archivePath, destDir string) error
}

// ChangeMonitor watches the downloaded bundle
type ChangeMonitor interface {
	InitialInstall() error
	ShouldTrigger() (bool, error)
	AcknowledgeHandled()
}

// HashChecker reports whether a file still matches its recorded hash
type HashChecker interface {
	IsFileUnchanged(path string) bool
}

// Config locates the bundle on disk
type Config struct {
	// BundlePath is where the bundle archive is downloaded to
	BundlePath string
	// ExtractDir receives the bundle contents
	ExtractDir string
	// BundleDir is the top level directory inside the archive
	BundleDir string
	// KeepFiles are left in ExtractDir by CleanExtractedFolder
	KeepFiles []string
	// WatchedTargets are installed binaries checked for out of band changes
	WatchedTargets []string
}

// Orchestrator runs the download, change detection and extraction part of a cycle
type Orchestrator struct {
	cfg       Config
	resolver  URLResolver
	fetcher   Fetcher
	extractor Extractor
	monitor   ChangeMonitor
	services  HashChecker
	log       *log.Entry

	mu     sync.Mutex
	policy manifest.UpdatePolicy
}

// New creates an orchestrator
func New(cfg Config, resolver URLResolver, fetcher Fetcher, extractor Extractor, monitor ChangeMonitor, services HashChecker, logger *log.Entry) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		resolver:  resolver,
		fetcher:   fetcher,
		extractor: extractor,
		monitor:   monitor,
		services:  services,
		log:       logger.WithField("component", "orchestrator"),
	}
}

// RunUpdateCycle downloads the bundle and extracts it when it changed or an
// installed binary no longer matches its recorded hash
func (o *Orchestrator) RunUpdateCycle(ctx context.Context) (Outcome, error) {
	if err := o.download(ctx); err != nil {
		return OutcomeNoOp, err
	}

	triggered, err := o.monitor.ShouldTrigger()
	if err != nil {
		o.removeBundle()
		return OutcomeNoOp, fmt.Errorf("check bundle: %w", err)
	}

	if !triggered {
		diverged := o.divergedTargets()
		if len(diverged) == 0 {
			o.log.Infof("bundle unchanged, nothing to do")
			o.removeBundle()
			return OutcomeNoOp, nil
		}
		o.log.Infof("bundle unchanged but installed binaries diverged: %v", diverged)
	}

	if err := o.extract(); err != nil {
		return OutcomeNoOp, err
	}

	o.loadPolicy()
	return OutcomeApplied, nil
}

// PerformInitialInstallation downloads the bundle, records its hash and extracts it
func (o *Orchestrator) PerformInitialInstallation(ctx context.Context) (bool, error) {
	if err := o.download(ctx); err != nil {
		return false, err
	}

	if err := o.monitor.InitialInstall(); err != nil {
		o.removeBundle()
		return false, fmt.Errorf("record bundle: %w", err)
	}

	if err := o.extract(); err != nil {
		return false, err
	}

	o.loadPolicy()
	return true, nil
}

// NeedsFullReinstall reports the policy of the last extracted bundle
func (o *Orchestrator) NeedsFullReinstall() bool {
	return o.Policy().FullReinstall
}

// Policy returns the update policy of the last extracted bundle
func (o *Orchestrator) Policy() manifest.UpdatePolicy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.policy
}

// CandidatePath returns where candidateName lands after extraction
func (o *Orchestrator) CandidatePath(candidateName string) string {
	return filepath.Join(o.bundleRoot(), filepath.FromSlash(candidateName))
}

// LoadInstallGate reads the install gate of the last extracted bundle
func (o *Orchestrator) LoadInstallGate() (manifest.InstallGate, error) {
	return manifest.LoadInstallGate(filepath.Join(o.bundleRoot(), manifest.InstallGateFile))
}

// CleanExtractedFolder removes everything in the extraction dir except the kept files
func (o *Orchestrator) CleanExtractedFolder() error {
	entries, err := os.ReadDir(o.cfg.ExtractDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", o.cfg.ExtractDir, err)
	}

	var merr *multierror.Error
	for _, entry := range entries {
		if o.keep(entry.Name()) {
			continue
		}
		path := filepath.Join(o.cfg.ExtractDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", path, err))
		}
	}

	if err := nxerrors.FormatErrorOrNil(merr); err != nil {
		return err
	}
	o.log.Debugf("cleaned %s", o.cfg.ExtractDir)
	return nil
}

func (o *Orchestrator) keep(name string) bool {
	for _, k := range o.cfg.KeepFiles {
		if k == name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) bundleRoot() string {
	return filepath.Join(o.cfg.ExtractDir, o.cfg.BundleDir)
}

func (o *Orchestrator) download(ctx context.Context) error {
	url, err := o.resolver.ResolveBundleURL(ctx)
	if err != nil {
		return fmt.Errorf("resolve bundle: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(o.cfg.BundlePath), 0750); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	if err := o.fetcher.Fetch(ctx, url, o.cfg.BundlePath); err != nil {
		return fmt.Errorf("download bundle: %w", err)
	}
	return nil
}

// extract unpacks the bundle, deletes it and acknowledges the trigger. On
// failure the bundle is kept.
func (o *Orchestrator) extract() error {
	if err := os.MkdirAll(o.cfg.ExtractDir, 0750); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	if err := o.extractor.Extract(o.cfg.BundlePath, o.cfg.ExtractDir); err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}
	o.log.Infof("bundle extracted to %s", o.cfg.ExtractDir)

	o.removeBundle()
	o.monitor.AcknowledgeHandled()
	return nil
}

func (o *Orchestrator) loadPolicy() {
	policy := manifest.LoadUpdatePolicy(filepath.Join(o.bundleRoot(), manifest.UpdatePolicyFile), o.log)

	o.mu.Lock()
	o.policy = policy
	o.mu.Unlock()
}

// divergedTargets lists installed binaries that no longer match their record.
// Missing binaries are left out, only a bundle change can bring them back.
func (o *Orchestrator) divergedTargets() []string {
	var diverged []string
	for _, target := range o.cfg.WatchedTargets {
		if !util.FileExists(target) {
			continue
		}
		if !o.services.IsFileUnchanged(target) {
			diverged = append(diverged, target)
		}
	}
	return diverged
}

func (o *Orchestrator) removeBundle() {
	if err := os.Remove(o.cfg.BundlePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.log.Warnf("failed to remove bundle %s: %v", o.cfg.BundlePath, err)
	}
}
