// Package daemon wires the updater components together and runs them on a schedule
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/updater/internal/archive"
	"github.com/nexusio/nexus/updater/internal/downloader"
	"github.com/nexusio/nexus/updater/internal/hashstore"
	"github.com/nexusio/nexus/updater/internal/metrics"
	"github.com/nexusio/nexus/updater/internal/monitor"
	"github.com/nexusio/nexus/updater/internal/orchestrator"
	"github.com/nexusio/nexus/updater/internal/schedule"
	"github.com/nexusio/nexus/updater/internal/secrets"
	"github.com/nexusio/nexus/updater/internal/settings"
	"github.com/nexusio/nexus/updater/internal/source"
	"github.com/nexusio/nexus/updater/internal/svcctl"
	"github.com/nexusio/nexus/updater/internal/swap"
	"github.com/nexusio/nexus/updater/internal/upgrade"
)

// Options configure a Daemon
type Options struct {
	Paths      settings.Paths
	Settings   *settings.Settings
	SecretsKey []byte

	// Controller overrides the OS service supervisor
	Controller svcctl.Controller
	// Registry receives the updater metrics. A new registry is used when nil.
	Registry *prometheus.Registry
	// DownloaderOptions are appended to the default downloader options
	DownloaderOptions []downloader.Option
	// Swap overrides the binary swap timings
	Swap *swap.Config
}

// Daemon runs the initial installation once and then an update cycle on every cron tick
type Daemon struct {
	paths    settings.Paths
	settings *settings.Settings

	downloader  *downloader.Downloader
	proxy       *ProxyWatcher
	lifecycle   *svcctl.Lifecycle
	metrics     *metrics.Metrics
	coordinator *upgrade.Coordinator
	initial     *upgrade.InitialInstallCoordinator
	runner      *schedule.Runner
	log         *log.Entry

	cycleMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component from opts
func New(opts Options, logger *log.Entry) (*Daemon, error) {
	s := opts.Settings
	if s == nil {
		return nil, errors.New("settings are required")
	}
	logger = logger.WithField("service", "updater")

	decryptor, err := secrets.NewDecryptor(opts.SecretsKey)
	if err != nil {
		return nil, err
	}
	store, err := secrets.LoadStore(s.SecretsPath, decryptor)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		paths:    opts.Paths,
		settings: s,
		log:      logger,
	}

	var proxyCfg *downloader.ProxyConfig
	if s.ProxyConfigPath != "" {
		proxyCfg, err = downloader.LoadProxyConfig(s.ProxyConfigPath)
		if err != nil {
			logger.Warnf("running without proxy, failed to load %s: %v", s.ProxyConfigPath, err)
			proxyCfg = nil
		}
	}
	dlOpts := append([]downloader.Option{downloader.WithProxy(proxyCfg, decryptor)}, opts.DownloaderOptions...)
	d.downloader = downloader.New(logger, dlOpts...)
	if s.ProxyConfigPath != "" {
		d.proxy = NewProxyWatcher(s.ProxyConfigPath, d.downloader.SetProxy, logger)
	}

	zipHashes, err := hashstore.New(opts.Paths.ZipHashFile, logger)
	if err != nil {
		return nil, fmt.Errorf("open bundle hash store: %w", err)
	}
	serviceHashes, err := hashstore.New(opts.Paths.ServiceHashFile, logger)
	if err != nil {
		return nil, fmt.Errorf("open service hash store: %w", err)
	}

	bundlePath := opts.Paths.BundlePath(s.BlobName)
	resolver := source.NewResolver(source.Scope{
		Region:     s.Region,
		CustomerID: s.CompanyID,
		SiteID:     s.SiteID,
		BlobName:   s.BlobName,
	}, store, d.downloader, logger)

	targets := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		targets = append(targets, svc.TargetPath)
	}
	orch := orchestrator.New(orchestrator.Config{
		BundlePath:     bundlePath,
		ExtractDir:     opts.Paths.ExtractDir,
		BundleDir:      settings.BundleDir(s.BlobName),
		KeepFiles:      []string{settings.ServiceHashFileName},
		WatchedTargets: targets,
	}, resolver, d.downloader, archive.NewZip(logger), monitor.New(bundlePath, zipHashes, logger), serviceHashes, logger)

	ctl := opts.Controller
	if ctl == nil {
		ctl = svcctl.NewController(logger)
	}
	d.lifecycle = NewLifecycle(ctl, s, logger)

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.metrics = metrics.New(reg)

	swapCfg := swap.DefaultConfig(opts.Paths.BackupDir)
	if opts.Swap != nil {
		swapCfg = *opts.Swap
	}
	swapper := swap.NewManager(d.lifecycle, swapCfg, logger)
	swapper.SetRollbackObserver(func(serviceName string, err error) {
		if err != nil {
			logger.WithField("service", serviceName).Errorf("rollback failed: %v", err)
		}
		d.metrics.RollbackFinished(err)
	})

	identity := s.Identity()
	reinstaller := upgrade.NewReinstaller(d.lifecycle, serviceHashes, opts.Paths.BackupDir, logger)
	d.coordinator = upgrade.NewCoordinator(s.Services, identity, orch, serviceHashes, swapper, reinstaller, d.metrics, logger)
	d.initial = upgrade.NewInitialInstallCoordinator(s.Services, identity, orch, d.lifecycle, reinstaller, logger)

	sched, err := schedule.Parse(s.CronTab)
	if err != nil {
		return nil, fmt.Errorf("crontab: %w", err)
	}
	d.runner = schedule.NewRunner(sched, func(ctx context.Context) error {
		_, err := d.RunOnce(ctx)
		return err
	}, logger)

	return d, nil
}

// NewLifecycle returns a lifecycle with every service of s registered
func NewLifecycle(ctl svcctl.Controller, s *settings.Settings, logger *log.Entry) *svcctl.Lifecycle {
	lc := svcctl.NewLifecycle(ctl, svcctl.DefaultTimings(), logger)
	identity := s.Identity()
	for _, svc := range s.Services {
		lc.Register(svc.Descriptor(upgrade.ArgumentsFor(svc, identity)))
	}
	return lc
}

// Lifecycle returns the service lifecycle with the managed services registered
func (d *Daemon) Lifecycle() *svcctl.Lifecycle {
	return d.lifecycle
}

// Start runs the initial installation and the scheduler in the background
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return errors.New("daemon already started")
	}
	if err := d.paths.Create(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.settings.MetricsAddr != "" {
		d.goRun(func() {
			if err := d.metrics.Serve(ctx, d.settings.MetricsAddr, d.log); err != nil {
				d.log.Errorf("metrics: %v", err)
			}
		})
	}

	if d.proxy != nil {
		d.goRun(func() {
			if err := d.proxy.Watch(ctx, nil); err != nil {
				d.log.Warnf("proxy config changes will not be picked up: %v", err)
			}
		})
	}

	d.goRun(func() {
		d.cycleMu.Lock()
		installed, err := d.initial.Run(ctx)
		d.cycleMu.Unlock()

		switch {
		case err != nil:
			d.log.Errorf("initial installation: %v", err)
		case installed:
			d.log.Infof("initial installation completed")
		}

		if ctx.Err() != nil {
			return
		}
		d.runner.Start(ctx)
	})

	d.log.Infof("updater started, schedule %q", d.settings.CronTab)
	return nil
}

// Stop cancels background work and waits for an in-flight cycle to finish
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.runner.Stop()
	d.log.Infof("updater stopped")
}

// RunOnce runs a single update cycle. Concurrent calls are serialized.
func (d *Daemon) RunOnce(ctx context.Context) (*upgrade.Cycle, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	cycle, err := d.coordinator.RunCycle(ctx)
	if err != nil {
		return cycle, err
	}
	if cycle.Updated() {
		for _, r := range cycle.Results {
			d.log.WithField("cycle", cycle.ID).Infof("%s: %s", r.Service, r.Action)
		}
	}
	return cycle, nil
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}
