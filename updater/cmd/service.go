package cmd

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nexusio/nexus/updater/internal/daemon"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the Nexus updater service",
}

var serviceName string

// program runs the daemon under the OS service manager
type program struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Entry

	newDaemon func() (*daemon.Daemon, error)

	mu     sync.Mutex
	daemon *daemon.Daemon
}

func init() {
	defaultServiceName := "nexus-updater"
	if runtime.GOOS == "windows" {
		defaultServiceName = "NexusUpdater"
	}

	serviceCmd.AddCommand(startCmd, stopCmd, restartCmd, svcStatusCmd, installCmd, uninstallCmd)
	rootCmd.PersistentFlags().StringVarP(&serviceName, "service", "s", defaultServiceName, "Nexus updater system service name")
}

func newProgram(ctx context.Context, cancel context.CancelFunc, logger *log.Entry, newDaemon func() (*daemon.Daemon, error)) *program {
	return &program{ctx: ctx, cancel: cancel, log: logger, newDaemon: newDaemon}
}

func newSVCConfig() *service.Config {
	config := &service.Config{
		Name:        serviceName,
		DisplayName: "Nexus Updater",
		Description: "Keeps the Nexus agent services up to date",
		Option:      make(service.KeyValue),
		EnvVars:     make(map[string]string),
	}

	if runtime.GOOS == "linux" {
		config.EnvVars["SYSTEMD_UNIT"] = serviceName
	}

	return config
}

func newSVC(prg *program, conf *service.Config) (service.Service, error) {
	if prg == nil {
		ctx, cancel := context.WithCancel(context.Background())
		prg = newProgram(ctx, cancel, log.NewEntry(log.StandardLogger()), nil)
	}
	return service.New(prg, conf)
}

func (p *program) Start(service.Service) error {
	if p.newDaemon == nil {
		return fmt.Errorf("service %s cannot be run from this command", serviceName)
	}

	d, err := p.newDaemon()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.daemon = d

	p.log.Info("starting service")
	return d.Start(p.ctx)
}

func (p *program) Stop(service.Service) error {
	p.mu.Lock()
	d := p.daemon
	p.daemon = nil
	p.mu.Unlock()

	if d != nil {
		d.Stop()
	}
	p.cancel()
	p.log.Info("stopped service")
	return nil
}
