package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/nexusio/nexus/updater/internal/daemon"
	"github.com/nexusio/nexus/updater/internal/svcctl"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the updater in the foreground or under the service manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		key, err := loadSecretsKey()
		if err != nil {
			return err
		}

		logger := env.entry()
		newDaemon := func() (*daemon.Daemon, error) {
			return daemon.New(daemon.Options{
				Paths:      env.paths,
				Settings:   env.settings,
				SecretsKey: append([]byte(nil), key...),
			}, logger)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		s, err := newSVC(newProgram(ctx, cancel, logger, newDaemon), newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Run(); err != nil {
			return fmt.Errorf("run service: %w", err)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the Nexus updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSVC(nil, newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
		cmd.Println("Nexus updater service has been started")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stops the Nexus updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSVC(nil, newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Stop(); err != nil {
			return fmt.Errorf("stop service: %w", err)
		}
		cmd.Println("Nexus updater service has been stopped")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "restarts the Nexus updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSVC(nil, newSVCConfig())
		if err != nil {
			return err
		}
		if err := s.Restart(); err != nil {
			return fmt.Errorf("restart service: %w", err)
		}
		cmd.Println("Nexus updater service has been restarted")
		return nil
	},
}

var svcStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "shows the status of the updater and the managed services",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSVC(nil, newSVCConfig())
		if err != nil {
			return err
		}

		status, err := s.Status()
		switch {
		case errors.Is(err, service.ErrNotInstalled):
			cmd.Printf("%s: not installed\n", serviceName)
		case err != nil:
			return fmt.Errorf("get service status: %w", err)
		default:
			cmd.Printf("%s: %s\n", serviceName, updaterStatus(status))
		}

		env, err := loadRuntime(cmd)
		if err != nil {
			cmd.Printf("managed services unknown: %v\n", err)
			return nil
		}
		defer env.Close()

		lc := daemon.NewLifecycle(svcctl.NewController(env.entry()), env.settings, env.entry())
		statuses := lc.StatusAll()
		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := statuses[name]
			if st == svcctl.StatusUnknown {
				cmd.Printf("%s: not installed\n", name)
				continue
			}
			cmd.Printf("%s: %s\n", name, st)
		}
		return nil
	},
}

func updaterStatus(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
