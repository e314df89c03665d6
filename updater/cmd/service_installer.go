package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nexusio/nexus/updater/internal/daemon"
	"github.com/nexusio/nexus/updater/internal/settings"
	"github.com/nexusio/nexus/updater/internal/svcctl"
	"github.com/nexusio/nexus/util"
)

const secretsKeyEnv = util.EnvPrefix + "SECRETS_KEY"

var (
	companyID       string
	region          string
	siteID          string
	cronTab         string
	proxyConfigPath string
	metricsAddr     string
	uninstallAll    bool
)

func init() {
	installCmd.Flags().StringVar(&companyID, "companyid", "", "company the host belongs to")
	installCmd.Flags().StringVar(&region, "region", "", "region of the bundle source, e.g. europe")
	installCmd.Flags().StringVar(&siteID, "siteid", "", "optional site the host belongs to")
	installCmd.Flags().StringVar(&cronTab, "crontab", "", "update schedule as a 6 field cron expression (default \"0 0 1 * * ?\")")
	installCmd.Flags().StringVar(&proxyConfigPath, "proxy-config", "", "proxy configuration file, reloaded when it changes")
	installCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. 127.0.0.1:9464")

	uninstallCmd.Flags().BoolVar(&uninstallAll, "all", false, "also uninstall every managed service")
}

// buildSettings merges the install flags into the settings already on disk, if any
func buildSettings(paths settings.Paths, path string) (*settings.Settings, error) {
	s := &settings.Settings{}
	if util.FileExists(path) {
		if _, err := util.ReadJson(path, s); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	if companyID != "" {
		s.CompanyID = companyID
	}
	if region != "" {
		s.Region = region
	}
	if siteID != "" {
		s.SiteID = siteID
	}
	if cronTab != "" {
		s.CronTab = cronTab
	}
	if proxyConfigPath != "" {
		abs, err := filepath.Abs(proxyConfigPath)
		if err != nil {
			return nil, fmt.Errorf("proxy config path: %w", err)
		}
		s.ProxyConfigPath = abs
	}
	if metricsAddr != "" {
		s.MetricsAddr = metricsAddr
	}
	if logLevel != "" {
		s.LogLevel = logLevel
	}
	if logFile != "" {
		s.LogFile = logFile
	}

	s.ApplyDefaults(paths)
	return s, nil
}

// buildServiceArguments returns the arguments the updater service is started with
func buildServiceArguments(cfgPath string) []string {
	args := []string{
		"run",
		"--root",
		rootDir,
		"--config",
		cfgPath,
	}
	if secretsKeyFile != "" {
		args = append(args, "--secrets-key-file", secretsKeyFile)
	}
	return args
}

func createServiceConfigForInstall(cfgPath string) (*service.Config, error) {
	svcConfig := newSVCConfig()
	svcConfig.Arguments = buildServiceArguments(cfgPath)

	switch {
	case secretsKeyFile != "":
	case secretsKey != "":
		svcConfig.EnvVars[secretsKeyEnv] = secretsKey
	default:
		return nil, errors.New("a secrets key is required, set --secrets-key-file or " + secretsKeyEnv)
	}

	switch runtime.GOOS {
	case "windows":
		svcConfig.Option["OnFailure"] = "restart"
	case "linux":
		// Respected only by systemd systems
		svcConfig.Dependencies = []string{"After=network.target syslog.target"}
		svcConfig.Option["Restart"] = "on-failure"
	}

	return svcConfig, nil
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "writes the updater config and installs the Nexus updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(rootCmd)
		util.SetFlagsFromEnvVars(cmd)

		abs, err := filepath.Abs(rootDir)
		if err != nil {
			return fmt.Errorf("root dir: %w", err)
		}
		rootDir = abs

		paths := settings.NewPaths(rootDir)
		if err := paths.Create(); err != nil {
			return fmt.Errorf("create directories: %w", err)
		}

		cfgPath := resolvedConfigPath(paths)
		s, err := buildSettings(paths, cfgPath)
		if err != nil {
			return err
		}

		svcConfig, err := createServiceConfigForInstall(cfgPath)
		if err != nil {
			return err
		}

		if err := settings.Save(cmd.Context(), cfgPath, s); err != nil {
			return err
		}
		cmd.Printf("Config written to %s\n", cfgPath)

		svc, err := newSVC(nil, svcConfig)
		if err != nil {
			return err
		}
		if err := svc.Install(); err != nil {
			return fmt.Errorf("install service: %w", err)
		}

		cmd.Println("Nexus updater service has been installed")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "uninstalls the Nexus updater service from the system",
	RunE: func(cmd *cobra.Command, args []string) error {
		util.SetFlagsFromEnvVars(rootCmd)
		util.SetFlagsFromEnvVars(cmd)

		svc, err := newSVC(nil, newSVCConfig())
		if err != nil {
			return err
		}

		if err := svc.Stop(); err != nil {
			log.Debugf("stop before uninstall: %v", err)
		}
		if err := svc.Uninstall(); err != nil {
			return fmt.Errorf("uninstall service: %w", err)
		}
		cmd.Println("Nexus updater service has been uninstalled")

		if !uninstallAll {
			return nil
		}

		env, err := loadRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		lc := daemon.NewLifecycle(svcctl.NewController(env.entry()), env.settings, env.entry())
		if err := lc.UninstallAll(); err != nil {
			return fmt.Errorf("uninstall managed services: %w", err)
		}
		cmd.Println("Managed services have been uninstalled")

		if err := os.Remove(env.paths.ServiceHashFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("failed to remove %s: %v", env.paths.ServiceHashFile, err)
		}
		return nil
	},
}
