package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nexusio/nexus/updater/internal/secrets"
	"github.com/nexusio/nexus/updater/internal/settings"
	"github.com/nexusio/nexus/util"
)

var (
	rootDir        string
	configPath     string
	logLevel       string
	logFile        string
	secretsKey     string
	secretsKeyFile string
	rootCmd        = &cobra.Command{
		Use:          "nexus",
		Short:        "Keeps the Nexus agent services up to date",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", settings.DefaultRoot(), "updater data directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "updater config file location (default <root>/configs/nexus.json)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "sets the log level (default from config, else info)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "sets the log path. If console is specified the log will be output to stderr")
	rootCmd.PersistentFlags().StringVar(&secretsKey, "secrets-key", "", "hex encoded key of the region secret store")
	rootCmd.PersistentFlags().StringVar(&secretsKeyFile, "secrets-key-file", "", "file holding the hex encoded key of the region secret store")

	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(versionCmd)
}

// SetupCloseHandler cancels ctx on SIGINT or SIGTERM
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)
		select {
		case <-ctx.Done():
		case <-termCh:
			log.Info("shutdown signal received")
		}
		cancel()
	}()
}

// runtimeEnv is everything loaded from disk before a command touches services
type runtimeEnv struct {
	paths    settings.Paths
	settings *settings.Settings
	logger   *log.Logger
	closer   io.Closer
}

func (e *runtimeEnv) entry() *log.Entry {
	return log.NewEntry(e.logger)
}

func (e *runtimeEnv) Close() {
	if err := e.closer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
}

func resolvedConfigPath(paths settings.Paths) string {
	if configPath != "" {
		return configPath
	}
	return paths.ConfigFile
}

// loadRuntime reads the persisted settings and sets up logging. Flags win over the config file.
func loadRuntime(cmd *cobra.Command) (*runtimeEnv, error) {
	util.SetFlagsFromEnvVars(rootCmd)
	util.SetFlagsFromEnvVars(cmd)

	paths := settings.NewPaths(rootDir)
	s, err := settings.Load(resolvedConfigPath(paths), paths)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("updater is not configured, run nexus service install first: %w", err)
		}
		return nil, err
	}

	level, path := s.LogLevel, s.LogFile
	if logLevel != "" {
		level = logLevel
	}
	if logFile != "" {
		path = logFile
	}

	logger, closer, err := util.InitLog(level, path)
	if err != nil {
		return nil, fmt.Errorf("init log: %w", err)
	}

	return &runtimeEnv{paths: paths, settings: s, logger: logger, closer: closer}, nil
}

// loadSecretsKey returns the key from --secrets-key or, when unset, --secrets-key-file
func loadSecretsKey() ([]byte, error) {
	switch {
	case secretsKey != "":
		return secrets.ParseKey(secretsKey)
	case secretsKeyFile != "":
		return secrets.LoadKeyFile(secretsKeyFile)
	default:
		return nil, errors.New("a secrets key is required, set --secrets-key-file or NX_SECRETS_KEY")
	}
}
