package swap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/updater/internal/hashstore"
	"github.com/nexusio/nexus/util"
)

const backupSuffix = ".bak"

var (
	ErrNotInstalled     = errors.New("service is not installed")
	ErrCandidateMissing = errors.New("new binary does not exist")
	ErrStopFailed       = errors.New("service could not be stopped")
	ErrBackupFailed     = errors.New("backup failed")
	ErrReplaceFailed    = errors.New("binary replacement failed")
	ErrStartFailed      = errors.New("service did not start")
	ErrNoBackup         = errors.New("no backup available")
)

// ServiceControl is the part of svcctl.Lifecycle the swap depends on
type ServiceControl interface {
	IsInstalled(name string) (bool, error)
	IsRunning(name string) (bool, error)
	Stop(name string) error
	Start(name string, args ...string) error
}

// Config bounds the start verification loops
type Config struct {
	BackupDir        string
	StartAttempts    int
	StartWait        time.Duration
	RollbackAttempts int
	RollbackWait     time.Duration
}

// DefaultConfig returns production settings for backupDir
func DefaultConfig(backupDir string) Config {
	return Config{
		BackupDir:        backupDir,
		StartAttempts:    5,
		StartWait:        3 * time.Second,
		RollbackAttempts: 3,
		RollbackWait:     3 * time.Second,
	}
}

// Manager replaces a service binary in place and rolls back when the new binary does not run
type Manager struct {
	svc   ServiceControl
	cfg   Config
	log   *log.Entry
	sleep func(time.Duration)

	onRollback func(serviceName string, err error)
}

// NewManager creates a swap manager
func NewManager(svc ServiceControl, cfg Config, logger *log.Entry) *Manager {
	return &Manager{
		svc:   svc,
		cfg:   cfg,
		log:   logger.WithField("component", "swap"),
		sleep: time.Sleep,
	}
}

// SetRollbackObserver registers fn to be called with the result of every rollback
func (m *Manager) SetRollbackObserver(fn func(serviceName string, err error)) {
	m.onRollback = fn
}

// BackupPath returns where the backup of targetPath is kept
func (m *Manager) BackupPath(targetPath string) string {
	backup := filepath.Join(m.cfg.BackupDir, filepath.Base(targetPath))
	if filepath.Clean(backup) == filepath.Clean(targetPath) {
		backup = targetPath + backupSuffix
	}
	return backup
}

// UpdateAndRestart stops the service, backs up targetPath, replaces it with newBinaryPath and starts the service again
func (m *Manager) UpdateAndRestart(serviceName, newBinaryPath, targetBinaryPath string) error {
	logger := m.log.WithField("service", serviceName)

	installed, err := m.svc.IsInstalled(serviceName)
	if err != nil {
		return fmt.Errorf("query %s: %w", serviceName, err)
	}
	if !installed {
		return fmt.Errorf("%w: %s", ErrNotInstalled, serviceName)
	}
	if !util.FileExists(newBinaryPath) {
		return fmt.Errorf("%w: %s", ErrCandidateMissing, newBinaryPath)
	}

	wasRunning, err := m.svc.IsRunning(serviceName)
	if err != nil {
		return fmt.Errorf("query %s: %w", serviceName, err)
	}

	if wasRunning {
		logger.Infof("stopping service before replacing %s", targetBinaryPath)
		if err := m.svc.Stop(serviceName); err != nil {
			return fmt.Errorf("%w: %w", ErrStopFailed, err)
		}
	}

	backupPath := ""
	if util.FileExists(targetBinaryPath) {
		backupPath = m.BackupPath(targetBinaryPath)
		if err := m.backup(targetBinaryPath, backupPath); err != nil {
			logger.Errorf("backup of %s failed, leaving it untouched: %v", targetBinaryPath, err)
			if wasRunning {
				if serr := m.svc.Start(serviceName); serr != nil {
					logger.Errorf("failed to start service again: %v", serr)
				}
			}
			return fmt.Errorf("%w: %w", ErrBackupFailed, err)
		}
		logger.Infof("backed up %s to %s", targetBinaryPath, backupPath)
	}

	if err := m.copyBinary(newBinaryPath, targetBinaryPath); err != nil || !util.FileExists(targetBinaryPath) {
		if err == nil {
			err = errors.New("target missing after copy")
		}
		logger.Errorf("failed to replace %s: %v", targetBinaryPath, err)
		if rerr := m.Rollback(serviceName, targetBinaryPath, backupPath, wasRunning); rerr != nil {
			logger.Errorf("rollback failed: %v", rerr)
		}
		return fmt.Errorf("%w: %w", ErrReplaceFailed, err)
	}

	if err := m.startAndVerify(serviceName, m.cfg.StartAttempts, m.cfg.StartWait); err != nil {
		logger.Errorf("new binary did not start: %v", err)
		if rerr := m.Rollback(serviceName, targetBinaryPath, backupPath, wasRunning); rerr != nil {
			logger.Errorf("rollback failed: %v", rerr)
		}
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	if backupPath != "" {
		if err := os.Remove(backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("failed to remove backup %s: %v", backupPath, err)
		}
	}

	logger.Infof("service updated and running")
	return nil
}

// Rollback restores backupPath over targetPath and restarts the service if it was running
func (m *Manager) Rollback(serviceName, targetPath, backupPath string, wasRunning bool) (err error) {
	if m.onRollback != nil {
		defer func() { m.onRollback(serviceName, err) }()
	}

	logger := m.log.WithField("service", serviceName)
	logger.Warnf("rolling back %s", targetPath)

	if wasRunning {
		if err := m.svc.Stop(serviceName); err != nil {
			logger.Warnf("failed to stop service during rollback: %v", err)
		}
	}

	if backupPath == "" || !util.FileExists(backupPath) {
		logger.Errorf("no backup for %s, the service cannot be restored", targetPath)
		return ErrNoBackup
	}

	if err := m.copyBinary(backupPath, targetPath); err != nil {
		return fmt.Errorf("restore %s: %w", targetPath, err)
	}
	logger.Infof("restored %s from %s", targetPath, backupPath)

	if wasRunning {
		if err := m.startAndVerify(serviceName, m.cfg.RollbackAttempts, m.cfg.RollbackWait); err != nil {
			return fmt.Errorf("start after rollback: %w", err)
		}
	}
	return nil
}

func (m *Manager) backup(targetPath, backupPath string) error {
	if err := os.MkdirAll(filepath.Dir(backupPath), 0750); err != nil {
		return err
	}
	if err := m.copyBinary(targetPath, backupPath); err != nil {
		return err
	}

	want, err := hashstore.ComputeHash(targetPath)
	if err != nil {
		return err
	}
	got, err := hashstore.ComputeHash(backupPath)
	if err != nil {
		return err
	}
	if want != got {
		return fmt.Errorf("backup %s does not match %s", backupPath, targetPath)
	}
	return nil
}

// startAndVerify issues start then waits and checks the service is running, up to attempts times
func (m *Manager) startAndVerify(serviceName string, attempts int, wait time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0

	operation := func() error {
		attempt++
		if err := m.svc.Start(serviceName); err != nil {
			m.log.Debugf("start %s attempt %d/%d: %v", serviceName, attempt, attempts, err)
		}
		m.sleep(wait)

		running, err := m.svc.IsRunning(serviceName)
		if err != nil {
			return err
		}
		if !running {
			return fmt.Errorf("attempt %d/%d: %s is not running", attempt, attempts, serviceName)
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)))
}

func (m *Manager) copyBinary(src, dst string) error {
	m.log.Debugf("copying %s to %s", src, dst)
	if err := util.CopyFileContents(src, dst); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := os.Chmod(dst, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	return nil
}
