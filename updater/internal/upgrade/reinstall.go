package upgrade

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/nexusio/nexus/updater/internal/hashstore"
	"github.com/nexusio/nexus/updater/internal/svcctl"
	"github.com/nexusio/nexus/util"
)

var (
	ErrStillInstalled   = errors.New("service is still installed after removal")
	ErrCandidateMissing = errors.New("new binary does not exist")
)

// ServiceManager is the part of svcctl.Lifecycle used to reinstall services
type ServiceManager interface {
	IsInstalled(name string) (bool, error)
	Install(d svcctl.Descriptor) error
	Uninstall(name string) error
	Start(name string, args ...string) error
}

// HashRecorder persists the hash of an installed binary
type HashRecorder interface {
	StoreHash(path, hash string) error
}

// Reinstaller replaces a service registration together with its binary
type Reinstaller struct {
	services  ServiceManager
	store     HashRecorder
	backupDir string
	log       *log.Entry
}

// NewReinstaller creates a Reinstaller keeping the previous binary in backupDir
// until the new one is installed and started
func NewReinstaller(services ServiceManager, store HashRecorder, backupDir string, logger *log.Entry) *Reinstaller {
	return &Reinstaller{
		services:  services,
		store:     store,
		backupDir: backupDir,
		log:       logger.WithField("component", "reinstall"),
	}
}

// Reinstall removes the service if present, installs candidatePath as the
// service binary and starts it with args. On failure the previous binary is
// restored and its hash record invalidated, so the next cycle retries.
func (r *Reinstaller) Reinstall(service ManagedService, candidatePath string, args []string) error {
	logger := r.log.WithField("service", service.Name)

	if !util.FileExists(candidatePath) {
		return fmt.Errorf("%w: %s", ErrCandidateMissing, candidatePath)
	}

	installed, err := r.services.IsInstalled(service.Name)
	if err != nil {
		return fmt.Errorf("query %s: %w", service.Name, err)
	}

	backup, err := r.backupTarget(service.TargetPath)
	if err != nil {
		return err
	}

	if installed {
		logger.Infof("service is installed, removing it first")
		if err := r.services.Uninstall(service.Name); err != nil {
			r.discardBackup(backup, logger)
			return fmt.Errorf("remove %s: %w", service.Name, err)
		}
		if still, err := r.services.IsInstalled(service.Name); err != nil || still {
			r.discardBackup(backup, logger)
			return fmt.Errorf("%w: %s", ErrStillInstalled, service.Name)
		}
	}

	if err := r.install(service, candidatePath, args); err != nil {
		r.restorePrevious(service, backup, installed, args, logger)
		return err
	}
	r.discardBackup(backup, logger)

	if err := os.Remove(candidatePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("failed to remove %s: %v", candidatePath, err)
	}

	logger.Infof("service reinstalled from %s", candidatePath)
	return nil
}

func (r *Reinstaller) install(service ManagedService, candidatePath string, args []string) error {
	if err := os.MkdirAll(filepath.Dir(service.TargetPath), 0755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	if err := copyExecutable(candidatePath, service.TargetPath); err != nil {
		return err
	}

	if err := r.services.Install(service.Descriptor(args)); err != nil {
		return err
	}
	if err := r.services.Start(service.Name, args...); err != nil {
		return err
	}

	logger := r.log.WithField("service", service.Name)
	hash, err := hashstore.ComputeHash(service.TargetPath)
	if err != nil {
		logger.Warnf("failed to hash %s: %v", service.TargetPath, err)
		return nil
	}
	if err := r.store.StoreHash(service.TargetPath, hash); err != nil {
		logger.Warnf("failed to record hash of %s: %v", service.TargetPath, err)
	}
	return nil
}

// restorePrevious puts the previous binary back and, when the service was registered
// before, registers and starts it again
func (r *Reinstaller) restorePrevious(service ManagedService, backup string, wasInstalled bool, args []string, logger *log.Entry) {
	// an empty record never matches, the target counts as diverged
	if err := r.store.StoreHash(service.TargetPath, ""); err != nil {
		logger.Errorf("failed to invalidate hash of %s: %v", service.TargetPath, err)
	}

	if backup == "" {
		return
	}
	if err := copyExecutable(backup, service.TargetPath); err != nil {
		logger.Errorf("failed to restore %s from %s: %v", service.TargetPath, backup, err)
		return
	}
	r.discardBackup(backup, logger)
	logger.Infof("restored previous binary %s", service.TargetPath)

	if !wasInstalled {
		return
	}

	registered, err := r.services.IsInstalled(service.Name)
	if err != nil {
		logger.Warnf("failed to query %s after restore: %v", service.Name, err)
		return
	}
	if !registered {
		if err := r.services.Install(service.Descriptor(args)); err != nil {
			logger.Errorf("failed to register the previous binary: %v", err)
			return
		}
	}
	if err := r.services.Start(service.Name, args...); err != nil {
		logger.Errorf("failed to start the previous binary: %v", err)
	}
}

// backupTarget copies target into the backup dir. It returns an empty path
// when there is nothing to back up.
func (r *Reinstaller) backupTarget(target string) (string, error) {
	if !util.FileExists(target) {
		return "", nil
	}

	if err := os.MkdirAll(r.backupDir, 0750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	backup := filepath.Join(r.backupDir, filepath.Base(target)+".reinstall")
	if err := util.CopyFileContents(target, backup); err != nil {
		return "", fmt.Errorf("back up %s: %w", target, err)
	}
	return backup, nil
}

func (r *Reinstaller) discardBackup(backup string, logger *log.Entry) {
	if backup == "" {
		return
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("failed to remove backup %s: %v", backup, err)
	}
}

func copyExecutable(src, dst string) error {
	if err := util.CopyFileContents(src, dst); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := os.Chmod(dst, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	return nil
}
