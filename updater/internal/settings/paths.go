package settings

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// DefaultBlobName is the bundle object name in the blob store
	DefaultBlobName = "nexus_agent_upgrade_manager.zip"

	ConfigFileName      = "nexus.json"
	SecretsFileName     = "secrets.yaml"
	LogFileName         = "nexus.log"
	ZipHashFileName     = "zip_hashes.json"
	ServiceHashFileName = "service_hashes.json"
)

// Paths is the on-disk layout under the updater root
type Paths struct {
	Root            string
	ConfigDir       string
	LogDir          string
	ZipDir          string
	ExtractDir      string
	BackupDir       string
	ConfigFile      string
	ZipHashFile     string
	ServiceHashFile string
}

// DefaultRoot returns the updater root for this OS
func DefaultRoot() string {
	if runtime.GOOS == "windows" {
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "Nexus")
	}
	return "/var/lib/nexus"
}

// DefaultInstallDir returns where the managed services are installed
func DefaultInstallDir() string {
	if runtime.GOOS == "windows" {
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		return filepath.Join(programFiles, "Nexus", "Agent")
	}
	return "/opt/nexus/agent"
}

// NewPaths lays out the directories under root
func NewPaths(root string) Paths {
	zipDir := filepath.Join(root, "zip")
	extractDir := filepath.Join(zipDir, "extracted")
	configDir := filepath.Join(root, "configs")

	return Paths{
		Root:            root,
		ConfigDir:       configDir,
		LogDir:          filepath.Join(root, "logs"),
		ZipDir:          zipDir,
		ExtractDir:      extractDir,
		BackupDir:       filepath.Join(zipDir, "backup"),
		ConfigFile:      filepath.Join(configDir, ConfigFileName),
		ZipHashFile:     filepath.Join(zipDir, ZipHashFileName),
		ServiceHashFile: filepath.Join(extractDir, ServiceHashFileName),
	}
}

// BundlePath is where blobName is downloaded to
func (p Paths) BundlePath(blobName string) string {
	return filepath.Join(p.ZipDir, blobName)
}

// BundleDir is the top level directory of the extracted bundle
func BundleDir(blobName string) string {
	return strings.TrimSuffix(blobName, filepath.Ext(blobName))
}

// Create makes every directory of the layout
func (p Paths) Create() error {
	for _, dir := range []string{p.ConfigDir, p.LogDir, p.ZipDir, p.ExtractDir, p.BackupDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return nil
}
