package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

const (
	// UpdatePolicyFile is read from the bundle root after every extraction
	UpdatePolicyFile = "upgrade_config.json"
	// InstallGateFile is read from the bundle root on a fresh host
	InstallGateFile = "install_config.json"
)

// ErrGateAbsent is returned when the bundle carries no install gate
var ErrGateAbsent = errors.New("install gate manifest not found")

// UpdatePolicy governs how every service is handled in one cycle
type UpdatePolicy struct {
	FullReinstall   bool   `json:"full_reinstall"`
	Reason          string `json:"reason"`
	RequiredVersion string `json:"required_version"`
	IssuedAt        string `json:"timestamp"`
}

// ServiceEntry names a service and its executable inside the bundle
type ServiceEntry struct {
	Name string `json:"name"`
	Exe  string `json:"exe"`
}

// InstallGate tells a fresh host whether to install services
type InstallGate struct {
	EnableInitialInstall bool           `json:"enable_initial_install"`
	InstallReason        string         `json:"install_reason"`
	RequiredVersion      string         `json:"required_version"`
	IssuedAt             string         `json:"timestamp"`
	Services             []ServiceEntry `json:"services"`
}

type rawPolicy struct {
	FullReinstall   json.RawMessage `json:"full_reinstall"`
	Reason          string          `json:"reason"`
	RequiredVersion string          `json:"required_version"`
	IssuedAt        string          `json:"timestamp"`
}

// LoadUpdatePolicy reads the bundle manifest. Absent or malformed manifests yield
// the restart-only policy, as does a full_reinstall value that is not a boolean.
func LoadUpdatePolicy(path string, logger *log.Entry) UpdatePolicy {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Infof("no update policy in bundle, using restart-only")
		} else {
			logger.Warnf("failed to read update policy %s: %v", path, err)
		}
		return UpdatePolicy{}
	}

	var raw rawPolicy
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warnf("malformed update policy %s, using restart-only: %v", path, err)
		return UpdatePolicy{}
	}

	policy := UpdatePolicy{
		Reason:          raw.Reason,
		RequiredVersion: raw.RequiredVersion,
		IssuedAt:        raw.IssuedAt,
	}

	if len(raw.FullReinstall) > 0 {
		var full bool
		if err := json.Unmarshal(raw.FullReinstall, &full); err != nil {
			logger.Warnf("full_reinstall is not a boolean (%s), using restart-only", string(raw.FullReinstall))
		} else {
			policy.FullReinstall = full
		}
	}

	if policy.RequiredVersion != "" {
		if _, err := goversion.NewVersion(policy.RequiredVersion); err != nil {
			logger.Warnf("update policy carries invalid required_version %q: %v", policy.RequiredVersion, err)
		}
	}

	logger.Infof("update policy: full_reinstall=%t reason=%q required_version=%q", policy.FullReinstall, policy.Reason, policy.RequiredVersion)
	return policy
}

// LoadInstallGate reads the install gate manifest. ErrGateAbsent is returned when it does not exist.
func LoadInstallGate(path string) (InstallGate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return InstallGate{}, ErrGateAbsent
		}
		return InstallGate{}, fmt.Errorf("read install gate: %w", err)
	}

	var gate InstallGate
	if err := json.Unmarshal(data, &gate); err != nil {
		return InstallGate{}, fmt.Errorf("parse install gate: %w", err)
	}

	return gate, nil
}
