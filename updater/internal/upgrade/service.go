package upgrade

import (
	"path/filepath"
	"runtime"

	"github.com/nexusio/nexus/updater/internal/svcctl"
)

const (
	// AgentServiceName is the agent controller service
	AgentServiceName = "NexusAgent"
	// WatchdogServiceName is the watchdog service. It never receives generated arguments.
	WatchdogServiceName = "NexusAgentWatchdog"
)

// ManagedService is a service kept up to date from the bundle
type ManagedService struct {
	Name        string
	DisplayName string
	Description string
	// TargetPath is the installed binary
	TargetPath string
	// CandidateName is the binary path relative to the bundle root
	CandidateName string
}

// Descriptor returns the registration of s started with args
func (s ManagedService) Descriptor(args []string) svcctl.Descriptor {
	return svcctl.Descriptor{
		Name:             s.Name,
		DisplayName:      s.DisplayName,
		Description:      s.Description,
		BinaryPath:       s.TargetPath,
		Arguments:        args,
		ServiceType:      svcctl.OwnProcess,
		StartType:        svcctl.StartAutomatic,
		RestartOnFailure: true,
	}
}

// Identity is the host identity passed to services on install
type Identity struct {
	CompanyID string
	Region    string
	SiteID    string
}

// GenerateServiceArguments returns the install arguments for id, each pair only when its value is set
func GenerateServiceArguments(id Identity) []string {
	var args []string
	if id.CompanyID != "" {
		args = append(args, "--companyid", id.CompanyID)
	}
	if id.Region != "" {
		args = append(args, "--region", id.Region)
	}
	if id.SiteID != "" {
		args = append(args, "--siteid", id.SiteID)
	}
	return args
}

// ArgumentsFor returns the arguments service is installed and started with
func ArgumentsFor(service ManagedService, id Identity) []string {
	if service.Name == WatchdogServiceName {
		return nil
	}
	return GenerateServiceArguments(id)
}

// DefaultServices returns the agent and watchdog installed under installDir
func DefaultServices(installDir string) []ManagedService {
	agent, watchdog := "FluentBitManager", "watchdog/WatchdogFluentBit"
	if runtime.GOOS == "windows" {
		agent += ".exe"
		watchdog += ".exe"
	}

	return []ManagedService{
		{
			Name:          AgentServiceName,
			DisplayName:   "Nexus Agent",
			Description:   "Nexus agent controller",
			TargetPath:    filepath.Join(installDir, filepath.FromSlash(agent)),
			CandidateName: agent,
		},
		{
			Name:          WatchdogServiceName,
			DisplayName:   "Nexus Agent Watchdog",
			Description:   "Keeps the Nexus agent running",
			TargetPath:    filepath.Join(installDir, filepath.FromSlash(watchdog)),
			CandidateName: watchdog,
		},
	}
}
