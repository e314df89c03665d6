package settings

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nexusio/nexus/updater/internal/schedule"
	"github.com/nexusio/nexus/updater/internal/upgrade"
	"github.com/nexusio/nexus/util"
)

var (
	ErrMissingCompanyID = errors.New("company id is required")
	ErrMissingRegion    = errors.New("region is required")
)

// Settings is the persisted updater configuration
type Settings struct {
	CompanyID       string                   `json:"CompanyID"`
	Region          string                   `json:"Region"`
	SiteID          string                   `json:"SiteID"`
	CronTab         string                   `json:"CronTab,omitempty"`
	ProxyConfigPath string                   `json:"ProxyConfig,omitempty"`
	SecretsPath     string                   `json:"Secrets,omitempty"`
	BlobName        string                   `json:"BlobName,omitempty"`
	LogLevel        string                   `json:"LogLevel,omitempty"`
	LogFile         string                   `json:"LogConfig,omitempty"`
	MetricsAddr     string                   `json:"MetricsAddr,omitempty"`
	InstallDir      string                   `json:"InstallDir,omitempty"`
	Services        []upgrade.ManagedService `json:"Services,omitempty"`
}

// NormalizeRegion lowercases region and capitalizes its first letter
func NormalizeRegion(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(region)
	return string(unicode.ToUpper(r)) + region[size:]
}

// Load reads the settings at path, fills defaults relative to paths and validates them
func Load(path string, paths Paths) (*Settings, error) {
	s := &Settings{}
	if _, err := util.ReadJson(path, s); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	s.ApplyDefaults(paths)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Save validates s and writes it to path
func Save(ctx context.Context, path string, s *Settings) error {
	s.Region = NormalizeRegion(s.Region)
	if err := s.Validate(); err != nil {
		return err
	}
	if err := util.WriteJson(ctx, path, s); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}

// ApplyDefaults fills every unset optional field
func (s *Settings) ApplyDefaults(paths Paths) {
	s.Region = NormalizeRegion(s.Region)
	if s.CronTab == "" {
		s.CronTab = schedule.DefaultExpression
	}
	if s.SecretsPath == "" {
		s.SecretsPath = filepath.Join(paths.ConfigDir, SecretsFileName)
	}
	if s.BlobName == "" {
		s.BlobName = DefaultBlobName
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFile == "" {
		s.LogFile = filepath.Join(paths.LogDir, LogFileName)
	}
	if s.InstallDir == "" {
		s.InstallDir = DefaultInstallDir()
	}
	if len(s.Services) == 0 {
		s.Services = upgrade.DefaultServices(s.InstallDir)
	}
}

// Validate checks required fields and the cron expression
func (s *Settings) Validate() error {
	if s.CompanyID == "" {
		return ErrMissingCompanyID
	}
	if s.Region == "" {
		return ErrMissingRegion
	}
	if s.CronTab != "" {
		if _, err := schedule.Parse(s.CronTab); err != nil {
			return fmt.Errorf("crontab: %w", err)
		}
	}
	for i, svc := range s.Services {
		if svc.Name == "" || svc.TargetPath == "" || svc.CandidateName == "" {
			return fmt.Errorf("service %d is missing its name or binary paths", i)
		}
	}
	return nil
}

// Identity returns the host identity passed to managed services
func (s *Settings) Identity() upgrade.Identity {
	return upgrade.Identity{CompanyID: s.CompanyID, Region: s.Region, SiteID: s.SiteID}
}
