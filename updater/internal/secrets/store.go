package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SupportedVersion is the only store document version understood
const SupportedVersion = 1

// ErrUnknownRegion is returned when the store has no entry for a region
var ErrUnknownRegion = errors.New("unknown region")

// Endpoint is the decrypted blob source of a region
type Endpoint struct {
	BaseURL  string
	SASToken string
}

type regionEntry struct {
	BaseURL  string `yaml:"base_url"`
	SASToken string `yaml:"sas_token"`
}

type document struct {
	Version int                    `yaml:"version"`
	Regions map[string]regionEntry `yaml:"regions"`
}

// Store resolves region keys to endpoints. Values stay encrypted until requested.
type Store struct {
	regions   map[string]regionEntry
	decryptor *Decryptor
}

// LoadStore parses the region document at path
func LoadStore(path string, decryptor *Decryptor) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets store: %w", err)
	}
	return ParseStore(data, decryptor)
}

// ParseStore parses a region document
func ParseStore(data []byte, decryptor *Decryptor) (*Store, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse secrets store: %w", err)
	}
	if doc.Version != SupportedVersion {
		return nil, fmt.Errorf("unsupported secrets store version %d", doc.Version)
	}

	regions := make(map[string]regionEntry, len(doc.Regions))
	for name, entry := range doc.Regions {
		regions[strings.ToLower(name)] = entry
	}

	return &Store{regions: regions, decryptor: decryptor}, nil
}

// Regions lists the known region keys
func (s *Store) Regions() []string {
	names := make([]string, 0, len(s.regions))
	for name := range s.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoint decrypts the base URL and SAS token of region
func (s *Store) Endpoint(region string) (Endpoint, error) {
	entry, ok := s.regions[strings.ToLower(region)]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}

	baseURL, err := s.decryptor.Decrypt(entry.BaseURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("decrypt base url of %s: %w", region, err)
	}

	token, err := s.decryptor.Decrypt(entry.SASToken)
	if err != nil {
		return Endpoint{}, fmt.Errorf("decrypt sas token of %s: %w", region, err)
	}

	return Endpoint{BaseURL: strings.TrimRight(baseURL, "/"), SASToken: strings.TrimPrefix(token, "?")}, nil
}
