package harvest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceConfig defines a harvest source loaded from a YAML config file.
// A source names a survey archive: where its validation ledger lives, where
// collection and label files sit under the archive mount, and which product
// identifiers from a collection inventory are of interest.
type SourceConfig struct {
	Name           string   `yaml:"name"`
	Enabled        bool     `yaml:"enabled"`
	Ledger         string   `yaml:"ledger"`
	DataRoot       string   `yaml:"data_root,omitempty"` // overrides the global data root
	CollectionGlob string   `yaml:"collection_glob"`
	LabelSubdir    string   `yaml:"label_subdir"`
	LIDSuffixes    []string `yaml:"lid_suffixes"`
	Notes          string   `yaml:"notes,omitempty"`
}

// DefaultSourceConfig returns a SourceConfig with defaults applied.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Enabled:        true,
		CollectionGlob: "collection_*.xml",
		LabelSubdir:    "data",
		LIDSuffixes:    []string{".fits"},
	}
}

// ValidateSourceConfig returns an error describing all problems found, or
// nil if the config is valid.
func ValidateSourceConfig(cfg SourceConfig) error {
	var errs []string

	if strings.TrimSpace(cfg.Name) == "" {
		errs = append(errs, "name: required")
	}
	if strings.TrimSpace(cfg.Ledger) == "" {
		errs = append(errs, "ledger: required")
	}
	if strings.TrimSpace(cfg.CollectionGlob) == "" {
		errs = append(errs, "collection_glob: required")
	}
	for _, suffix := range cfg.LIDSuffixes {
		if !strings.HasPrefix(suffix, ".") {
			errs = append(errs, fmt.Sprintf("lid_suffixes: %q must start with a dot", suffix))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// LoadSourceConfigs reads all *.yaml files from dir (skipping files starting
// with "_"), parses each into a SourceConfig with defaults applied, and
// validates it. A non-existent directory returns an empty slice with no
// error.
func LoadSourceConfigs(dir string) ([]SourceConfig, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []SourceConfig{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading source config dir %s: %w", dir, err)
	}

	var configs []SourceConfig
	var validationErrors []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "_") || filepath.Ext(name) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, name)
		cfg, err := loadSourceFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if err := ValidateSourceConfig(cfg); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", path, err.Error()))
			continue
		}
		configs = append(configs, cfg)
	}

	if len(validationErrors) > 0 {
		return configs, fmt.Errorf("invalid source configs:\n  %s", strings.Join(validationErrors, "\n  "))
	}
	return configs, nil
}

// LoadSourceConfig loads the named source from dir.
func LoadSourceConfig(dir, name string) (SourceConfig, error) {
	configs, err := LoadSourceConfigs(dir)
	if err != nil {
		return SourceConfig{}, err
	}
	for _, cfg := range configs {
		if strings.EqualFold(cfg.Name, name) {
			return cfg, nil
		}
	}
	return SourceConfig{}, fmt.Errorf("source not found: %s", name)
}

func loadSourceFile(path string) (SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SourceConfig{}, err
	}

	cfg := DefaultSourceConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SourceConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}
	if len(cfg.LIDSuffixes) == 0 {
		cfg.LIDSuffixes = []string{".fits"}
	}
	return cfg, nil
}
