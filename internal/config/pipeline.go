package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"memphisflow/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the parsed spec and an absolute path to the source config (if set).
// Relative sink config and checkpoint paths are resolved in place.
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "memphis"
	}
	if cfg.Source.Driver == "" {
		cfg.Source.Driver = cfg.Source.Kind
	}
	base := filepath.Dir(path)
	cfg.SinkConfigs.Memphis.Config = resolve(base, cfg.SinkConfigs.Memphis.Config)
	cfg.Checkpoint.Path = resolve(base, cfg.Checkpoint.Path)
	return cfg, resolve(base, cfg.Source.Config), nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
