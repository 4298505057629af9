// Package pipelineconfig loads the static per-project pipeline configuration
// (spec §6 "Configuration": "configs.<project>.file_specs.<platform>.files",
// site lists, test-mode flags) from a JSON document, with an optional YAML
// file of operator overrides layered on top.
//
// The split mirrors the original pipeline's two configuration sources: a
// version-controlled per-project JSON config checked in alongside each
// pipeline, and a local operator override file for site-specific knobs that
// shouldn't live in the shared JSON.
package pipelineconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/climb-tre/roz/internal/config"
	"github.com/climb-tre/roz/internal/fileset"
)

// ErrUnknownProject is returned when the pipeline is asked to operate on a
// project absent from the loaded configuration.
var ErrUnknownProject = errors.New("pipelineconfig: unknown project")

// ErrUnknownPlatform is returned when the pipeline is asked to operate on a
// (project, platform) pair absent from the loaded configuration.
var ErrUnknownPlatform = errors.New("pipelineconfig: unknown platform for project")

const (
	// DefaultConfigPathEnvVar names the environment variable holding the path
	// to the required JSON pipeline configuration.
	DefaultConfigPathEnvVar = "ROZ_PIPELINE_CONFIG"

	// DefaultOverridePathEnvVar names the environment variable holding the
	// path to the optional YAML operator override file.
	DefaultOverridePathEnvVar = "ROZ_PIPELINE_OVERRIDES"

	// DefaultOverridePath mirrors the hidden-dotfile convention used
	// elsewhere in this codebase for local operator configuration.
	DefaultOverridePath = ".roz-overrides.yaml"
)

type (
	// PlatformSpec is the required file set for one platform within a
	// project (spec §6 "file_specs.<platform>.files").
	PlatformSpec struct {
		Files []string `json:"files"`
	}

	// ProjectSpec is one project's full pipeline configuration: the set of
	// sites permitted to submit, the per-platform required file sets, and
	// which record-API namespace the project maps to.
	ProjectSpec struct {
		Sites          []string                `json:"sites"`
		FileSpecs      map[string]PlatformSpec `json:"file_specs"`
		RecordAPITable string                  `json:"record_api_table"`
	}

	// Config is the full static pipeline configuration, keyed by project
	// code (spec §3 "project").
	Config struct {
		Projects map[string]ProjectSpec `json:"projects"`
	}

	// Overrides is the optional operator-supplied YAML layer. Each non-empty
	// field replaces the corresponding JSON value for that project; zero
	// values leave the JSON configuration untouched.
	Overrides struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		Projects map[string]ProjectOverride `yaml:"projects"`
	}

	// ProjectOverride holds the fields an operator may override for a
	// single project.
	ProjectOverride struct {
		Sites []string `yaml:"sites"`
	}
)

// Load reads the required JSON configuration from path, then layers any
// YAML overrides found at overridePath on top. A missing overridePath is not
// an error: overrides are optional, following the graceful-degradation
// pattern used for dataset-pattern aliasing configuration.
func Load(path, overridePath string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parsing %s: %w", path, err)
	}

	if cfg.Projects == nil {
		cfg.Projects = map[string]ProjectSpec{}
	}

	overrides, err := loadOverrides(overridePath)
	if err != nil {
		return nil, err
	}

	cfg.applyOverrides(overrides)

	return cfg, nil
}

// LoadFromEnv loads configuration using the paths named by
// DefaultConfigPathEnvVar and DefaultOverridePathEnvVar, falling back to
// DefaultOverridePath for the latter.
func LoadFromEnv() (*Config, error) {
	path, err := config.RequireEnv(DefaultConfigPathEnvVar)
	if err != nil {
		return nil, err
	}

	overridePath := config.GetEnvStr(DefaultOverridePathEnvVar, DefaultOverridePath)

	return Load(path, overridePath)
}

func loadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("pipeline override file not found, continuing without overrides",
				slog.String("path", path))

			return &Overrides{Projects: map[string]ProjectOverride{}}, nil
		}

		slog.Warn("failed to read pipeline override file, continuing without overrides",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Overrides{Projects: map[string]ProjectOverride{}}, nil
	}

	if len(data) == 0 {
		return &Overrides{Projects: map[string]ProjectOverride{}}, nil
	}

	out := &Overrides{}
	if err := yaml.Unmarshal(data, out); err != nil {
		slog.Warn("failed to parse pipeline override file, continuing without overrides",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Overrides{Projects: map[string]ProjectOverride{}}, nil
	}

	if out.Projects == nil {
		out.Projects = map[string]ProjectOverride{}
	}

	return out, nil
}

func (c *Config) applyOverrides(overrides *Overrides) {
	for project, override := range overrides.Projects {
		spec, ok := c.Projects[project]
		if !ok {
			continue
		}

		if len(override.Sites) > 0 {
			spec.Sites = override.Sites
		}

		c.Projects[project] = spec
	}
}

// FilesetSpec returns the fileset.Spec required for the given project and
// platform, for use by the matcher's completeness check (spec §4.1).
func (c *Config) FilesetSpec(project, platform string) (fileset.Spec, error) {
	proj, ok := c.Projects[project]
	if !ok {
		return fileset.Spec{}, fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}

	platformSpec, ok := proj.FileSpecs[platform]
	if !ok {
		return fileset.Spec{}, fmt.Errorf("%w: %s/%s", ErrUnknownPlatform, project, platform)
	}

	return fileset.Spec{Required: platformSpec.Files}, nil
}

// SiteAllowed reports whether site is permitted to submit for project.
func (c *Config) SiteAllowed(project, site string) bool {
	proj, ok := c.Projects[project]
	if !ok {
		return false
	}

	for _, s := range proj.Sites {
		if s == site {
			return true
		}
	}

	return false
}
