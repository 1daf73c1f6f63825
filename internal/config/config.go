package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target is the on-disk configuration of one repair target, loaded from
// <target dir>/config.yaml.
//
// A target directory looks like:
//
//	config.yaml   this file
//	build.sh      opaque build entrypoint (honors CC/CXX/CFLAGS/...)
//	src/          the source tree under repair
//	eval/         seed corpus (plain files only)
type Target struct {
	// Path is the absolute target directory. Filled in by Load, never read
	// from the file itself.
	Path string `yaml:"-"`

	Project Project `yaml:"project"`

	// Environment carries extra environment variables for build and run.
	Environment Environment `yaml:"environment,omitempty"`

	// LLM selects the patch-proposal backend.
	LLM LLM `yaml:"llm,omitempty"`
}

type Project struct {
	Name string `yaml:"name"`

	// Executable is the binary name build.sh produces in the work directory.
	Executable string `yaml:"executable"`

	// Standard is the language standard passed to the compilers ("c11",
	// "c++17", ...). A "c++" prefix selects the C++ toolchain.
	Standard string `yaml:"standard"`
}

type Environment struct {
	Build   map[string]string `yaml:"build,omitempty"`
	Runtime map[string]string `yaml:"runtime,omitempty"`
}

type LLM struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider,omitempty"`
	// Model overrides the provider default model id.
	Model string `yaml:"model,omitempty"`
}

func (c *Target) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Project.Name) == "" {
		return errors.New("missing project.name")
	}
	if strings.TrimSpace(c.Project.Executable) == "" {
		return errors.New("missing project.executable")
	}
	exe := strings.TrimSpace(c.Project.Executable)
	if strings.Contains(exe, "/") || strings.Contains(exe, "..") {
		return fmt.Errorf("invalid project.executable %q", exe)
	}
	if strings.TrimSpace(c.Project.Standard) == "" {
		return errors.New("missing project.standard")
	}
	switch p := strings.TrimSpace(c.LLM.Provider); p {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("invalid llm.provider %q", p)
	}
	return nil
}

// IsCPP reports whether the target builds with the C++ toolchain.
func (c *Target) IsCPP() bool {
	if c == nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(c.Project.Standard), "c++")
}

func (c *Target) SourceDir() string { return filepath.Join(c.Path, "src") }
func (c *Target) SeedDir() string { return filepath.Join(c.Path, "eval") }
func (c *Target) BuildScript() string { return filepath.Join(c.Path, "build.sh") }

// StateDir is where campaign state (revisions, session db, audit log,
// records) lives. It is created on demand.
func (c *Target) StateDir() string { return filepath.Join(c.Path, ".afixl") }

// Load reads and validates <dir>/config.yaml and checks the target layout.
func Load(dir string) (*Target, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("missing target directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("target path %s is not a directory", abs)
	}

	b, err := os.ReadFile(filepath.Join(abs, "config.yaml"))
	if err != nil {
		return nil, err
	}
	var cfg Target
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	cfg.Path = abs
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	if err := validateLayout(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateLayout checks the target directory structure beyond config.yaml:
// build.sh must exist, src/ must be a non-empty directory, and eval/ must be
// a non-empty directory containing only plain files (the seed corpus).
func validateLayout(cfg *Target) error {
	st, err := os.Stat(cfg.BuildScript())
	if err != nil || st.IsDir() {
		return fmt.Errorf("target is missing build.sh at %s", cfg.BuildScript())
	}

	for _, dir := range []string{cfg.SourceDir(), cfg.SeedDir()} {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			return fmt.Errorf("target is missing directory %s", dir)
		}
		ents, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		if len(ents) == 0 {
			return fmt.Errorf("target directory %s is empty", dir)
		}
	}

	ents, err := os.ReadDir(cfg.SeedDir())
	if err != nil {
		return err
	}
	for _, ent := range ents {
		if ent.IsDir() {
			return fmt.Errorf("seed directory %s must contain only files, found directory %s", cfg.SeedDir(), ent.Name())
		}
	}
	return nil
}
