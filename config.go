package shipwright

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/procluster/shipwright/internal/fsys"
)

// Config declares the services the pipeline can build and the environment
// profiles it can build them under. It replaces per-service, per-environment
// build files with one explicit document: the same logical build is never
// expressed twice.
type Config struct {
	Services     map[string]*ServiceDescriptor  `yaml:"services"`
	Environments map[string]*EnvironmentProfile `yaml:"environments"`
}

// DefaultConfig returns the built-in declaration of the two ProCluster
// services and the dev and production profiles.
func DefaultConfig() *Config {
	return &Config{
		Services: map[string]*ServiceDescriptor{
			"worker": {
				Name:       "worker",
				SourcePath: "app2",
				Ecosystem:  EcosystemPython,
				Entrypoint: []string{"python3", "app2.py"},
			},
			"adminportal": {
				Name:         "adminportal",
				SourcePath:   "adminportal",
				Ecosystem:    EcosystemNode,
				HasBuildStep: true,
				Entrypoint:   []string{"node", "server.js"},
				ExposedPort:  3000,
				Serve:        ServeStatic,
			},
		},
		Environments: map[string]*EnvironmentProfile{
			"dev": {
				Name:         "dev",
				InstallMode:  InstallFull,
				BuildEnabled: false,
				Env: map[string]string{
					"NODE_ENV":         "development",
					"DEBUG":            "1",
					"PYTHONUNBUFFERED": "1",
				},
			},
			"production": {
				Name:         "production",
				InstallMode:  InstallCIClean,
				BuildEnabled: true,
				Env: map[string]string{
					"NODE_ENV":         "production",
					"PYTHONUNBUFFERED": "1",
				},
			},
		},
	}
}

// LoadConfig reads and validates a pipeline configuration document.
func LoadConfig(fs fsys.Filesystem, path string) (*Config, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a pipeline configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for name, svc := range cfg.Services {
		if svc == nil {
			return nil, fmt.Errorf("invalid config: service %q: empty declaration", name)
		}
		svc.Name = name
	}
	for name, env := range cfg.Environments {
		if env == nil {
			return nil, fmt.Errorf("invalid config: environment %q: empty declaration", name)
		}
		env.Name = name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every declared service and environment.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("config declares no services")
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("config declares no environments")
	}
	for _, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	for _, env := range c.Environments {
		if err := env.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// Service returns the descriptor for name.
func (c *Config) Service(name string) (*ServiceDescriptor, error) {
	svc, ok := c.Services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return svc, nil
}

// Environment returns the profile for name.
func (c *Config) Environment(name string) (*EnvironmentProfile, error) {
	env, ok := c.Environments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, name)
	}
	return env, nil
}
