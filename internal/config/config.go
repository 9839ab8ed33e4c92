// Package config reads the process's ambient configuration: environment
// variables per §6 and the two human-edited YAML surfaces under
// config/workflow.yaml and config/agents.yaml. It follows the teacher's
// DefaultConfig()-style constructor (orchestrator.go) rather than a
// flag-only setup, since the CLI now builds its config struct once at
// startup and hands it down to long-lived components.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
)

// Config is the process-wide configuration assembled from environment
// variables (§6) at startup.
type Config struct {
	Home       string `yaml:"home"`
	MaxWorkers int    `yaml:"maxWorkers"`
	LogLevel   string `yaml:"logLevel"`
}

// DefaultConfig returns the documented defaults (§6): AD_SDLC_HOME
// defaults to ./.ad-sdlc, AD_SDLC_MAX_WORKERS to 5.
func DefaultConfig() Config {
	return Config{
		Home:       "./.ad-sdlc",
		MaxWorkers: 5,
		LogLevel:   "INFO",
	}
}

// FromEnviron overlays recognized environment variables onto the defaults.
func FromEnviron() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("AD_SDLC_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("AD_SDLC_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("AD_SDLC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}
	return cfg
}

// SecretEnviron collects every "*_TOKEN" environment variable into a
// name->value lookup for the Security Gate's SecretManager, matching §6's
// "opaque bag of *_TOKEN secrets consumed by Security Gate".
func SecretEnviron() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasSuffix(name, "_TOKEN") {
			continue
		}
		out[name] = value
	}
	return out
}

// WorkflowConfig is config/workflow.yaml: the retry/timeout knobs the
// Orchestrator and Controller are built with. It holds no pipeline-stage
// list; the stage tables are fixed in the Orchestrator. A zero-value WorkflowConfig is not usable; callers get one from
// LoadWorkflow or DefaultWorkflow.
type WorkflowConfig struct {
	SchemaVersion   string        `yaml:"schemaVersion"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout"`
	StallThreshold  time.Duration `yaml:"stallThreshold"`
	CycleInterval   time.Duration `yaml:"cycleInterval"`
	RetryMax        int           `yaml:"retryMax"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
}

func (w *WorkflowConfig) GetSchemaVersion() string  { return w.SchemaVersion }
func (w *WorkflowConfig) SetSchemaVersion(v string) { w.SchemaVersion = v }

// DefaultWorkflow mirrors the teacher's DefaultConfig() shape: sensible
// defaults a fresh install can run without editing config/workflow.yaml.
func DefaultWorkflow() WorkflowConfig {
	return WorkflowConfig{
		SchemaVersion:   "1.0",
		DispatchTimeout: 30 * time.Minute,
		StallThreshold:  1 * time.Hour,
		CycleInterval:   10 * time.Second,
		RetryMax:        3,
		RetryBaseDelay:  100 * time.Millisecond,
	}
}

// LoadWorkflow reads and parses config/workflow.yaml, falling back to
// DefaultWorkflow if the file does not exist.
func LoadWorkflow(path string) (WorkflowConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultWorkflow(), nil
	}
	if err != nil {
		return WorkflowConfig{}, errs.Wrap(errs.KindIOError, "read workflow config", err)
	}
	cfg := DefaultWorkflow()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return WorkflowConfig{}, errs.Wrap(errs.KindSchemaValidation, "parse workflow config", err)
	}
	return cfg, nil
}

// AgentEntry is one entry of config/agents.yaml: a static descriptor the
// CLI registers into the Agent Registry at startup, mirroring
// model.AgentDescriptor plus the AgentType and Transport fields, which
// model.AgentDescriptor does not have.
type AgentEntry struct {
	AgentID      string             `yaml:"agentId"`
	Name         string             `yaml:"name"`
	Description  string             `yaml:"description"`
	Lifecycle    model.Lifecycle    `yaml:"lifecycle"`
	Dependencies []model.Dependency `yaml:"dependencies,omitempty"`
	AgentType    string             `yaml:"agentType"`
	Transport    string             `yaml:"transport"` // "in-process" | "file-bridge"
}

// AgentsConfig is the parsed form of config/agents.yaml.
type AgentsConfig struct {
	SchemaVersion string       `yaml:"schemaVersion"`
	Agents        []AgentEntry `yaml:"agents"`
}

func (a *AgentsConfig) GetSchemaVersion() string  { return a.SchemaVersion }
func (a *AgentsConfig) SetSchemaVersion(v string) { a.SchemaVersion = v }

// LoadAgents reads and parses config/agents.yaml.
func LoadAgents(path string) (AgentsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentsConfig{}, errs.Wrap(errs.KindIOError, "read agents config", err)
	}
	var cfg AgentsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AgentsConfig{}, errs.Wrap(errs.KindSchemaValidation, "parse agents config", err)
	}
	if cfg.SchemaVersion == "" {
		return AgentsConfig{}, errs.New(errs.KindSchemaValidation, "agents config missing schemaVersion: "+path)
	}
	return cfg, nil
}

// Validate reports whether the loaded config is internally consistent
// enough to build a process from (non-zero worker count, known log level).
func (c Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return errs.New(errs.KindValidation, fmt.Sprintf("AD_SDLC_MAX_WORKERS must be positive, got %d", c.MaxWorkers))
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return errs.New(errs.KindValidation, "AD_SDLC_LOG_LEVEL must be one of DEBUG|INFO|WARN|ERROR, got "+c.LogLevel)
	}
	return nil
}
