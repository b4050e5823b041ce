// Package config loads and validates the engine's declarative configuration document.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the engine reads at startup.
type Config struct {
	Repository      string                `mapstructure:"repository"` // owner/name
	AppID           int64                 `mapstructure:"appID"`
	PrivateKeyPath  string                `mapstructure:"privateKeyPath"`
	InstallationID  int64                 `mapstructure:"installationID"`
	Token           string                `mapstructure:"token"` // alternative to App auth
	LogLevel        string                `mapstructure:"logLevel"`
	ShutdownTimeout int                   `mapstructure:"shutdownTimeout"` // seconds
	WorkItemPoller  WorkItemPollerConfig  `mapstructure:"workItemPoller"`
	SpecPoller      SpecPollerConfig      `mapstructure:"specPoller"`
	RevisionPoller  RevisionPollerConfig  `mapstructure:"revisionPoller"`
	Agents          AgentsConfig          `mapstructure:"agents"`
	Logging         LoggingConfig         `mapstructure:"logging"`
	Worktree        WorktreeConfig        `mapstructure:"worktree"`
}

// WorkItemPollerConfig configures the work-item poller.
type WorkItemPollerConfig struct {
	PollInterval int `mapstructure:"pollInterval"` // seconds
}

// SpecPollerConfig configures the spec poller.
type SpecPollerConfig struct {
	PollInterval  int    `mapstructure:"pollInterval"` // seconds
	SpecsDir      string `mapstructure:"specsDir"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// RevisionPollerConfig configures the revision (PR) poller.
type RevisionPollerConfig struct {
	PollInterval int `mapstructure:"pollInterval"` // seconds
}

// AgentsConfig configures agent roles and execution limits.
type AgentsConfig struct {
	AgentPlanner     string `mapstructure:"agentPlanner"`
	AgentImplementor string `mapstructure:"agentImplementor"`
	AgentReviewer    string `mapstructure:"agentReviewer"`
	MaxAgentDuration int    `mapstructure:"maxAgentDuration"` // seconds
	InstallCommand   string `mapstructure:"installCommand"`
}

// LoggingConfig configures per-session agent transcript logging.
type LoggingConfig struct {
	AgentSessions bool   `mapstructure:"agentSessions"`
	LogsDir       string `mapstructure:"logsDir"`
}

// WorktreeConfig configures where the engine keeps its local clone of the
// tracked repository, alongside which per-work-item worktree checkouts are
// created.
type WorktreeConfig struct {
	BasePath string `mapstructure:"basePath"` // default: ~/.controlplane/repos
}

// MaxAgentDurationTime returns the configured per-session deadline as a Duration.
func (a AgentsConfig) MaxAgentDurationTime() time.Duration {
	return time.Duration(a.MaxAgentDuration) * time.Second
}

// ShutdownTimeoutTime returns the configured shutdown grace period as a Duration.
func (c Config) ShutdownTimeoutTime() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// WorkItemPollIntervalTime returns the poll interval as a Duration.
func (w WorkItemPollerConfig) WorkItemPollIntervalTime() time.Duration {
	return time.Duration(w.PollInterval) * time.Second
}

// SpecPollIntervalTime returns the poll interval as a Duration.
func (s SpecPollerConfig) SpecPollIntervalTime() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// RevisionPollIntervalTime returns the poll interval as a Duration.
func (r RevisionPollerConfig) RevisionPollIntervalTime() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("shutdownTimeout", 300)

	v.SetDefault("workItemPoller.pollInterval", 30)

	v.SetDefault("specPoller.pollInterval", 60)
	v.SetDefault("specPoller.specsDir", "docs/specs/")
	v.SetDefault("specPoller.defaultBranch", "main")

	v.SetDefault("revisionPoller.pollInterval", 30)

	v.SetDefault("agents.agentPlanner", "planner")
	v.SetDefault("agents.agentImplementor", "implementor")
	v.SetDefault("agents.agentReviewer", "reviewer")
	v.SetDefault("agents.maxAgentDuration", 1800)
	v.SetDefault("agents.installCommand", "go mod download")

	v.SetDefault("logging.agentSessions", false)
	v.SetDefault("logging.logsDir", "logs")

	v.SetDefault("worktree.basePath", "~/.controlplane/repos")
}

// Load reads configuration from the default locations (./config.yaml, /etc/controlplane/).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from configPath (if non-empty) and the default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONTROLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/controlplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Repository == "" {
		errs = append(errs, "repository is required")
	} else if !strings.Contains(cfg.Repository, "/") {
		errs = append(errs, "repository must be in owner/name form")
	}

	hasAppAuth := cfg.AppID != 0 && cfg.PrivateKeyPath != "" && cfg.InstallationID != 0
	if !hasAppAuth && cfg.Token == "" {
		errs = append(errs, "either appID/privateKeyPath/installationID or token is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, "logLevel must be one of: debug, info, error")
	}

	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdownTimeout must be positive")
	}
	if cfg.WorkItemPoller.PollInterval <= 0 {
		errs = append(errs, "workItemPoller.pollInterval must be positive")
	}
	if cfg.SpecPoller.PollInterval <= 0 {
		errs = append(errs, "specPoller.pollInterval must be positive")
	}
	if cfg.RevisionPoller.PollInterval <= 0 {
		errs = append(errs, "revisionPoller.pollInterval must be positive")
	}
	if cfg.Agents.MaxAgentDuration <= 0 {
		errs = append(errs, "agents.maxAgentDuration must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
