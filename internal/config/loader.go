package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory is accepted if it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative target directories resolve against the config file location.
	baseDir := filepath.Dir(absPath)
	for _, t := range cfg.Targets {
		if t.Dir != "" && !filepath.IsAbs(t.Dir) {
			t.Dir = filepath.Join(baseDir, t.Dir)
		}
	}
	return cfg, nil
}

// Parse decodes YAML configuration, interpolates ${VAR} references, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// TargetNames returns the configured target names in sorted order.
func (c *Config) TargetNames() []string {
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target looks up a target by name.
func (c *Config) Target(name string) (*Target, error) {
	t, ok := c.Targets[name]
	if !ok || t == nil {
		return nil, &ConfigError{Target: name, Msg: "not configured"}
	}
	return t, nil
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Webhooks != nil {
		if cfg.Webhooks.Listen == "" {
			cfg.Webhooks.Listen = DefaultWebhookListen
		}
		for i := range cfg.Webhooks.Endpoints {
			if cfg.Webhooks.Endpoints[i].SignatureHeader == "" {
				cfg.Webhooks.Endpoints[i].SignatureHeader = DefaultSignatureHeader
			}
		}
	}

	if cfg.Targets == nil {
		cfg.Targets = make(map[string]*Target)
	}
	for name, t := range cfg.Targets {
		if t == nil {
			t = &Target{}
			cfg.Targets[name] = t
		}
		t.Name = name
		if t.Type == "" {
			t.Type = TypeAgent
		}
	}

	return cfg
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.API.Enabled {
		if cfg.API.APIKey == "" {
			return errors.New("api.api_key is required when the API is enabled")
		}
		if envVarPattern.MatchString(cfg.API.APIKey) {
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(cfg.API.APIKey)[1])
		}
	}

	for _, name := range cfg.TargetNames() {
		if err := cfg.Targets[name].Validate(""); err != nil {
			return err
		}
	}
	return validateWebhooks(cfg)
}

func validateWebhooks(cfg *Config) error {
	if cfg.Webhooks == nil {
		return nil
	}
	seen := make(map[string]bool)
	for i, ep := range cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is already used", field, ep.Path)
		}
		seen[ep.Path] = true
		if _, ok := cfg.Targets[ep.Target]; !ok {
			return fmt.Errorf("%s.target: unknown target %q", field, ep.Target)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if m := envVarPattern.FindStringSubmatch(ep.Secret); m != nil {
			return fmt.Errorf("%s.secret: environment variable ${%s} is not set", field, m[1])
		}
		if _, err := ParseByteSize(ep.MaxBodySize); err != nil {
			return fmt.Errorf("%s.max_body_size: %w", field, err)
		}
	}
	return nil
}

// Argv splits the command on whitespace. Quoting is not supported: an argument
// containing spaces cannot be expressed.
func (t *Target) Argv() []string {
	return t.commandFields()
}

func (t *Target) commandFields() []string {
	return strings.Fields(t.Command)
}
