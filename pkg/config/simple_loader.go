// Package config provides simple configuration loading
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a LoaderConfig from a YAML file on top of the defaults.
func Load(filePath string) (*LoaderConfig, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a LoaderConfig seeded with defaults.
func Parse(data []byte) (*LoaderConfig, error) {
	cfg := NewLoaderConfig("")

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "nebula-loader"
	}

	return cfg, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, cfg *LoaderConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			b.WriteString(content)
			return b.String()
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			b.WriteString(content)
			return b.String()
		}
		end += start

		expr := content[start+2 : end]
		name, fallback, hasDefault := strings.Cut(expr, ":-")
		value, ok := os.LookupEnv(name)
		if (!ok || value == "") && hasDefault {
			value = fallback
		}

		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
}
