package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML (or JSON) file into out after substituting ${VAR}
// references with environment values.
func Load(filePath string, out interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	return nil
}

// LoadFile loads a tap configuration, applies defaults and validates it.
func LoadFile(filePath string) (*Config, error) {
	cfg := &Config{}
	if err := Load(filePath, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a configuration as YAML.
func Save(filePath string, cfg interface{}) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// ${VAR_NAME:-default} falls back to default when VAR_NAME is unset or empty.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := content[start+2 : end]
		name, fallback, hasDefault := strings.Cut(expr, ":-")
		value := os.Getenv(name)
		if value == "" && hasDefault {
			value = fallback
		}

		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
