package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?err} and bare $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads the YAML file at path, expands environment variables and
// overlays the result on DefaultConfig. A .env next to the config file (and
// one in the working directory) is loaded first without overriding variables
// already present in the environment.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loadEnvFiles(path, logger)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	checkFilePermissions(path, logger)

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	resolveRelativePaths(cfg, filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile probes the conventional locations for a config file and
// returns the first that exists, or "".
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"agentgate.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "agentgate", "config.yaml"),
			filepath.Join(home, ".agentgate", "config.yaml"),
		)
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// loadEnvFiles loads .env from the config directory and the working
// directory. godotenv.Load never overrides existing environment variables.
func loadEnvFiles(configPath string, logger *slog.Logger) {
	candidates := []string{
		filepath.Join(filepath.Dir(configPath), ".env"),
		".env",
	}
	seen := make(map[string]bool, len(candidates))
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			logger.Warn("loading .env file", "path", abs, "err", err)
			continue
		}
		logger.Debug("loaded .env file", "path", abs)
	}
}

// expandEnvVars substitutes environment variables in the raw YAML text.
// ${VAR:-default} falls back when VAR is unset or empty; ${VAR:?message}
// fails loading with the message when VAR is unset.
func expandEnvVars(raw string) (string, error) {
	var expandErr error
	out := envVarPattern.ReplaceAllStringFunc(raw, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[4]
		}
		value := os.Getenv(name)

		switch groups[2] {
		case "-":
			if value == "" {
				return groups[3]
			}
		case "?":
			if value == "" {
				msg := groups[3]
				if msg == "" {
					msg = "required but not set"
				}
				if expandErr == nil {
					expandErr = fmt.Errorf("config: environment variable %s: %s", name, msg)
				}
			}
		}
		return value
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// resolveRelativePaths anchors relative file paths to the config directory
// so the daemon behaves the same regardless of the working directory.
func resolveRelativePaths(cfg *Config, base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.Database = resolve(cfg.Database)
	cfg.Sandbox.WorkDir = resolve(cfg.Sandbox.WorkDir)
	for _, p := range cfg.Personas {
		p.Workspace = resolve(p.Workspace)
		for i, f := range p.PromptFiles {
			if !filepath.IsAbs(f) && p.Workspace == "" {
				p.PromptFiles[i] = resolve(f)
			}
		}
	}
}

// checkFilePermissions warns when the config file is readable by other
// users, since it may hold API keys.
func checkFilePermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o044 != 0 && containsSecrets(path) {
		logger.Warn("config file is readable by other users, consider chmod 600", "path", path)
	}
}

func containsSecrets(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "api_key") || strings.Contains(s, "token")
}
