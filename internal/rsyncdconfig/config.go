// Package rsyncdconfig reads the daemon's TOML configuration:
// listeners, exported modules and, for restricted modules, the secrets
// that unlock them.
package rsyncdconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/stapelberg/rsyncd/internal/rsyncmod"
)

type Listener struct {
	Rsyncd         string `toml:"rsyncd"`
	HTTPMonitoring string `toml:"http_monitoring"`
}

type Config struct {
	Listeners []Listener        `toml:"listener"`
	Modules   []rsyncmod.Module `toml:"module"`

	// SecretsFiles maps module names to files in rsyncd.secrets format
	// (user:secret per line). Parsed into the module's Secrets map,
	// which marks the module restricted.
	SecretsFiles map[string]string `toml:"secrets_file"`
}

func FromString(input string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(input, &cfg); err != nil {
		return nil, err
	}
	for name, fn := range cfg.SecretsFiles {
		secrets, err := readSecretsFile(fn)
		if err != nil {
			return nil, fmt.Errorf("module %q: %v", name, err)
		}
		if err := cfg.setSecrets(name, secrets); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (cfg *Config) setSecrets(moduleName string, secrets map[string]string) error {
	for idx := range cfg.Modules {
		if cfg.Modules[idx].Name == moduleName {
			cfg.Modules[idx].Secrets = secrets
			return nil
		}
	}
	return fmt.Errorf("secrets_file refers to unknown module %q", moduleName)
}

// readSecretsFile parses the rsyncd.secrets format: one user:secret
// pair per line, empty lines and #-comments ignored.
func readSecretsFile(fn string) (map[string]string, error) {
	input, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	secrets := make(map[string]string)
	for lineno, line := range strings.Split(string(input), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, secret, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%s:%d: malformed line, expected user:secret", fn, lineno+1)
		}
		secrets[user] = secret
	}
	return secrets, nil
}

func FromFile(path string) (*Config, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromString(string(input))
}

func FromDefaultFiles() (*Config, string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, "", err
	}
	fn := filepath.Join(configDir, "rsyncd-server.toml")
	cfg, err := FromFile(fn)
	if err != nil {
		return nil, "", err
	}
	return cfg, fn, nil
}
