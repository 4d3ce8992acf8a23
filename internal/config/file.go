package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file structure.
type FileConfig struct {
	BaseURL       string           `toml:"base_url"`
	Credentials   []FileCredential `toml:"credentials"`
	Quotas        *FileQuotas      `toml:"quotas"`
	Cooldown      string           `toml:"cooldown"`
	MaxFailures   int              `toml:"max_failures"`
	MaxIterations int              `toml:"max_iterations"`
	FlushInterval string           `toml:"flush_interval"`
	RetentionDays int              `toml:"retention_days"`
	Tiers         map[string]Tier  `toml:"tiers"`
	APIKeys       []FileAPIKey     `toml:"api_keys"`
}

// FileCredential is one (secret, bound model) pair; pool order follows file
// order.
type FileCredential struct {
	Secret string `toml:"secret"`
	Model  string `toml:"model"`
}

// FileQuotas holds the per-credential request ceilings. Zero means
// unlimited.
type FileQuotas struct {
	Hourly int `toml:"hourly"`
	Weekly int `toml:"weekly"`
	Daily  int `toml:"daily"`
}

// Tier is one rate-limit tier: requests and tokens per minute.
type Tier struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

// FileAPIKey is one caller key entry, stored hashed.
type FileAPIKey struct {
	Hash string `toml:"hash"`
	Role string `toml:"role"`
	Tier string `toml:"tier"`
}

// ConfigPath returns the path to the config file (~/.llamagate/config.toml).
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// LoadFile loads configuration from the TOML file.
// Returns an empty FileConfig if the file doesn't exist.
func LoadFile() (*FileConfig, error) {
	cfg := &FileConfig{}

	path := ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnsureConfigFile creates a default config file with commented examples if none exists.
func EnsureConfigFile() error {
	path := ConfigPath()

	// If config already exists, do nothing
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	// Ensure directory exists
	if err := EnsureDataDir(); err != nil {
		return err
	}

	defaultConfig := `# llamagate Configuration
# base_url = "https://ollama.com"

# Credential slots, tried in order. Each secret is bound to one model.
# [[credentials]]
# secret = "sk-..."
# model = "gpt-oss:120b"

# [[credentials]]
# secret = "sk-..."
# model = "deepseek-v3.1:671b"

# Per-credential request quotas. Omit or set 0 for unlimited.
# [quotas]
# hourly = 200
# weekly = 5000
# daily = 1000

# Failover policy
# cooldown = "5m"
# max_failures = 2

# Tool loop
# max_iterations = 10

# Usage ledger
# flush_interval = "2s"
# retention_days = 90

# Caller rate-limit tiers (requests / tokens per minute)
# [tiers.free]
# rpm = 20
# tpm = 40000

# [tiers.pro]
# rpm = 120
# tpm = 400000

# Caller API keys, argon2id-hashed. Generate with: llamagate keygen
# [[api_keys]]
# hash = "$argon2id$v=19$..."
# role = "user"
# tier = "pro"
`

	return os.WriteFile(path, []byte(defaultConfig), 0644)
}
