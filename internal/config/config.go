// Package config loads agent and receiver settings from YAML with
// environment overrides (BACKHAUL_ prefix) and live reload on file change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full configuration tree for both roles. A host usually
// fills only the section for the role it runs.
type Config struct {
	LogJSON       bool          `mapstructure:"log_json"`
	NoColor       bool          `mapstructure:"no_color"`
	Debug         bool          `mapstructure:"debug"`
	StateDB       string        `mapstructure:"state_db"`
	Agent         Agent         `mapstructure:"agent"`
	Receiver      Receiver      `mapstructure:"receiver"`
	Notifications Notifications `mapstructure:"notifications"`
}

// Agent configures the backup side: the MySQL host being backed up.
type Agent struct {
	Endpoint            string `mapstructure:"endpoint"`
	UseTLS              bool   `mapstructure:"use_tls"`
	AuthToken           string `mapstructure:"auth_token"`
	WorkDir             string `mapstructure:"work_dir"`
	MaxConcurrentRuns   int    `mapstructure:"max_concurrent_runs"`
	MaxConcurrentChunks int    `mapstructure:"max_concurrent_chunks"`
	VerifyTimeout       string `mapstructure:"verify_timeout"`

	Chunking Chunking `mapstructure:"chunking"`
	Retry    Retry    `mapstructure:"retry"`

	Backups []BackupConfig `mapstructure:"backups"`
}

// Chunking sizes transfer chunks: between min and max, aiming for the
// target count.
type Chunking struct {
	MinChunkMB   int `mapstructure:"min_chunk_mb"`
	MaxChunkMB   int `mapstructure:"max_chunk_mb"`
	TargetChunks int `mapstructure:"target_chunks"`
}

// Retry shapes the per-chunk retry schedule.
type Retry struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	BaseDelay   string `mapstructure:"base_delay"`
	MaxDelay    string `mapstructure:"max_delay"`
	Jitter      bool   `mapstructure:"jitter"`
	Timeout     string `mapstructure:"timeout"`
}

// BackupConfig is one named backup target.
type BackupConfig struct {
	Name    string `mapstructure:"name"`
	DataDir string `mapstructure:"data_dir"`
	Service string `mapstructure:"service"`
	Active  *bool  `mapstructure:"active"` // pointer so omitted means true

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`

	Compression          string `mapstructure:"compression"`
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`
	EncryptionKeyFile    string `mapstructure:"encryption_key_file"`
	Schedule             string `mapstructure:"schedule"`
}

// IsActive treats a missing active flag as enabled.
func (b BackupConfig) IsActive() bool {
	return b.Active == nil || *b.Active
}

// Receiver configures the server side.
type Receiver struct {
	Listen        string   `mapstructure:"listen"`
	AuthTokens    []string `mapstructure:"auth_tokens"`
	SpoolDir      string   `mapstructure:"spool_dir"`
	TargetDir     string   `mapstructure:"target_dir"`
	MaxChunkMB    int      `mapstructure:"max_chunk_mb"`
	TokenMaxAge   string   `mapstructure:"token_max_age"`
	ArchiveURI    string   `mapstructure:"archive_uri"`
	AllowInsecure bool     `mapstructure:"allow_insecure"`
}

type Notifications struct {
	Slack    SlackConfig     `mapstructure:"slack"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Template   string `mapstructure:"template"`
}

type WebhookConfig struct {
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Template string            `mapstructure:"template"`
	Headers  map[string]string `mapstructure:"headers"`
}

var (
	mu     sync.RWMutex
	global *Config
)

// Initialize reads the config file (or the default search path) and starts
// watching it for changes. An explicit path that fails to read is an error;
// a missing default file is not.
func Initialize(configPath string) error {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("backhaul")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/backhaul")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".backhaul"))
		}
	}

	v.SetEnvPrefix("BACKHAUL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state_db", defaultStateDB())
	v.SetDefault("agent.max_concurrent_runs", 1)
	v.SetDefault("agent.max_concurrent_chunks", 4)
	v.SetDefault("agent.verify_timeout", "30s")
	v.SetDefault("agent.chunking.min_chunk_mb", 1)
	v.SetDefault("agent.chunking.max_chunk_mb", 64)
	v.SetDefault("agent.chunking.target_chunks", 64)
	v.SetDefault("agent.retry.max_attempts", 5)
	v.SetDefault("agent.retry.base_delay", "500ms")
	v.SetDefault("agent.retry.max_delay", "30s")
	v.SetDefault("agent.retry.jitter", true)
	v.SetDefault("agent.retry.timeout", "2m")
	v.SetDefault("receiver.listen", ":8443")
	v.SetDefault("receiver.max_chunk_mb", 128)
	v.SetDefault("receiver.token_max_age", "72h")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	mu.Lock()
	global = &cfg
	mu.Unlock()

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		mu.Lock()
		global = &next
		mu.Unlock()
	})
	return nil
}

// Get returns the current configuration snapshot.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return &Config{}
	}
	return global
}

func defaultStateDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "backhaul.db"
	}
	return filepath.Join(home, ".backhaul", "backhaul.db")
}
