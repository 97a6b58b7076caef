package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "WRITER"
	defaultHTTPAddress       = "127.0.0.1:8089"
	defaultDatabasePath      = "writer-agent.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 12 * 60
	defaultSyncInterval      = 5 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultFileTimeout       = 5 * time.Minute
	defaultNotesPollInterval = 200 * time.Millisecond
)

// AppConfig captures runtime configuration for the writer agent.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	Ephemeral         bool
	LogLevel          string
	LogFile           string
	SigningSecret     string
	TokenTTL          time.Duration
	SyncInterval      time.Duration
	RequestTimeout    time.Duration
	FileTimeout       time.Duration
	NotesPollInterval time.Duration
	Launch            LaunchConfig
}

// LaunchConfig mirrors the launch context handed over by the backend when the writer is opened.
// All fields are optional; when the backend url is set the agent initializes on start.
type LaunchConfig struct {
	BackendURL     string
	ReturnURL      string
	UserKey        string
	EnvironmentKey string
	DataToken      string
	Hash           string
}

// Present reports whether a launch context was configured.
func (l LaunchConfig) Present() bool {
	return strings.TrimSpace(l.BackendURL) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.ephemeral", false)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("api.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.file_timeout", defaultFileTimeout)
	configViper.SetDefault("notes.poll_interval", defaultNotesPollInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:      configViper.GetString("database.path"),
		Ephemeral:         configViper.GetBool("database.ephemeral"),
		LogLevel:          configViper.GetString("log.level"),
		LogFile:           configViper.GetString("log.file"),
		SigningSecret:     configViper.GetString("api.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("api.token_ttl_minutes")) * time.Minute,
		SyncInterval:      configViper.GetDuration("sync.interval"),
		RequestTimeout:    configViper.GetDuration("sync.request_timeout"),
		FileTimeout:       configViper.GetDuration("sync.file_timeout"),
		NotesPollInterval: configViper.GetDuration("notes.poll_interval"),
		Launch: LaunchConfig{
			BackendURL:     configViper.GetString("launch.backend_url"),
			ReturnURL:      configViper.GetString("launch.return_url"),
			UserKey:        configViper.GetString("launch.user_key"),
			EnvironmentKey: configViper.GetString("launch.environment_key"),
			DataToken:      configViper.GetString("launch.data_token"),
			Hash:           configViper.GetString("launch.hash"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("api.signing_secret is required")
	}
	if !c.Ephemeral && strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be positive")
	}
	if c.FileTimeout < c.RequestTimeout {
		return fmt.Errorf("sync.file_timeout must not be shorter than sync.request_timeout")
	}
	if c.NotesPollInterval <= 0 {
		return fmt.Errorf("notes.poll_interval must be positive")
	}
	return nil
}
