package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "POSSYNC"
	defaultHTTPAddress    = "0.0.0.0:3001"
	defaultDataDir        = "./data"
	defaultDataFile       = "server_db.json"
	defaultLogLevel       = "info"
	defaultCloudDebounce  = 5 * time.Second
	defaultScanPort       = 3001
	defaultDialTimeout    = 400 * time.Millisecond
	defaultLocalServerURL = "http://127.0.0.1:3001"
	defaultClientDBPath   = "possync-client.db"
	defaultPushInterval   = 2 * time.Second
	defaultResyncInterval = 30 * time.Second
	defaultHealthInterval = 60 * time.Second
	fallbackServerName    = "possync"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress   string `validate:"required,hostname_port"`
	ServerName    string `validate:"required"`
	DataDir       string `validate:"required"`
	DataFile      string `validate:"required"`
	BackupDir     string
	Watch         bool
	EncryptionKey string
	JournalPath   string
	CloudURL      string        `validate:"omitempty,url"`
	CloudDebounce time.Duration `validate:"gt=0"`
	ScanPort      int           `validate:"gt=0,lte=65535"`
	DialTimeout   time.Duration `validate:"gt=0"`
	LogLevel      string        `validate:"omitempty,oneof=debug info warn warning error"`
	LogFile       string
}

// DataPath is the server document's file path.
func (c AppConfig) DataPath() string {
	return filepath.Join(c.DataDir, c.DataFile)
}

// ClientConfig captures runtime configuration for a device client.
type ClientConfig struct {
	ServerURL      string        `validate:"omitempty,url"`
	LocalServerURL string        `validate:"required,url"`
	DBPath         string        `validate:"required"`
	DeviceName     string        `validate:"required"`
	PushInterval   time.Duration `validate:"gt=0"`
	ResyncInterval time.Duration `validate:"gt=0"`
	HealthInterval time.Duration `validate:"gt=0"`
	EncryptionKey  string
	LogLevel       string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFile        string
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

	hostname := hostnameOr(fallbackServerName)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("server.name", hostname)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("data.file", defaultDataFile)
	configViper.SetDefault("data.backup_dir", "")
	configViper.SetDefault("data.watch", true)
	configViper.SetDefault("encryption.key", "")
	configViper.SetDefault("journal.path", "")
	configViper.SetDefault("cloud.url", "")
	configViper.SetDefault("cloud.debounce", defaultCloudDebounce)
	configViper.SetDefault("discovery.scan_port", defaultScanPort)
	configViper.SetDefault("discovery.dial_timeout", defaultDialTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")

	configViper.SetDefault("client.server_url", "")
	configViper.SetDefault("client.local_server_url", defaultLocalServerURL)
	configViper.SetDefault("client.db_path", defaultClientDBPath)
	configViper.SetDefault("client.device_name", hostname)
	configViper.SetDefault("client.push_interval", defaultPushInterval)
	configViper.SetDefault("client.resync_interval", defaultResyncInterval)
	configViper.SetDefault("client.health_interval", defaultHealthInterval)
	configViper.SetDefault("client.encryption_key", "")
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   strings.TrimSpace(configViper.GetString("http.address")),
		ServerName:    strings.TrimSpace(configViper.GetString("server.name")),
		DataDir:       strings.TrimSpace(configViper.GetString("data.dir")),
		DataFile:      strings.TrimSpace(configViper.GetString("data.file")),
		BackupDir:     strings.TrimSpace(configViper.GetString("data.backup_dir")),
		Watch:         configViper.GetBool("data.watch"),
		EncryptionKey: configViper.GetString("encryption.key"),
		JournalPath:   strings.TrimSpace(configViper.GetString("journal.path")),
		CloudURL:      strings.TrimSpace(configViper.GetString("cloud.url")),
		CloudDebounce: configViper.GetDuration("cloud.debounce"),
		ScanPort:      configViper.GetInt("discovery.scan_port"),
		DialTimeout:   configViper.GetDuration("discovery.dial_timeout"),
		LogLevel:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFile:       strings.TrimSpace(configViper.GetString("log.file")),
	}

	if err := check(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      strings.TrimSpace(configViper.GetString("client.server_url")),
		LocalServerURL: strings.TrimSpace(configViper.GetString("client.local_server_url")),
		DBPath:         strings.TrimSpace(configViper.GetString("client.db_path")),
		DeviceName:     strings.TrimSpace(configViper.GetString("client.device_name")),
		PushInterval:   configViper.GetDuration("client.push_interval"),
		ResyncInterval: configViper.GetDuration("client.resync_interval"),
		HealthInterval: configViper.GetDuration("client.health_interval"),
		EncryptionKey:  configViper.GetString("client.encryption_key"),
		LogLevel:       strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFile:        strings.TrimSpace(configViper.GetString("log.file")),
	}

	if err := check(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func check(cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		if fieldError.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", fieldError.Field(), fieldError.Tag(), fieldError.Param()))
			continue
		}
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

func hostnameOr(fallback string) string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return fallback
	}
	return hostname
}
