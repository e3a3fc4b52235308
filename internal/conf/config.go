// Package conf loads smearscan settings from config.yaml, environment
// variables and command line flags.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/malarialab/smearscan/internal/logger"
)

// Settings is the root configuration.
type Settings struct {
	Debug bool

	Main struct {
		Name string               // instance name, used as MQTT client id prefix
		Log  logger.LoggingConfig // logging outputs and levels
	}

	Detector     DetectorSettings
	Queue        QueueSettings
	Output       OutputSettings
	MQTT         MQTTSettings
	Notification NotificationSettings
	WebServer    WebServerSettings
	Sentry       SentrySettings
}

// DetectorSettings configures the object detection model.
type DetectorSettings struct {
	ModelPath    string        // model weights, forwarded to the inference service
	ModelVersion string        // recorded on every diagnosis
	InferenceURL string        // base URL of the inference service
	Threshold    float64       // minimum detection confidence, 0-1
	Timeout      time.Duration // per request timeout, 0 disables it
	RateLimit    float64       // max inference requests per second, 0 disables limiting
}

// QueueSettings configures the processing queue.
type QueueSettings struct {
	StatusRetention time.Duration // how long finished job statuses stay queryable
}

// OutputSettings selects the datastore.
type OutputSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// SQLiteSettings contains settings for the SQLite datastore.
type SQLiteSettings struct {
	Enabled bool
	Path    string
}

// MySQLSettings contains settings for the MySQL datastore.
type MySQLSettings struct {
	Enabled  bool
	Username string
	Password string
	Database string
	Host     string
	Port     string
}

// MQTTSettings configures publishing of diagnosis summaries.
type MQTTSettings struct {
	Enabled  bool
	Broker   string // tcp://host:port
	Topic    string
	Username string
	Password string
	Retain   bool
}

// NotificationSettings configures push notifications through shoutrrr URLs.
type NotificationSettings struct {
	Enabled      bool
	URLs         []string
	PositiveOnly bool // notify only for POSITIVE diagnoses
	Timeout      time.Duration
}

// WebServerSettings configures the status API.
type WebServerSettings struct {
	Enabled        bool
	Listen         string
	EnqueueRate    float64 // enqueue requests per second per client IP
	EnqueueBurst   int
	MaxConnections int // concurrent connections accepted, 0 means unlimited
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
}

// viper instances are not safe for concurrent use
var loadMutex sync.Mutex

// Load reads configuration into a fresh viper instance. configFile may be
// empty, in which case config.yaml is searched for in the default paths.
func Load(configFile string) (*Settings, error) {
	return LoadWithViper(viper.New(), configFile)
}

// LoadWithViper is Load with a caller supplied viper instance, which lets
// the CLI bind its flags before the settings are unmarshaled.
func LoadWithViper(v *viper.Viper, configFile string) (*Settings, error) {
	loadMutex.Lock()
	defer loadMutex.Unlock()

	if err := initViper(v, configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// defaults and environment only
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "smearscan"))
	}
	return append(paths, "/etc/smearscan")
}

// SaveYAMLConfig writes settings to configPath, replacing the file atomically.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
