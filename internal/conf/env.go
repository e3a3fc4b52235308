package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding maps an environment variable onto a config key.
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"detector.modelpath", "SMEARSCAN_MODEL_PATH", nil},
		{"detector.modelversion", "SMEARSCAN_MODEL_VERSION", nil},
		{"detector.inferenceurl", "SMEARSCAN_INFERENCE_URL", validateEnvURL},
		{"detector.threshold", "SMEARSCAN_THRESHOLD", validateEnvThreshold},

		{"output.sqlite.path", "SMEARSCAN_SQLITE_PATH", nil},
		{"output.mysql.enabled", "SMEARSCAN_MYSQL_ENABLED", validateEnvBool},
		{"output.mysql.host", "SMEARSCAN_MYSQL_HOST", nil},
		{"output.mysql.username", "SMEARSCAN_MYSQL_USERNAME", nil},
		{"output.mysql.password", "SMEARSCAN_MYSQL_PASSWORD", nil},
		{"output.mysql.database", "SMEARSCAN_MYSQL_DATABASE", nil},

		{"mqtt.password", "SMEARSCAN_MQTT_PASSWORD", nil},
		{"sentry.dsn", "SMEARSCAN_SENTRY_DSN", nil},
		{"webserver.listen", "SMEARSCAN_LISTEN", nil},
	}
}

func bindEnvVars(v *viper.Viper) error {
	var problems []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, value, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvThreshold(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	return nil
}
