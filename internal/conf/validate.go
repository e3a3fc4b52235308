package conf

import (
	"fmt"
	"strings"
)

// ValidationError collects every problem found in the settings.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateDetectorSettings(&settings.Detector); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateOutputSettings(&settings.Output); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.MQTT.Enabled && settings.MQTT.Broker == "" {
		ve.Errors = append(ve.Errors, "mqtt: broker is required when enabled")
	}
	if settings.Notification.Enabled && len(settings.Notification.URLs) == 0 {
		ve.Errors = append(ve.Errors, "notification: at least one URL is required when enabled")
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry: dsn is required when enabled")
	}
	if settings.Queue.StatusRetention < 0 {
		ve.Errors = append(ve.Errors, "queue: status retention must not be negative")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDetectorSettings(d *DetectorSettings) error {
	var problems []string
	if d.Threshold < 0 || d.Threshold > 1 {
		problems = append(problems, fmt.Sprintf("threshold %.2f must be between 0 and 1", d.Threshold))
	}
	if d.InferenceURL == "" {
		problems = append(problems, "inference URL is required")
	}
	if d.RateLimit < 0 {
		problems = append(problems, "rate limit must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("detector: %s", strings.Join(problems, ", "))
	}
	return nil
}

func validateOutputSettings(o *OutputSettings) error {
	// mysql takes precedence when both are enabled
	switch {
	case !o.SQLite.Enabled && !o.MySQL.Enabled:
		return fmt.Errorf("output: a datastore must be enabled")
	case !o.MySQL.Enabled && o.SQLite.Path == "":
		return fmt.Errorf("output: sqlite path is required")
	case o.MySQL.Enabled && (o.MySQL.Host == "" || o.MySQL.Database == ""):
		return fmt.Errorf("output: mysql host and database are required")
	}
	return nil
}
