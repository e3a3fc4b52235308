package conf

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultThreshold    = 0.26
	DefaultModelVersion = "YOLOv12-1.0"
)

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "smearscan")
	v.SetDefault("main.log.default_level", "info")
	v.SetDefault("main.log.timezone", "Local")
	v.SetDefault("main.log.console.enabled", true)
	v.SetDefault("main.log.console.level", "info")
	v.SetDefault("main.log.file_output.enabled", false)
	v.SetDefault("main.log.file_output.path", "logs/smearscan.log")
	v.SetDefault("main.log.file_output.level", "debug")

	v.SetDefault("detector.modelpath", "best.pt")
	v.SetDefault("detector.modelversion", DefaultModelVersion)
	v.SetDefault("detector.inferenceurl", "http://127.0.0.1:5001")
	v.SetDefault("detector.threshold", DefaultThreshold)
	v.SetDefault("detector.timeout", 2*time.Minute)
	v.SetDefault("detector.ratelimit", 0.0)

	v.SetDefault("queue.statusretention", time.Hour)

	v.SetDefault("output.sqlite.enabled", true)
	v.SetDefault("output.sqlite.path", "malaria_lab.db")
	v.SetDefault("output.mysql.enabled", false)
	v.SetDefault("output.mysql.host", "localhost")
	v.SetDefault("output.mysql.port", "3306")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "smearscan/diagnoses")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.positiveonly", true)
	v.SetDefault("notification.timeout", 10*time.Second)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", ":8080")
	v.SetDefault("webserver.enqueuerate", 5.0)
	v.SetDefault("webserver.enqueueburst", 10)
	v.SetDefault("webserver.maxconnections", 256)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.environment", "production")
}
