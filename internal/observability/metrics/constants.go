package metrics

// Operation names
const (
	OpInference      = "inference"
	OpInferenceHTTP  = "inference_http"
	OpImageDetect    = "image_detect"
	OpDetection      = "detection"
	OpJob            = "job"
	OpDiagnosisWrite = "diagnosis_write"
	OpSeverity       = "severity"
	OpMQTTPublish    = "mqtt_publish"
	OpNotification   = "notification"
)

// Status values
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusFallback  = "fallback"
	StatusDuplicate = "duplicate"
	StatusCancelled = "cancelled"
	StatusDropped   = "dropped"
)

// Histogram buckets: 10ms doubling up to ~5.5 minutes.
const (
	BucketStart  = 0.01
	BucketFactor = 2
	BucketCount  = 16
)
