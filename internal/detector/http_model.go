package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/malarialab/smearscan/internal/httpclient"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

const maxErrorBody = 1024

// HTTPModel calls an inference service that hosts the detection weights.
// Images are posted as multipart/form-data to <baseURL>/predict.
type HTTPModel struct {
	client    *httpclient.Client
	baseURL   string
	modelPath string
}

// NewHTTPModel creates a model client for the service at baseURL.
func NewHTTPModel(client *httpclient.Client, baseURL, modelPath string) *HTTPModel {
	if client == nil {
		client = httpclient.New(nil)
	}
	return &HTTPModel{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		modelPath: modelPath,
	}
}

// Instrument records request outcomes and latency of client under
// metrics.OpInferenceHTTP.
func Instrument(client *httpclient.Client, recorder metrics.Recorder) {
	recorder = metrics.OrNoOp(recorder)
	client.SetAfterResponseHook(func(_ *http.Request, resp *http.Response, elapsed time.Duration, err error) {
		recorder.RecordDuration(metrics.OpInferenceHTTP, elapsed.Seconds())
		switch {
		case err != nil:
			recorder.RecordError(metrics.OpInferenceHTTP, "transport")
		case resp.StatusCode >= http.StatusBadRequest:
			recorder.RecordError(metrics.OpInferenceHTTP, strconv.Itoa(resp.StatusCode))
		default:
			recorder.RecordOperation(metrics.OpInferenceHTTP, metrics.StatusSuccess)
		}
	})
}

// wireDetection mirrors the service response. Nullable fields are
// normalized to zero values on conversion.
type wireDetection struct {
	Label      *string    `json:"label"`
	Class      *string    `json:"class"`
	Confidence *float64   `json:"confidence"`
	BBox       []*float64 `json:"bbox"`
}

type predictResponse struct {
	Detections []wireDetection `json:"detections"`
	Error      string          `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded *bool  `json:"model_loaded"`
}

// Predict implements Model.
func (m *HTTPModel) Predict(ctx context.Context, imagePath string, opts Options) ([]RawDetection, error) {
	body, contentType, err := m.buildRequestBody(imagePath, opts)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Post(ctx, m.baseURL+"/predict", contentType, body)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("inference service error: %s", result.Error)
	}

	raw := make([]RawDetection, 0, len(result.Detections))
	for _, d := range result.Detections {
		raw = append(raw, d.normalize())
	}
	return raw, nil
}

// CheckHealth implements HealthChecker.
func (m *HTTPModel) CheckHealth(ctx context.Context) error {
	resp, err := m.client.Get(ctx, m.baseURL+"/health")
	if err != nil {
		return fmt.Errorf("inference service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err == nil && health.ModelLoaded != nil && !*health.ModelLoaded {
		return fmt.Errorf("inference service reports model not loaded")
	}
	return nil
}

func (m *HTTPModel) buildRequestBody(imagePath string, opts Options) (io.Reader, string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(imagePath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy image data: %w", err)
	}

	fields := map[string]string{
		"conf":    strconv.FormatFloat(opts.Threshold, 'f', -1, 64),
		"verbose": strconv.FormatBool(opts.Verbose),
	}
	if opts.Device != "" {
		fields["device"] = opts.Device
	}
	if m.modelPath != "" {
		fields["model"] = m.modelPath
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

func (d wireDetection) normalize() RawDetection {
	var raw RawDetection
	switch {
	case d.Label != nil:
		raw.Label = *d.Label
	case d.Class != nil:
		raw.Label = *d.Class
	}
	if d.Confidence != nil {
		raw.Confidence = *d.Confidence
	}
	for i := 0; i < len(d.BBox) && i < len(raw.Box); i++ {
		if d.BBox[i] != nil {
			raw.Box[i] = *d.BBox[i]
		}
	}
	return raw
}
