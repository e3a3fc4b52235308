package httpclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	c := New(cfg)
	httpmock.ActivateNonDefault(c.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestClient_GetSetsUserAgentAndRunsHooks(t *testing.T) {
	c := newMockedClient(t, nil)

	httpmock.RegisterResponder(http.MethodGet, "http://inference.local/health",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, defaultUserAgent, req.Header.Get("User-Agent"))
			return httpmock.NewStringResponse(http.StatusOK, `{"status":"ok"}`), nil
		})

	var before, after int
	c.SetBeforeRequestHook(func(*http.Request) { before++ })
	c.SetAfterResponseHook(func(_ *http.Request, resp *http.Response, _ time.Duration, err error) {
		after++
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	resp, err := c.Get(context.Background(), "http://inference.local/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.Equal(t, 1, before)
	assert.Equal(t, 1, after)
}

func TestClient_PostSendsBody(t *testing.T) {
	c := newMockedClient(t, &Config{UserAgent: "lab-test"})

	httpmock.RegisterResponder(http.MethodPost, "http://inference.local/predict",
		func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			assert.Equal(t, "payload", string(body))
			assert.Equal(t, "text/plain", req.Header.Get("Content-Type"))
			assert.Equal(t, "lab-test", req.Header.Get("User-Agent"))
			return httpmock.NewStringResponse(http.StatusAccepted, ""), nil
		})

	resp, err := c.Post(context.Background(), "http://inference.local/predict", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestClient_RateLimiterHonoursContext(t *testing.T) {
	c := newMockedClient(t, &Config{RateLimit: 0.001, RateBurst: 1})
	httpmock.RegisterResponder(http.MethodGet, "http://inference.local/health",
		httpmock.NewStringResponder(http.StatusOK, ""))

	resp, err := c.Get(context.Background(), "http://inference.local/health")
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "http://inference.local/health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestClient_DoRejectsNilRequest(t *testing.T) {
	_, err := New(nil).Do(context.Background(), nil)
	require.Error(t, err)
}
