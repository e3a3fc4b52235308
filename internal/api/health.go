package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

const readinessTimeout = 3 * time.Second

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string      `json:"status"`
	ModelReady   bool        `json:"modelReady"`
	ModelError   string      `json:"modelError,omitempty"`
	IsProcessing bool        `json:"isProcessing"`
	QueueLength  int         `json:"queueLength"`
	Uptime       string      `json:"uptime"`
	Memory       *MemoryInfo `json:"memory,omitempty"`
}

// MemoryInfo is host memory usage.
type MemoryInfo struct {
	Total       string  `json:"total"`
	Used        string  `json:"used"`
	Available   string  `json:"available"`
	UsedPercent float64 `json:"usedPercent"`
}

// HealthCheck handles GET /health. It answers 503 while the model is not
// ready.
func (s *Server) HealthCheck(c echo.Context) error {
	resp := HealthResponse{
		Status:     "ok",
		ModelReady: s.queue.Available(),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
	}
	if !resp.ModelReady {
		resp.ModelError = "detection model unavailable"
	} else if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		defer cancel()
		if err := s.ready.CheckReady(ctx); err != nil {
			resp.ModelReady = false
			resp.ModelError = err.Error()
		}
	}

	snap := s.queue.QueueStatus()
	resp.IsProcessing = snap.IsProcessing
	resp.QueueLength = snap.QueueLength

	if vm, err := s.memory(); err == nil && vm != nil {
		resp.Memory = &MemoryInfo{
			Total:       bytes.Format(int64(vm.Total)),
			Used:        bytes.Format(int64(vm.Used)),
			Available:   bytes.Format(int64(vm.Available)),
			UsedPercent: vm.UsedPercent,
		}
	}

	code := http.StatusOK
	if !resp.ModelReady {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
