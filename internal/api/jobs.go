package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/malarialab/smearscan/internal/logger"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func NewErrorResponse(message string, code int) *ErrorResponse {
	return &ErrorResponse{Error: message, Code: code}
}

// EnqueueRequest submits the images of an upload session for analysis.
type EnqueueRequest struct {
	SessionID  string   `json:"sessionId"`
	TestID     string   `json:"testId"`
	ImagePaths []string `json:"imagePaths"`
}

func (r *EnqueueRequest) validate() string {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.TestID = strings.TrimSpace(r.TestID)
	switch {
	case r.SessionID == "":
		return "sessionId is required"
	case r.TestID == "":
		return "testId is required"
	case len(r.ImagePaths) == 0:
		return "imagePaths must not be empty"
	}
	return ""
}

// EnqueueJob handles POST /api/v1/jobs.
func (s *Server) EnqueueJob(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, NewErrorResponse("invalid request body", http.StatusBadRequest))
	}
	if msg := req.validate(); msg != "" {
		return c.JSON(http.StatusBadRequest, NewErrorResponse(msg, http.StatusBadRequest))
	}
	if !s.queue.Available() {
		return c.JSON(http.StatusServiceUnavailable, NewErrorResponse("detection model unavailable", http.StatusServiceUnavailable))
	}
	if !s.queue.Enqueue(req.SessionID, req.TestID, req.ImagePaths) {
		return c.JSON(http.StatusConflict, NewErrorResponse("job for this session is already queued or processing", http.StatusConflict))
	}

	s.requestLog(c).Info("job submitted",
		logger.String("session_id", req.SessionID),
		logger.String("test_id", req.TestID),
		logger.Int("images", len(req.ImagePaths)))

	if status := s.queue.GetStatus(req.SessionID); status != nil {
		return c.JSON(http.StatusAccepted, status)
	}
	return c.NoContent(http.StatusAccepted)
}

// GetJobStatus handles GET /api/v1/jobs/:sessionId.
func (s *Server) GetJobStatus(c echo.Context) error {
	status := s.queue.GetStatus(c.Param("sessionId"))
	if status == nil {
		return c.JSON(http.StatusNotFound, NewErrorResponse("job not found", http.StatusNotFound))
	}
	return c.JSON(http.StatusOK, status)
}

// CancelJob handles DELETE /api/v1/jobs/:sessionId. Only queued jobs can be
// cancelled.
func (s *Server) CancelJob(c echo.Context) error {
	id := c.Param("sessionId")
	if s.queue.Cancel(id) {
		return c.NoContent(http.StatusNoContent)
	}
	if s.queue.GetStatus(id) == nil {
		return c.JSON(http.StatusNotFound, NewErrorResponse("job not found", http.StatusNotFound))
	}
	return c.JSON(http.StatusConflict, NewErrorResponse("only queued jobs can be cancelled", http.StatusConflict))
}

// GetQueueStatus handles GET /api/v1/queue.
func (s *Server) GetQueueStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.queue.QueueStatus())
}
