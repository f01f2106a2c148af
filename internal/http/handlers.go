package http

import (
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/whispercore/internal/memory"
	"github.com/fyrsmithlabs/whispercore/internal/prompt"
	"github.com/fyrsmithlabs/whispercore/internal/reflection"
	"github.com/fyrsmithlabs/whispercore/internal/sanitize"
	"github.com/fyrsmithlabs/whispercore/internal/stream"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	mimeNDJSON     = "application/x-ndjson"
	headerMemoryID = "X-Memory-ID"
)

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, ErrorResponse{Error: msg})
}

// handleHealth probes the model endpoint.
func (s *Server) handleHealth(c echo.Context) error {
	ok := s.upstream.HealthCheck(c.Request().Context())
	recordHealth(ok)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Upstream: "unreachable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Upstream: "ok"})
}

// handleReflection returns the reflection, weight and tags in one response.
func (s *Server) handleReflection(c echo.Context) error {
	var req prompt.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid reflection request", zap.Error(err))
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	res, err := s.service.GenerateReflectionWeightAndTags(c.Request().Context(), req)
	if errors.Is(err, reflection.ErrRejected) {
		return errorJSON(c, http.StatusBadRequest, "content field is required")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ReflectionResponse{
		Reflection: res.Reflection,
		Weight:     res.Weight,
		Tags:       res.Tags,
	})
}

// handleReflectionStream writes one event per line until the terminal
// event, then closes the response.
func (s *Server) handleReflectionStream(c echo.Context) error {
	var req prompt.Request
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return errorJSON(c, http.StatusBadRequest, "content field is required")
	}
	return s.writeEvents(c, s.service.GenerateReflectionAndWeightStream(c.Request().Context(), req))
}

func (s *Server) writeEvents(c echo.Context, events iter.Seq[stream.Event]) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, mimeNDJSON)
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(res)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Client went away; stopping the range cancels upstream.
			s.logger.Debug("stream write failed", zap.Error(err))
			return nil
		}
		res.Flush()
	}
	return nil
}

// handleCompletion returns an unstructured completion for a raw prompt.
func (s *Server) handleCompletion(c echo.Context) error {
	var req CompletionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	text, err := s.service.GenerateWithLongPolling(c.Request().Context(), req.Prompt, req.Model)
	if errors.Is(err, reflection.ErrRejected) {
		return errorJSON(c, http.StatusBadRequest, "prompt field is required")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, CompletionResponse{Response: text, Model: req.Model})
}

// handleModels lists models installed upstream.
func (s *Server) handleModels(c echo.Context) error {
	models, err := s.upstream.ListModels(c.Request().Context())
	if err != nil {
		s.logger.Warn("listing models failed", zap.Error(err))
		return errorJSON(c, http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, ModelsResponse{Models: models})
}

// handleSubmit stores a memory and its reflection.
func (s *Server) handleSubmit(c echo.Context) error {
	var req reflection.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if err := req.ValidateIDs(); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	m, err := s.submitter.Submit(ctx, req)
	if errors.Is(err, reflection.ErrRejected) {
		return errorJSON(c, http.StatusBadRequest, "content field is required")
	}
	if err != nil {
		if m != nil {
			c.Response().Header().Set(headerMemoryID, m.ID)
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	view, err := s.submitter.View(ctx, m)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(headerMemoryID, m.ID)
	return c.JSON(http.StatusCreated, view)
}

// handleSubmitStream stores a memory and streams its reflection. The
// record id is returned in a header before the first event.
func (s *Server) handleSubmitStream(c echo.Context) error {
	var req reflection.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if err := req.ValidateIDs(); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	m, events, err := s.submitter.SubmitStream(c.Request().Context(), req)
	if errors.Is(err, reflection.ErrRejected) {
		return errorJSON(c, http.StatusBadRequest, "content field is required")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set(headerMemoryID, m.ID)
	return s.writeEvents(c, events)
}

// handleListMemories lists a user's memories, newest first. The session
// comes from the path or the session_id query parameter.
func (s *Server) handleListMemories(c echo.Context) error {
	userID := c.QueryParam("user_id")
	sessionID := c.Param("session_id")
	if sessionID == "" {
		sessionID = c.QueryParam("session_id")
	}
	if err := sanitize.ValidateRequiredID(userID, "user_id"); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if err := sanitize.ValidateID(sessionID, "session_id"); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	views, err := s.submitter.List(c.Request().Context(), userID, sessionID, limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, MemoriesResponse{Memories: views})
}

// handleGetMemory returns one memory of the user named by user_id.
func (s *Server) handleGetMemory(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if err := sanitize.ValidateRequiredID(userID, "user_id"); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if err := sanitize.ValidateRequiredID(id, "id"); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	view, err := s.submitter.Get(c.Request().Context(), userID, id)
	if errors.Is(err, memory.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "memory not found")
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}
