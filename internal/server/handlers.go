package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/models"
	"github.com/ifuryst/postflow/internal/service"
)

// writeError maps service errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidFrequency),
		errors.Is(err, service.ErrInvalidPattern),
		errors.Is(err, service.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrContentNotFound),
		errors.Is(err, service.ErrNoActiveJob):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.Logger.Error(msg, zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func queryHours(c *gin.Context) (int, bool) {
	raw := c.Query("hours")
	if raw == "" {
		return 0, true
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 0 {
		badRequest(c, "hours must be a non-negative integer")
		return 0, false
	}
	return hours, true
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, c.Query(key))
	if err != nil {
		badRequest(c, key+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) handleSaveContent(c *gin.Context) {
	var item models.ContentItem
	if err := c.ShouldBindJSON(&item); err != nil {
		badRequest(c, err.Error())
		return
	}
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" || strings.TrimSpace(item.Title) == "" {
		badRequest(c, "id and title are required")
		return
	}

	// Publication state and the rendered artifact are owned by the scheduler.
	item.ArtifactRef = ""
	item.Status = ""
	item.ScheduledFor = nil
	item.PublishedAt = nil
	item.ExternalPostID = ""

	if err := s.Store.SaveContent(c.Request.Context(), &item); err != nil {
		s.writeError(c, "Failed to save content", fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err))
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleGetContent(c *gin.Context) {
	settings, err := s.Manager.GetScheduleSettings(c.Request.Context(), c.Param("content_id"))
	if err != nil {
		s.writeError(c, "Failed to get content", err)
		return
	}
	item, err := s.Store.GetContent(c.Request.Context(), settings.ContentID)
	if err != nil {
		s.writeError(c, "Failed to get content", fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": item, "schedule": settings})
}

func (s *Server) handleSchedule(c *gin.Context) {
	var req service.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	job, err := s.Manager.Schedule(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, "Failed to schedule content", err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.Manager.Cancel(c.Request.Context(), c.Param("content_id")); err != nil {
		s.writeError(c, "Failed to cancel schedule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule cancelled"})
}

func (s *Server) handleListUpcoming(c *gin.Context) {
	hours, ok := queryHours(c)
	if !ok {
		return
	}
	jobs, err := s.Manager.ListUpcoming(c.Request.Context(), hours)
	if err != nil {
		s.writeError(c, "Failed to list schedules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": jobs})
}

func (s *Server) handleUpcomingContent(c *gin.Context) {
	hours, ok := queryHours(c)
	if !ok {
		return
	}
	items, err := s.Manager.UpcomingContent(c.Request.Context(), hours)
	if err != nil {
		s.writeError(c, "Failed to list upcoming content", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contents": items})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.Manager.GetScheduleSettings(c.Request.Context(), c.Param("content_id"))
	if err != nil {
		s.writeError(c, "Failed to get schedule settings", err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var update service.ScheduleSettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err.Error())
		return
	}

	settings, err := s.Manager.UpdateScheduleSettings(c.Request.Context(), c.Param("content_id"), update)
	if err != nil {
		s.writeError(c, "Failed to update schedule settings", err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleCalendar(c *gin.Context) {
	start, ok := queryTime(c, "start")
	if !ok {
		return
	}
	end, ok := queryTime(c, "end")
	if !ok {
		return
	}

	events, err := s.Manager.Calendar(c.Request.Context(), start, end)
	if err != nil {
		s.writeError(c, "Failed to build calendar", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handlePublishNow(c *gin.Context) {
	res, err := s.Manager.PublishNow(c.Request.Context(), c.Param("content_id"))
	if err != nil {
		s.writeError(c, "Failed to publish content", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleExecute(c *gin.Context) {
	res, err := s.Manager.Execute(c.Request.Context(), c.Param("content_id"))
	if err != nil {
		s.writeError(c, "Failed to execute job", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleHistory(c *gin.Context) {
	entries, err := s.Manager.History(c.Request.Context(), c.Param("content_id"))
	if err != nil {
		s.writeError(c, "Failed to get publish history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}
