package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/recurrence"
	"github.com/dmercado/republish/internal/scheduler"
	"github.com/dmercado/republish/internal/service"
	"github.com/dmercado/republish/internal/storage"
)

type scheduleRequest struct {
	Name        string   `json:"name" binding:"required"`
	DaysOfWeek  string   `json:"days_of_week" binding:"required"`
	TimesOfDay  string   `json:"times_of_day" binding:"required"`
	CategoryIDs []string `json:"category_ids" binding:"required"`
	Active      *bool    `json:"active"`
}

// validate rejects requests whose day, time, or category sets would leave
// the schedule with nothing to fire. Unknown tokens are dropped by the
// recurrence parsers, so an empty parse result means no usable input.
func (r *scheduleRequest) validate() error {
	if len(recurrence.ParseDays(r.DaysOfWeek)) == 0 {
		return errors.New("days_of_week contains no valid day names")
	}
	if len(recurrence.ParseTimes(r.TimesOfDay)) == 0 {
		return errors.New("times_of_day contains no valid HH:MM entries")
	}
	if len(r.CategoryIDs) == 0 {
		return errors.New("category_ids must not be empty")
	}
	return nil
}

// GET /api/v1/schedules
func (s *Server) listSchedules(c *gin.Context) {
	schedules, err := s.store.ListSchedules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

// GET /api/v1/schedules/:id
func (s *Server) getSchedule(c *gin.Context) {
	schedule, err := s.store.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.scheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// POST /api/v1/schedules
func (s *Server) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	schedule := &model.Schedule{
		Name:        req.Name,
		Active:      active,
		DaysOfWeek:  req.DaysOfWeek,
		TimesOfDay:  req.TimesOfDay,
		CategoryIDs: req.CategoryIDs,
	}

	if err := s.store.CreateSchedule(c.Request.Context(), schedule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.arm(c, schedule)

	c.JSON(http.StatusCreated, schedule)
}

// PUT /api/v1/schedules/:id
func (s *Server) updateSchedule(c *gin.Context) {
	schedule, err := s.store.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.scheduleError(c, err)
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule.Name = req.Name
	schedule.DaysOfWeek = req.DaysOfWeek
	schedule.TimesOfDay = req.TimesOfDay
	schedule.CategoryIDs = req.CategoryIDs
	if req.Active != nil {
		schedule.Active = *req.Active
	}

	if err := s.store.UpdateSchedule(c.Request.Context(), schedule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.arm(c, schedule)

	c.JSON(http.StatusOK, schedule)
}

// DELETE /api/v1/schedules/:id
func (s *Server) deleteSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteSchedule(c.Request.Context(), id); err != nil {
		s.scheduleError(c, err)
		return
	}
	s.registry.Disarm(id)
	c.Status(http.StatusNoContent)
}

// POST /api/v1/schedules/:id/pause
func (s *Server) pauseSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.SetActive(c.Request.Context(), id, false); err != nil {
		s.scheduleError(c, err)
		return
	}
	s.registry.Disarm(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "active": false})
}

// POST /api/v1/schedules/:id/resume
func (s *Server) resumeSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.SetActive(c.Request.Context(), id, true); err != nil {
		s.scheduleError(c, err)
		return
	}

	schedule, err := s.store.GetSchedule(c.Request.Context(), id)
	if err != nil {
		s.scheduleError(c, err)
		return
	}
	s.arm(c, schedule)

	c.JSON(http.StatusOK, gin.H{"id": id, "active": true, "armed": s.registry.Armed(id)})
}

// POST /api/v1/schedules/:id/run-once
func (s *Server) runScheduleOnce(c *gin.Context) {
	result, err := s.runs.RunOnce(c.Request.Context(), service.ManualRunRequest{
		ScheduleID: c.Param("id"),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrNoCategories):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": result})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// GET /api/v1/schedules/:id/runs?limit=50
func (s *Server) scheduleRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	records, err := s.ledger.RunsForSchedule(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": records})
}

// arm tries to arm the schedule's timers. A schedule that is saved but not
// armable stays disarmed; that is not a request error.
func (s *Server) arm(c *gin.Context, schedule *model.Schedule) {
	err := s.registry.Arm(c.Request.Context(), schedule)
	if err != nil && !errors.Is(err, scheduler.ErrNotArmable) {
		s.logger.Error("Failed to arm schedule",
			zap.String("id", schedule.ID),
			zap.Error(err))
	}
	if errors.Is(err, scheduler.ErrNotArmable) && schedule.Active {
		s.logger.Warn("Schedule saved but not armable",
			zap.String("id", schedule.ID),
			zap.String("name", schedule.Name))
	}
}

func (s *Server) scheduleError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
