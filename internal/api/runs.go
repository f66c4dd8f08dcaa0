package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmercado/republish/internal/service"
	"github.com/dmercado/republish/internal/storage"
)

// POST /api/v1/runs
func (s *Server) triggerRun(c *gin.Context) {
	var req service.ManualRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.runs.RunOnce(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrNoCategories):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			// Fatal run failure. The failed ledger records exist, so the
			// caller still gets the result body.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": result})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// GET /api/v1/runs/manual?n=100
func (s *Server) listManualRuns(c *gin.Context) {
	n := 100
	if v := c.Query("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid n"})
			return
		}
		n = parsed
	}

	records, err := s.ledger.LastManualRuns(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": records})
}

// GET /api/v1/stats/categories?days=30
func (s *Server) categoryStats(c *gin.Context) {
	days := 30
	if v := c.Query("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days"})
			return
		}
		days = parsed
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := s.ledger.CategoryDailyStats(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"since": since, "stats": stats})
}
