package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dmercado/republish/internal/model"
	"github.com/dmercado/republish/internal/storage"
)

type categoryRequest struct {
	Name   string `json:"name" binding:"required"`
	Active *bool  `json:"active"`
}

// GET /api/v1/categories?active=true
func (s *Server) listCategories(c *gin.Context) {
	var (
		categories []*model.Category
		err        error
	)
	if c.Query("active") == "true" {
		categories, err = s.store.ActiveCategories(c.Request.Context())
	} else {
		categories, err = s.store.ListCategories(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

// POST /api/v1/categories
func (s *Server) createCategory(c *gin.Context) {
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	category := &model.Category{Name: req.Name, Active: active}
	if err := s.store.CreateCategory(c.Request.Context(), category); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, category)
}

// PUT /api/v1/categories/:id
func (s *Server) updateCategory(c *gin.Context) {
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	category := &model.Category{ID: c.Param("id"), Name: req.Name}
	if req.Active != nil {
		category.Active = *req.Active
	} else {
		category.Active = true
	}

	if err := s.store.UpdateCategory(c.Request.Context(), category); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "category not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, category)
}
