package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resq-labs/resq-core/internal/lifecycle"
	"github.com/resq-labs/resq-core/internal/models"
)

func (s *Server) requireAdmin(c *gin.Context) bool {
	if currentActor(c).Role != lifecycle.RoleAdmin {
		writeError(c, &APIError{
			Status: http.StatusForbidden, Code: ErrCodeForbidden, Message: "admin role required",
		})
		return false
	}
	return true
}

func (s *Server) getPricing(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	cfg, err := s.deps.Pricing.Get(c.Request.Context(), true)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// updatePricing writes the singleton pricing row and invalidates the cache
// so the next read sees the edit immediately.
func (s *Server) updatePricing(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var cfg models.PlatformPricingConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "invalid pricing payload",
		})
		return
	}
	if cfg.ID == 0 {
		current, err := s.deps.Pricing.Get(c.Request.Context(), false)
		if err != nil {
			respondError(c, err)
			return
		}
		cfg.ID = current.ID
	}

	if err := s.deps.Store.UpdatePricingConfig(c.Request.Context(), &cfg); err != nil {
		respondError(c, err)
		return
	}
	s.deps.Pricing.Invalidate()
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
