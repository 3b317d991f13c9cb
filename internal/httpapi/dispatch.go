package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resq-labs/resq-core/internal/lifecycle"
	"github.com/resq-labs/resq-core/internal/models"
)

func (s *Server) dispatchOffers(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req, err := s.deps.Lifecycle.GetRequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.Status != models.StatusPending {
		writeError(c, &APIError{
			Status: http.StatusConflict, Code: ErrCodeConflict,
			Message: "only pending requests can be dispatched",
		})
		return
	}

	var body struct {
		RadiusKm float64 `json:"radius_km"`
	}
	_ = c.ShouldBindJSON(&body)

	offered, err := s.deps.Dispatch.Dispatch(c.Request.Context(), req, body.RadiusKm)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": req.ID,
		"offers":     len(offered),
		"candidates": offered,
	})
}

func (s *Server) analyzeDispatch(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req, err := s.deps.Lifecycle.GetRequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	analysis, err := s.deps.Dispatch.Analyze(c.Request.Context(), req, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

func (s *Server) acceptJob(c *gin.Context) {
	var body struct {
		RequestID int64 `json:"requestId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "requestId is required",
		})
		return
	}
	actor := currentActor(c)
	if actor.Role != lifecycle.RoleTechnician || actor.ID <= 0 {
		writeError(c, &APIError{
			Status: http.StatusForbidden, Code: ErrCodeForbidden, Message: "technician identity required",
		})
		return
	}

	result, err := s.deps.Dispatch.AcceptJob(c.Request.Context(), actor.ID, body.RequestID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
