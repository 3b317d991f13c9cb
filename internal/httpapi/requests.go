package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/resq-labs/resq-core/internal/lifecycle"
)

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "invalid id",
		})
		return 0, false
	}
	return id, true
}

func (s *Server) createRequest(c *gin.Context) {
	var in lifecycle.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: err.Error(),
		})
		return
	}
	if actor := currentActor(c); actor.Role == lifecycle.RoleUser && actor.ID > 0 {
		in.UserID = actor.ID
	}

	req, err := s.deps.Lifecycle.CreateRequest(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

func (s *Server) getRequest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	req, err := s.deps.Lifecycle.GetRequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

func (s *Server) updateStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "status is required",
		})
		return
	}

	req, err := s.deps.Lifecycle.UpdateStatus(c.Request.Context(), id, currentActor(c), body.Status, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

func (s *Server) cancelRequest(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	req, err := s.deps.Lifecycle.Cancel(c.Request.Context(), id, currentActor(c), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}
