package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/resq-labs/resq-core/internal/lifecycle"
	"github.com/resq-labs/resq-core/internal/models"
	"github.com/resq-labs/resq-core/internal/realtime"
	"github.com/resq-labs/resq-core/internal/store"
)

func (s *Server) requireTechnician(c *gin.Context) (int64, bool) {
	actor := currentActor(c)
	if actor.Role != lifecycle.RoleTechnician || actor.ID <= 0 {
		writeError(c, &APIError{
			Status: http.StatusForbidden, Code: ErrCodeForbidden, Message: "technician identity required",
		})
		return 0, false
	}
	return actor.ID, true
}

// technicianLocation persists a live ping and mirrors it to the watchers of
// the technician's active job. Pings are hints; nothing downstream depends
// on their delivery.
func (s *Server) technicianLocation(c *gin.Context) {
	techID, ok := s.requireTechnician(c)
	if !ok {
		return
	}
	var body struct {
		Lat float64 `json:"lat" binding:"required"`
		Lng float64 `json:"lng" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "lat and lng are required",
		})
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Store.UpdateTechnicianLocation(ctx, techID, body.Lat, body.Lng); err != nil {
		respondError(c, err)
		return
	}

	payload := map[string]interface{}{
		"technicianId": techID,
		"lat":          body.Lat,
		"lng":          body.Lng,
	}
	active, err := s.deps.Store.ActiveRequestForTechnician(ctx, techID)
	if err == nil {
		payload["requestId"] = active.ID
		s.deps.Hub.NotifyRequest(active.ID, realtime.EventLocationUpdate, payload)
		s.deps.Hub.NotifyUser(active.UserID, realtime.EventTechLocationUpdate, payload)
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Warn().Err(err).Int64("technician_id", techID).Msg("active job lookup for location push")
	}

	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) technicianAvailability(c *gin.Context) {
	techID, ok := s.requireTechnician(c)
	if !ok {
		return
	}
	var body struct {
		Available *bool `json:"available" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Available == nil {
		writeError(c, &APIError{
			Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: "available is required",
		})
		return
	}

	if err := s.deps.Store.SetTechnicianAvailable(c.Request.Context(), techID, *body.Available); err != nil {
		respondError(c, err)
		return
	}
	s.deps.Hub.Broadcast(realtime.EventTechStatusUpdate, map[string]interface{}{
		"technicianId": techID,
		"available":    *body.Available,
	})
	c.JSON(http.StatusOK, gin.H{"available": *body.Available})
}

func (s *Server) listDues(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	dues, err := s.deps.Store.ListDues(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	var pending float64
	for _, due := range dues {
		if due.Status == models.DuePending {
			pending += due.Amount
		}
	}
	c.JSON(http.StatusOK, gin.H{"dues": dues, "pending_total": pending})
}

// settleDues marks the technician's pending dues paid and flips the matching
// cash payments to settled in one transaction.
func (s *Server) settleDues(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	settled, err := s.deps.Store.SettleDues(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": settled})
}
