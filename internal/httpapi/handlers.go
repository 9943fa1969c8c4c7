package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/auth"
	"campusride/internal/transport"
)

func subject(c *gin.Context) string {
	claims, _ := auth.FromContext(c)
	return claims.Subject
}

func (s *Server) listLocations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.fleet.Locations.CurrentAll(), "error": s.fleet.Locations.Err()})
}

func (s *Server) currentLocation(c *gin.Context) {
	loc, ok := s.fleet.Locations.Current(c.Param("cab_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no location reported"})
		return
	}
	c.JSON(http.StatusOK, loc)
}

func (s *Server) updateLocation(c *gin.Context) {
	var in transport.LocationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, http.StatusCreated, s.fleet.Locations.UpdateLocation(c.Request.Context(), in))
}

func (s *Server) listAlerts(c *gin.Context) {
	items := s.fleet.Alerts.Items()
	if c.Query("active") == "true" {
		items = s.fleet.Alerts.Active()
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "error": s.fleet.Alerts.Err()})
}

func (s *Server) triggerSOS(c *gin.Context) {
	var in transport.SOSInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	if in.TriggeredBy == "" {
		in.TriggeredBy = subject(c)
	}
	respond(c, http.StatusCreated, s.fleet.Alerts.TriggerSOS(c.Request.Context(), in))
}

func (s *Server) resolveAlert(c *gin.Context) {
	respond(c, http.StatusOK, s.fleet.Alerts.ResolveAlert(c.Request.Context(), c.Param("id"), subject(c)))
}

func (s *Server) listCameras(c *gin.Context) {
	items := s.fleet.Cameras.Items()
	if cab := c.Query("cab_id"); cab != "" {
		if evt, ok := s.fleet.Cameras.ActiveFor(cab); ok {
			items = []transport.CameraEvent{evt}
		} else {
			items = nil
		}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "error": s.fleet.Cameras.Err()})
}

func (s *Server) activateCamera(c *gin.Context) {
	var req struct {
		CabID string `json:"cab_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, http.StatusCreated, s.fleet.Cameras.ActivateCamera(c.Request.Context(), req.CabID, subject(c)))
}

func (s *Server) deactivateCamera(c *gin.Context) {
	respond(c, http.StatusOK, s.fleet.Cameras.DeactivateCamera(c.Request.Context(), c.Param("id")))
}

func (s *Server) listAttendance(c *gin.Context) {
	items := s.fleet.Attendance.Today()
	if date := c.Query("date"); date != "" {
		items = s.fleet.Attendance.ForDate(date)
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "error": s.fleet.Attendance.Err()})
}

func (s *Server) markAttendance(c *gin.Context) {
	var req struct {
		StudentID string         `json:"student_id" binding:"required"`
		CabID     string         `json:"cab_id"`
		Kind      transport.Kind `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	respond(c, http.StatusOK, s.fleet.Attendance.MarkAttendance(c.Request.Context(), req.StudentID, req.CabID, req.Kind))
}
