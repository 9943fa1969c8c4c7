package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusride/internal/backend"
	"campusride/internal/route"
)

// planTrip seeds a trip from the route's stop list: the first stop is current and every
// assigned student starts out waiting.
func (s *Server) planTrip(routeID string) ([]route.Stop, error) {
	r, ok := s.fleet.Routes.Get(routeID)
	if !ok {
		return nil, fmt.Errorf("%w: route %s", backend.ErrNotFound, routeID)
	}
	stops := make([]route.Stop, 0, len(r.Stops))
	for i, rs := range r.Stops {
		stop := route.Stop{
			ID:            rs.ID,
			Name:          rs.Name,
			ScheduledTime: rs.ScheduledTime,
			Status:        route.Upcoming,
		}
		if stop.ID == "" {
			stop.ID = strconv.Itoa(i + 1)
		}
		if i == 0 {
			stop.Status = route.Current
		}
		for _, id := range rs.StudentIDs {
			st := route.Student{ID: id, Status: route.Waiting}
			if known, ok := s.fleet.Students.Get(id); ok {
				st.Name = known.Name
			}
			stop.Students = append(stop.Students, st)
		}
		stops = append(stops, stop)
	}
	return stops, nil
}

func (s *Server) startTrip(c *gin.Context) {
	routeID := c.Param("route_id")
	var req struct {
		Stops []route.Stop `json:"stops"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stops := req.Stops
	if len(stops) == 0 {
		planned, err := s.planTrip(routeID)
		if err != nil {
			fail(c, err)
			return
		}
		stops = planned
	}
	snap, err := s.trips.Start(c.Request.Context(), routeID, stops)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) getTrip(c *gin.Context) {
	snap, err := s.trips.Get(c.Request.Context(), c.Param("route_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) endTrip(c *gin.Context) {
	if err := s.trips.End(c.Request.Context(), c.Param("route_id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) completeStop(c *gin.Context) {
	snap, err := s.trips.CompleteStop(c.Request.Context(), c.Param("route_id"), c.Param("stop_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) setStopStatus(c *gin.Context) {
	var req struct {
		Status route.StopStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := s.trips.SetStopStatus(c.Request.Context(), c.Param("route_id"), c.Param("stop_id"), req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) setStudentStatus(c *gin.Context) {
	var req struct {
		Status route.StudentStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := s.trips.SetStudentStatus(c.Request.Context(), c.Param("route_id"), c.Param("stop_id"), c.Param("student_id"), req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
