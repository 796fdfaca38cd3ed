package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/padorange/hubeau/internal/query"
)

// handleV1Latest returns the most recent stored height of a station
// GET /api/v1/stations/:code/latest?unit=cm
func (s *Server) handleV1Latest(c *gin.Context) {
	code, ok := stationParam(c)
	if !ok {
		return
	}
	unit, ok := unitParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	point, err := s.facade.Latest(ctx, code, unit)
	if errors.Is(err, query.ErrNoData) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no measurement for station"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": point,
		"meta": gin.H{
			"station":      code,
			"unit":         unit,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// handleV1Trend summarizes recent evolution of a station's height
// GET /api/v1/stations/:code/trend?hours=4,24,168
func (s *Server) handleV1Trend(c *gin.Context) {
	code, ok := stationParam(c)
	if !ok {
		return
	}

	var windows []time.Duration
	if hoursStr := c.Query("hours"); hoursStr != "" {
		for _, part := range strings.Split(hoursStr, ",") {
			h, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || h <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
				return
			}
			windows = append(windows, time.Duration(h)*time.Hour)
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	trends, err := s.facade.Trends(ctx, code, windows...)
	if errors.Is(err, query.ErrNoData) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no measurement for station"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": trends,
		"meta": gin.H{
			"station": code,
			"windows": len(trends),
		},
	})
}
