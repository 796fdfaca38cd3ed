package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/padorange/hubeau/internal/query"
	"github.com/padorange/hubeau/internal/utils"
)

// handleV1Measurements returns stored heights of a station, oldest first
// GET /api/v1/stations/:code/measurements?start=...&end=...&last_n_days=2&unit=cm
func (s *Server) handleV1Measurements(c *gin.Context) {
	code, ok := stationParam(c)
	if !ok {
		return
	}
	unit, ok := unitParam(c)
	if !ok {
		return
	}

	var start, end time.Time
	days := -1
	if daysStr := c.Query("last_n_days"); daysStr != "" {
		parsed, err := strconv.Atoi(daysStr)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last_n_days"})
			return
		}
		days = parsed
	}
	if startStr := c.Query("start"); startStr != "" {
		t, err := utils.ParseTimestamp(startStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start timestamp"})
			return
		}
		start = t
	}
	if endStr := c.Query("end"); endStr != "" {
		t, err := utils.ParseTimestamp(endStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end timestamp"})
			return
		}
		end = t
	}
	if days > 0 && (!start.IsZero() || !end.IsZero()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "last_n_days cannot be combined with start or end"})
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end is before start"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	var (
		series query.Series
		err    error
	)
	if days > 0 {
		series, err = s.facade.LastDays(ctx, code, days, unit)
	} else {
		series, err = s.facade.Range(ctx, code, start, end, unit)
	}
	if errors.Is(err, query.ErrInvertedRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": series.Points,
		"meta": gin.H{
			"station": series.Station,
			"unit":    series.Unit,
			"start":   series.Start.Format(time.RFC3339),
			"end":     series.End.Format(time.RFC3339),
			"count":   len(series.Points),
		},
	})
}

func unitParam(c *gin.Context) (query.Unit, bool) {
	unit, err := query.ParseUnit(c.Query("unit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return unit, true
}
