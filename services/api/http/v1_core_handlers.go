package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/padorange/hubeau/internal/config"
	"github.com/padorange/hubeau/internal/db"
	"github.com/padorange/hubeau/internal/utils"
)

// handleV1ListStations returns all stored stations
// GET /api/v1/stations
func (s *Server) handleV1ListStations(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	stations, err := s.store.ListStations(ctx)
	if err != nil {
		s.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": stations,
		"meta": gin.H{
			"count": len(stations),
		},
	})
}

// handleV1GetStation returns the metadata of a station with its stored data summary
// GET /api/v1/stations/:code
func (s *Server) handleV1GetStation(c *gin.Context) {
	code, ok := stationParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	station, err := s.store.GetStation(ctx, code)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	count, err := s.store.Count(ctx, code)
	if err != nil {
		s.internalError(c, err)
		return
	}
	meta := gin.H{"count": count}
	wm, ok, err := s.store.Watermark(ctx, code)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if ok {
		meta["watermark"] = utils.FormatTimestamp(wm)
	}

	c.JSON(http.StatusOK, gin.H{
		"data": station,
		"meta": meta,
	})
}

// stationParam reads and validates the :code path parameter. It writes a 400
// and returns false when the code is malformed.
func stationParam(c *gin.Context) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	if !config.ValidStationCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid station code"})
		return "", false
	}
	return code, true
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
