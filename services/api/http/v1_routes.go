package http

// registerV1Routes sets up the /api/v1 station endpoints. The bearer token,
// when configured, guards this group only; /healthz and /metrics stay open.
func (s *Server) registerV1Routes() {
	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())
	if s.cfg.BearerToken != "" {
		v1.Use(bearerAuthMiddleware(s.cfg.BearerToken))
	}

	stations := v1.Group("/stations")
	{
		stations.GET("", s.handleV1ListStations)
		stations.GET("/:code", s.handleV1GetStation)
		stations.GET("/:code/measurements", s.handleV1Measurements)
		stations.GET("/:code/latest", s.handleV1Latest)
		stations.GET("/:code/trend", s.handleV1Trend)
	}
}
