package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
)

// health reports the emulator as running once the metadata store answers.
func (s *Server) health(c echo.Context) error {
	out := models.Health{
		Status:    "running",
		Version:   s.version,
		Region:    s.state.Region(),
		AccountID: s.state.AccountID(),
		Uptime:    time.Since(s.state.Started).Round(time.Second).String(),
		Services:  map[string]string{},
	}
	for _, name := range s.registry.Services() {
		out.Services[name] = "available"
	}
	if err := s.state.Meta.Ping(c.Request().Context()); err != nil {
		log.Error().Err(err).Msg("Metadata store health check failed")
		out.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, out)
	}
	return c.JSON(http.StatusOK, out)
}
