package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const checkTimeout = 5 * time.Second

// Check reports whether a dependency is ready. A nil error means ready.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// CheckResult is the readiness state of one dependency.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// AddReadinessCheck registers check under name. Checks run in registration
// order on every /readyz request.
func (s *Server) AddReadinessCheck(name string, check Check) {
	s.checks = append(s.checks, namedCheck{name: name, check: check})
}

func (s *Server) readyHandler(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
	defer cancel()

	results := make([]CheckResult, 0, len(s.checks))
	healthy := true
	for _, nc := range s.checks {
		res := CheckResult{Name: nc.name, Healthy: true}
		if err := nc.check(ctx); err != nil {
			res.Healthy = false
			res.Error = err.Error()
			healthy = false
		}
		results = append(results, res)
	}

	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"checks": results,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"checks": results,
	})
}
