package api

import (
	"net/http"
	"time"

	"courierdispatch/internal/buildinfo"
)

// DebugJSON reports build info and the effective configuration with
// credentials masked.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"zones": s.Dispatch.Registry().Zones(),
		"config": map[string]any{
			"summary":          c.String(),
			"solverMode":       c.Solver.Mode,
			"solverBudget":     c.Solver.Budget.String(),
			"optimizeTimeout":  c.Dispatch.OptimizeTimeout.String(),
			"matrixTimeout":    c.Matrix.Timeout.String(),
			"triggerEnabled":   c.Dispatch.Trigger.Enabled,
			"HAS_DATABASE_URL": c.Database.URL != "",
			"HAS_REDIS_URL":    c.Redis.URL != "",
			"HAS_VALHALLA_URL": c.Matrix.ValhallaURL != "",
		},
	}
	writeJSON(w, http.StatusOK, info)
}
