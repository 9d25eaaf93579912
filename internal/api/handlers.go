package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"courierdispatch/internal/model"
)

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Dispatch.Ready(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// PickupsHandler handles POST /pickups
func (s *Server) PickupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.PickupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, true)
		return
	}
	p, err := s.Dispatch.AdmitAndMaybeTrigger(r.Context(), req)
	if err != nil {
		writeError(w, r, err, true)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// PickupByIDHandler handles GET /pickups/{id} and POST /pickups/{id}/cancel
func (s *Server) PickupByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/pickups/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p, err := s.Dispatch.GetPickup(r.Context(), parts[0])
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p, err := s.Dispatch.Cancel(r.Context(), parts[0])
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// ZonesHandler handles GET/POST /zones
func (s *Server) ZonesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"zones": s.Dispatch.Registry().Zones()})
	case http.MethodPost:
		var body struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err, false)
			return
		}
		if err := s.Dispatch.AddZone(r.Context(), strings.TrimSpace(body.ID)); err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": strings.TrimSpace(body.ID)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ZoneRouter dispatches everything under /zones/{zone}/.
//
//	/zones/{zone}[/status]                          GET zone status
//	/zones/{zone}/pending                           GET unassigned pickups
//	/zones/{zone}/drivers                           GET summaries, POST register
//	/zones/{zone}/events                            GET SSE stream
//	/zones/{zone}/history                           GET audit trail
//	/zones/{zone}/drivers/{driver}/{action}         driver operations
func (s *Server) ZoneRouter(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/zones/")
	if len(parts) == 0 {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing zone", r.URL.Path)
		return
	}
	zone := parts[0]
	if len(parts) == 1 {
		s.zoneStatus(w, r, zone)
		return
	}
	if len(parts) == 4 && parts[1] == "drivers" {
		s.driverAction(w, r, zone, parts[2], parts[3])
		return
	}
	if len(parts) != 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch parts[1] {
	case "status":
		s.zoneStatus(w, r, zone)
	case "pending":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		items, err := s.Dispatch.Registry().ListPending(zone)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "drivers":
		s.zoneDrivers(w, r, zone)
	case "events":
		s.streamSSE(w, r, zone, "")
	case "history":
		s.history(w, r, zone, "")
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) zoneStatus(w http.ResponseWriter, r *http.Request, zone string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := s.Dispatch.ZoneStatus(zone)
	if err != nil {
		writeError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) zoneDrivers(w http.ResponseWriter, r *http.Request, zone string) {
	switch r.Method {
	case http.MethodGet:
		st, err := s.Dispatch.ZoneStatus(zone)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": st.Drivers})
	case http.MethodPost:
		var req addDriverRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, false)
			return
		}
		if err := validateAddDriver(&req); err != nil {
			writeError(w, r, err, false)
			return
		}
		if err := s.Dispatch.AddDriver(r.Context(), zone, req.ID, *req.Location); err != nil {
			writeError(w, r, err, false)
			return
		}
		q, err := s.Dispatch.Queue(zone, req.ID)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusCreated, q)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) driverAction(w http.ResponseWriter, r *http.Request, zone, driver, action string) {
	allow := func(methods ...string) bool {
		for _, m := range methods {
			if r.Method == m {
				return true
			}
		}
		w.Header().Set("Allow", strings.Join(methods, ", "))
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	ctx := r.Context()
	switch action {
	case "optimize":
		if !allow(http.MethodPost) {
			return
		}
		q, err := s.Dispatch.Optimize(ctx, zone, driver)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, q)
	case "next":
		if !allow(http.MethodGet, http.MethodPost) {
			return
		}
		d, err := s.Dispatch.NextDestination(ctx, zone, driver)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case "complete":
		if !allow(http.MethodPost) {
			return
		}
		res, err := s.Dispatch.CompleteCurrent(ctx, zone, driver)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "queue":
		if !allow(http.MethodGet) {
			return
		}
		q, err := s.Dispatch.Queue(zone, driver)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, q)
	case "location":
		if !allow(http.MethodPost, http.MethodPatch) {
			return
		}
		var upd model.DriverUpdate
		if err := decodeJSON(w, r, &upd); err != nil {
			writeError(w, r, err, false)
			return
		}
		q, err := s.Dispatch.UpdateDriver(ctx, zone, driver, upd)
		if err != nil {
			writeError(w, r, err, false)
			return
		}
		writeJSON(w, http.StatusOK, q)
	case "events":
		s.streamSSE(w, r, zone, driver)
	case "history":
		s.history(w, r, zone, driver)
	case "ws":
		s.streamWS(w, r, zone, driver)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown driver action "+action, r.URL.Path)
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, zone, driver string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, err := limitParam(r, 100)
	if err != nil {
		writeError(w, r, err, false)
		return
	}
	items, err := s.Dispatch.Events(r.Context(), zone, driver, limit)
	if err != nil {
		writeError(w, r, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
