package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/notify"
	"github.com/mattjoyce/herald/internal/state"
	"github.com/mattjoyce/herald/internal/workitem"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Targets:       len(s.notifier.Targets()),
	})
}

// handleNotify handles POST /v1/notify/{target}. A failed delivery answers 502
// with the result body.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "target")
	if !s.hasTarget(name) {
		s.writeError(w, http.StatusNotFound, "target not found")
		return
	}

	var req NotifyRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for i, it := range req.Items {
		if it.ID == "" {
			s.writeError(w, http.StatusBadRequest, "items["+strconv.Itoa(i)+"].id is required")
			return
		}
	}
	items := workitem.FilterState(req.Items, req.States...)

	res, err := s.notifier.Notify(r.Context(), name, items)
	if err != nil {
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			s.writeError(w, http.StatusBadRequest, ce.Error())
			return
		}
		s.logger.Error("notify failed", "target", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "notify failed")
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, NotifyResponse{
		Target:    name,
		RequestID: middleware.GetReqID(r.Context()),
		Items:     len(items),
		Result:    res,
	})
}

// handleTargets handles GET /v1/targets.
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, TargetsResponse{Targets: s.notifier.Targets()})
}

// handleDeliveries handles GET /v1/deliveries?target=NAME&limit=N.
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deliveries == nil {
		s.writeError(w, http.StatusNotFound, "delivery log disabled")
		return
	}
	limit, err := parseNonNegative(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	list, err := s.deliveries.Recent(r.Context(), r.URL.Query().Get("target"), int(limit))
	if err != nil {
		s.logger.Error("failed to list deliveries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if list == nil {
		list = []state.Delivery{}
	}
	respondJSON(w, http.StatusOK, DeliveriesResponse{Deliveries: list})
}

// handleEvents handles GET /v1/events?since=N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "events disabled")
		return
	}
	since, err := parseNonNegative(r.URL.Query().Get("since"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}
	respondJSON(w, http.StatusOK, EventsResponse{
		Events: s.events.Since(since),
		LastID: s.events.LastID(),
	})
}

func (s *Server) hasTarget(name string) bool {
	return slices.ContainsFunc(s.notifier.Targets(), func(t notify.TargetInfo) bool {
		return t.Name == name
	})
}

func parseNonNegative(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative")
	}
	return n, nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
