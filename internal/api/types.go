package api

import (
	"github.com/mattjoyce/herald/internal/events"
	"github.com/mattjoyce/herald/internal/notify"
	"github.com/mattjoyce/herald/internal/state"
	"github.com/mattjoyce/herald/internal/workitem"
)

// NotifyRequest is the JSON body for POST /v1/notify/{target}.
type NotifyRequest struct {
	Items []workitem.Item `json:"items"`
	// States, when set, keeps only items in one of these states.
	States []string `json:"states,omitempty"`
}

// NotifyResponse wraps the delivery result.
type NotifyResponse struct {
	Target    string `json:"target"`
	RequestID string `json:"request_id,omitempty"`
	Items     int    `json:"items"`
	notify.Result
}

// TargetsResponse is returned by GET /v1/targets.
type TargetsResponse struct {
	Targets []notify.TargetInfo `json:"targets"`
}

// DeliveriesResponse is returned by GET /v1/deliveries.
type DeliveriesResponse struct {
	Deliveries []state.Delivery `json:"deliveries"`
}

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"last_id"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Targets       int    `json:"targets"`
}
