package notify

import (
	"context"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/workitem"
)

// Result is the outcome of one delivery.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Options tune a single Send.
type Options struct {
	// DeliveryID correlates log lines across components.
	DeliveryID string
}

// Channel delivers items to one kind of target. The returned error is non-nil
// only for configuration problems detected before any I/O; every other failure
// is reported in Result.
type Channel interface {
	Send(ctx context.Context, items []workitem.Item, target *config.Target, opts Options) (Result, error)
}

func failed(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
