package webhook

import (
	"context"
	"fmt"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/notify"
	"github.com/mattjoyce/herald/internal/workitem"
)

// Notifier delivers items to a named target.
type Notifier interface {
	Notify(ctx context.Context, target string, items []workitem.Item) (notify.Result, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig is one resolved webhook endpoint.
type EndpointConfig struct {
	Path            string
	Target          string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
	States          []string
}

// AcceptedResponse is the JSON body of a 202 response.
type AcceptedResponse struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Items     int    `json:"items"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromConfig resolves the loaded webhooks section.
func FromConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}
	cfg := Config{Listen: wc.Listen, Endpoints: make([]EndpointConfig, 0, len(wc.Endpoints))}
	for _, ep := range wc.Endpoints {
		size, err := config.ParseByteSize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: max_body_size: %w", ep.Path, err)
		}
		header := ep.SignatureHeader
		if header == "" {
			header = config.DefaultSignatureHeader
		}
		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			Path:            ep.Path,
			Target:          ep.Target,
			Secret:          ep.Secret,
			SignatureHeader: header,
			MaxBodySize:     size,
			States:          ep.States,
		})
	}
	return cfg, nil
}
