package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/events"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/state"
	"github.com/mattjoyce/herald/internal/workitem"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/herald/internal/notify Store

// Store persists agent sessions and delivery outcomes. *state.Store implements it.
type Store interface {
	LoadSession(ctx context.Context, target, fingerprint string) (string, error)
	SaveSession(ctx context.Context, target, fingerprint, sessionID string) error
	RecordDelivery(ctx context.Context, d state.Delivery) (state.Delivery, error)
}

// TargetInfo summarises a configured target.
type TargetInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Command   string `json:"command"`
	Dir       string `json:"dir,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Dispatcher routes notifications to targets by name.
type Dispatcher struct {
	cfg      *config.Config
	channels map[string]Channel
	store    Store
	hub      *events.Hub
	logger   *slog.Logger
}

// New creates a Dispatcher. channels maps a target type to its channel; store and
// hub may be nil.
//
// When hub is set, agent targets without their own notification callback get
// one that republishes agent updates as session.update events. New must run
// before any delivery.
func New(cfg *config.Config, channels map[string]Channel, store Store, hub *events.Hub) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		channels: channels,
		store:    store,
		hub:      hub,
		logger:   log.WithComponent("notify"),
	}
	if hub != nil {
		for name, t := range cfg.Targets {
			if t.Type == config.TypeAgent && t.OnNotification == nil {
				t.OnNotification = d.publishUpdate(name)
			}
		}
	}
	return d
}

func (d *Dispatcher) publishUpdate(target string) func(string, json.RawMessage) {
	return func(method string, params json.RawMessage) {
		if len(params) == 0 || !json.Valid(params) {
			params = json.RawMessage(`{}`)
		}
		d.hub.Publish(events.SessionUpdate, target, map[string]any{
			"method": method,
			"params": params,
		})
	}
}

// Notify delivers items to the named target. The error is a *config.ConfigError
// or nil; delivery failures are reported in Result.
func (d *Dispatcher) Notify(ctx context.Context, name string, items []workitem.Item) (Result, error) {
	target, err := d.cfg.Target(name)
	if err != nil {
		return Result{}, err
	}
	ch, ok := d.channels[target.Type]
	if !ok {
		return Result{}, &config.ConfigError{Target: name, Field: "type", Msg: fmt.Sprintf("no channel for type %q", target.Type)}
	}
	if err := target.Validate(""); err != nil {
		return Result{}, err
	}

	deliveryID := uuid.NewString()
	logger := log.WithDelivery(deliveryID).With("component", "notify", "target", name, "type", target.Type)

	persist := d.store != nil && target.Type == config.TypeAgent && d.cfg.State.SessionsPersisted()
	fingerprint := ""
	restored := target.CurrentSession()
	if persist {
		fingerprint = target.Fingerprint()
		if restored == "" {
			id, err := d.store.LoadSession(ctx, name, fingerprint)
			if err != nil {
				logger.Warn("failed to load stored session", "error", err)
			} else if id != "" {
				target.AdoptSession(id)
				restored = id
				logger.Debug("restored agent session", "session_id", id)
			}
		}
	}

	d.publish(events.NotifyStarted, name, map[string]any{
		"delivery_id": deliveryID,
		"items":       len(items),
	})

	start := time.Now()
	res, err := ch.Send(ctx, items, target, Options{DeliveryID: deliveryID})
	if err != nil {
		logger.Error("notification rejected", "error", err)
		return Result{}, err
	}
	elapsed := time.Since(start)

	if persist {
		if id := target.CurrentSession(); id != "" && id != restored {
			if err := d.store.SaveSession(ctx, name, fingerprint, id); err != nil {
				logger.Warn("failed to persist agent session", "error", err)
			}
		}
	}

	if d.store != nil {
		_, err := d.store.RecordDelivery(ctx, state.Delivery{
			ID:        deliveryID,
			Target:    name,
			Channel:   target.Type,
			ItemCount: len(items),
			Success:   res.Success,
			Message:   res.Message,
			Error:     res.Error,
		})
		if err != nil {
			logger.Warn("failed to record delivery", "error", err)
		}
	}

	d.publish(events.NotifyCompleted, name, map[string]any{
		"delivery_id": deliveryID,
		"items":       len(items),
		"success":     res.Success,
		"error":       res.Error,
		"duration_ms": elapsed.Milliseconds(),
	})

	if res.Success {
		logger.Info("notification delivered", "items", len(items), "duration", elapsed)
	} else {
		logger.Warn("notification failed", "items", len(items), "error", res.Error, "duration", elapsed)
	}
	return res, nil
}

// Targets lists configured targets in name order.
func (d *Dispatcher) Targets() []TargetInfo {
	names := d.cfg.TargetNames()
	out := make([]TargetInfo, 0, len(names))
	for _, name := range names {
		t := d.cfg.Targets[name]
		out = append(out, TargetInfo{
			Name:      name,
			Type:      t.Type,
			Command:   t.Command,
			Dir:       t.Dir,
			SessionID: t.CurrentSession(),
		})
	}
	return out
}

func (d *Dispatcher) publish(eventType, target string, data any) {
	if d.hub != nil {
		d.hub.Publish(eventType, target, data)
	}
}
