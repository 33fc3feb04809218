package deployer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gpulease/gpulease/pkg/eventbus"
	"github.com/gpulease/gpulease/pkg/metrics"
	"github.com/gpulease/gpulease/pkg/model"
)

type ModelLister interface {
	ListModels(ctx context.Context) ([]model.Model, error)
}

// Subscriber is satisfied by *eventbus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) <-chan *eventbus.Event
}

// Syncer keeps deployments in line with the active flag of every model.
// Bus events apply lease decisions quickly; the periodic resync repairs
// anything a lost event or a manual edit left behind.
type Syncer struct {
	scaler   *Scaler
	models   ModelLister
	bus      Subscriber
	interval time.Duration
	logger   *zap.Logger
}

func NewSyncer(scaler *Scaler, models ModelLister, bus Subscriber, interval time.Duration, logger *zap.Logger) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Syncer{scaler: scaler, models: models, bus: bus, interval: interval, logger: logger}
}

func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("model syncer starting", zap.Duration("resync_interval", s.interval))

	var events <-chan *eventbus.Event
	if s.bus != nil {
		events = s.bus.Subscribe(ctx, eventbus.ChannelModel)
	}

	if err := s.Resync(ctx); err != nil {
		s.logger.Warn("initial resync failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("model syncer shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Resync(ctx); err != nil {
				s.logger.Warn("resync failed", zap.Error(err))
			}
		case event, ok := <-events:
			if !ok {
				events = nil
				s.logger.Warn("model event subscription closed, relying on periodic resync")
				continue
			}
			s.HandleEvent(ctx, event)
		}
	}
}

func (s *Syncer) HandleEvent(ctx context.Context, event *eventbus.Event) {
	if event.Type != eventbus.TypeModelStateChanged {
		return
	}
	var change eventbus.ModelEvent
	if err := json.Unmarshal(event.Data, &change); err != nil {
		s.logger.Warn("failed to decode model event", zap.Error(err))
		return
	}
	s.apply(ctx, change.ModelID, change.Active)
}

// Resync scales every known model to its stored state.
func (s *Syncer) Resync(ctx context.Context) error {
	models, err := s.models.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		s.apply(ctx, m.ID, m.Active)
	}
	return nil
}

func (s *Syncer) apply(ctx context.Context, modelID string, active bool) {
	result, err := s.scaler.Scale(ctx, modelID, active)
	metrics.DeploymentSyncsTotal.WithLabelValues(string(result)).Inc()
	if err == nil {
		return
	}
	if errors.Is(err, ErrNoDeployment) {
		s.logger.Debug("model has no deployment", zap.String("model_id", modelID))
		return
	}
	s.logger.Warn("failed to scale model deployment", zap.String("model_id", modelID), zap.Bool("active", active), zap.Error(err))
}
