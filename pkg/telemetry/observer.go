package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// LifecycleObserver records applied transitions as metrics and events.
type LifecycleObserver struct {
	metrics   *Metrics
	publisher *EventPublisher
	logger    zerolog.Logger
}

var _ lifecycle.TransitionObserver = (*LifecycleObserver)(nil)

// NewLifecycleObserver creates an observer. Either sink may be nil.
func NewLifecycleObserver(metrics *Metrics, publisher *EventPublisher, logger zerolog.Logger) *LifecycleObserver {
	return &LifecycleObserver{
		metrics:   metrics,
		publisher: publisher,
		logger:    logger.With().Str("component", "lifecycle-observer").Logger(),
	}
}

// ObserveTransition implements lifecycle.TransitionObserver.
func (o *LifecycleObserver) ObserveTransition(_ context.Context, _ *lifecycle.ModelRecord, t lifecycle.Transition) {
	if o.metrics != nil {
		o.metrics.RecordTransition(string(t.From), string(t.To), string(t.Event))
	}
	if o.publisher == nil {
		return
	}
	err := o.publisher.PublishStateChanged(
		t.ModelID,
		string(t.From),
		string(t.To),
		string(t.Event),
		t.StateVersion,
		t.JobID,
		t.Error,
	)
	if err != nil {
		o.logger.Warn().Err(err).Str("model_id", t.ModelID).Msg("Failed to publish state change")
	}
}

// CountModelsByState pages through store and counts live models per state.
func CountModelsByState(store lifecycle.Store) ModelCounter {
	const page = 500
	return func(ctx context.Context) (map[string]int, error) {
		counts := make(map[string]int)
		for offset := 0; ; offset += page {
			recs, err := store.List(ctx, offset, page)
			if err != nil {
				return nil, err
			}
			for _, rec := range recs {
				counts[string(rec.State)]++
			}
			if len(recs) < page {
				return counts, nil
			}
		}
	}
}
