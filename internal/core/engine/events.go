package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/ports"
)

const eventTypeContainer = "container"

// MonitorEvents consumes the runtime's lifecycle event stream and signals
// watchers to re-fetch state whenever a container-level event arrives. The
// loop never mutates the registry itself. It runs until ctx is cancelled;
// cancellation closes the underlying subscription.
func (e *Engine) MonitorEvents(ctx context.Context) {
	e.log.Info("starting runtime event monitoring")
	events, errs := e.rt.Events(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("runtime event monitoring stopped")
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.log.Error("runtime event stream failed", zap.Error(err))
			return
		case ev, ok := <-events:
			if !ok {
				e.log.Info("runtime event stream closed")
				return
			}
			if ev.Type == eventTypeContainer {
				e.log.Debug("container event",
					zap.String("action", ev.Action),
					zap.String("container_id", ev.ContainerID))
				e.notifyUpdate()
			}
		}
	}
}

func (e *Engine) notifyUpdate() {
	if e.notifier != nil {
		e.notifier.Broadcast(ports.NotificationEnvironmentsUpdate)
	}
}
