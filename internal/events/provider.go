package events

import (
	"fmt"

	"github.com/nbaertsch/squadron-sub002/internal/common/config"
	"github.com/nbaertsch/squadron-sub002/internal/common/logger"
	"github.com/nbaertsch/squadron-sub002/internal/events/bus"
)

// Provide constructs the event bus backend selected by config.
// An empty NATS URL selects the in-process bus, which is the default for a
// single-instance deployment. The returned cleanup func closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if cfg.NATS.URL == "" {
		b := bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
		return b, b.Close, nil
	}

	b, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return b, b.Close, nil
}
