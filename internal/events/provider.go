package events

import (
	"fmt"
	"strings"

	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events/bus"
)

// Provide builds the configured event bus implementation: NATS when a URL is
// set, in-memory otherwise. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return memBus, cleanup, nil
}
