package relay

import (
	"fmt"
	"sync"
)

// SinkConfig selects and configures a sink implementation by type.
type SinkConfig struct {
	Type    string   // Registered sink type: "nats", "kafka", "mock"
	URL     string   // Server URL for connection-oriented sinks
	Brokers []string // Broker addresses for kafka
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(config SinkConfig) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewSink creates a sink from the configuration using the registered
// factories. Implementations live in the relay/sink package; importing it
// registers them.
func NewSink(config SinkConfig) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}
