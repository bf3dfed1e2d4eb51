package sink

import (
	"sync"

	"github.com/maxpert/vole/relay"
)

func init() {
	// The mock sink doubles as a dry-run destination.
	relay.RegisterSink("mock", func(relay.SinkConfig) (relay.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records published messages for inspection in tests.
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	mu         sync.Mutex
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Subject string
	Key     string
	Value   []byte
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(subject, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{
		Subject: subject,
		Key:     key,
		Value:   value,
	})

	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Recorded returns a copy of the messages published so far.
func (m *MockSink) Recorded() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
