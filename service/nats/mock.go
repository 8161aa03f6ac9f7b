package nats

import (
	"context"
	"strings"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu                 sync.RWMutex
	transactions       []*TransactionEvent
	confirmations      []*ConfirmationEvent
	publishError       error
	confirmationsError error
	closed             bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishTransaction records the event and returns any configured error.
func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.transactions = append(m.transactions, event)
	return nil
}

// PublishConfirmation records the event and returns any configured error.
func (m *MockPublisher) PublishConfirmation(ctx context.Context, event *ConfirmationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.confirmationsError != nil {
		return m.confirmationsError
	}
	m.confirmations = append(m.confirmations, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published transaction events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*TransactionEvent, len(m.transactions))
	copy(events, m.transactions)
	return events
}

// GetPublishedEventCount returns the number of published transaction events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions)
}

// GetPublishedEventsFrom returns transaction events sent from address.
func (m *MockPublisher) GetPublishedEventsFrom(address string) []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*TransactionEvent, 0)
	for _, event := range m.transactions {
		if strings.EqualFold(event.FromAddress, address) {
			events = append(events, event)
		}
	}
	return events
}

// GetConfirmationEvents returns all published confirmation events.
func (m *MockPublisher) GetConfirmationEvents() []*ConfirmationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*ConfirmationEvent, len(m.confirmations))
	copy(events, m.confirmations)
	return events
}

// SetPublishError configures the mock to return an error on PublishTransaction.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// SetConfirmationError configures the mock to return an error on PublishConfirmation.
func (m *MockPublisher) SetConfirmationError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmationsError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = nil
	m.confirmations = nil
	m.publishError = nil
	m.confirmationsError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
