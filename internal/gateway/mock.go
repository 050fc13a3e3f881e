package gateway

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	Phone         string
	Channel       string
	Text          string
	CorrelationID string
}

// MockClient implements Client for tests. It records sent messages and can
// be told to fail.
type MockClient struct {
	mu       sync.Mutex
	sent     []SentMessage
	failures []error // consumed one per Send
	failAll  error
	counter  int
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// FailNext makes the next len(errs) Send calls return errs in order.
func (m *MockClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// FailAll makes every Send return err until called again with nil.
func (m *MockClient) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Send implements Client.
func (m *MockClient) Send(ctx context.Context, phone, channel, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return "", m.failAll
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}
	m.counter++
	id := fmt.Sprintf("mock-%d", m.counter)
	m.sent = append(m.sent, SentMessage{Phone: phone, Channel: channel, Text: text, CorrelationID: id})
	return id, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Last returns the most recent message, or false if none was sent.
func (m *MockClient) Last() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// Reset clears recorded messages and pending failures.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.failures = nil
	m.failAll = nil
}
