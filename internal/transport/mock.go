package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MockSocket is a scriptable fake Socket for tests: it records every
// SendMessage call and lets a test push arbitrary "creds.update" /
// "connection.update" / "messages.upsert" frames into the runtime's
// registered listeners on demand, the same role the teacher's
// upstream.MockConnector plays for the platform connectors.
type MockSocket struct {
	mu sync.Mutex

	listeners map[string][]func(json.RawMessage)
	sent      []SentMessage
	ended     int
	endErr    error
	loggedOut int
	logoutErr error
	userID    string
}

// SentMessage records one SendMessage call observed by MockSocket.
type SentMessage struct {
	JID     string
	Payload SendPayload
}

// NewMockSocket returns a fresh, unconnected MockSocket.
func NewMockSocket() *MockSocket {
	return &MockSocket{listeners: make(map[string][]func(json.RawMessage))}
}

// NewMockDialer returns a Dialer that hands out sock on every call,
// recording each call's ConnectOptions in *dials.
func NewMockDialer(sock *MockSocket, dials *[]ConnectOptions) Dialer {
	var mu sync.Mutex
	return func(_ context.Context, opts ConnectOptions) (Socket, error) {
		mu.Lock()
		*dials = append(*dials, opts)
		mu.Unlock()
		return sock, nil
	}
}

func (m *MockSocket) On(event string, listener func(json.RawMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[event] = append(m.listeners[event], listener)
}

// Emit synchronously invokes every listener registered for event with raw.
// Tests typically pass a json.RawMessage built with the session tests'
// mustJSON helper.
func (m *MockSocket) Emit(event string, raw json.RawMessage) {
	m.mu.Lock()
	listeners := append([]func(json.RawMessage){}, m.listeners[event]...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(raw)
	}
}

func (m *MockSocket) SendMessage(_ context.Context, jid string, payload SendPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{JID: jid, Payload: payload})
	return nil
}

func (m *MockSocket) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage{}, m.sent...)
}

func (m *MockSocket) End(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended++
	m.endErr = err
}

func (m *MockSocket) EndCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

func (m *MockSocket) Logout(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedOut++
	return m.logoutErr
}

func (m *MockSocket) LogoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedOut
}

func (m *MockSocket) SetLogoutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutErr = err
}

func (m *MockSocket) SetUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = id
}

func (m *MockSocket) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// NewMessageID returns a synthetic, unique message id for building
// messages.upsert fixtures.
func NewMessageID() string {
	return uuid.NewString()
}
