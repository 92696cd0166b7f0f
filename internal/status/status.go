// Package status implements the observable Status Model (spec §3): an
// in-memory record of connection state and monotonic counters, mutated
// only by the Session Runtime and read as immutable snapshots by callers.
package status

import (
	"sync"
	"time"
)

// ConnectionState is the top-level connection state tag.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Error        ConnectionState = "error"
)

// InboundSyncState distinguishes backfill from live message delivery.
type InboundSyncState string

const (
	Bootstrapping InboundSyncState = "bootstrapping"
	Live          InboundSyncState = "live"
)

// IgnoreReason names one of the per-message rejection counters.
type IgnoreReason string

const (
	ReasonNonNotify      IgnoreReason = "non_notify"
	ReasonPreLive        IgnoreReason = "pre_live"
	ReasonStale          IgnoreReason = "stale"
	ReasonDuplicate      IgnoreReason = "duplicate"
	ReasonUnsupportedJID IgnoreReason = "unsupported_jid"
	ReasonFromMe         IgnoreReason = "from_me"
	ReasonSenderNotAllowed IgnoreReason = "sender_not_allowed"
	ReasonMissingPrefix  IgnoreReason = "missing_prefix"
)

// Snapshot is an immutable copy of the Status Model at a point in time.
type Snapshot struct {
	Provider  string
	State     ConnectionState
	Connected bool

	OwnJID string // "" when unknown

	QR          string // "" when none current
	QRUpdatedAt time.Time

	QRGenerationCount int
	QRGenerationLimit int
	QRLocked          bool

	LastDisconnectCode   int // 0 when none
	LastDisconnectReason string
	LastError            string

	InboundSync InboundSyncState
	LiveSince   time.Time // zero value when not live

	Accepted               uint64
	IgnoredNonNotify       uint64
	IgnoredPreLive         uint64
	IgnoredStale           uint64
	IgnoredDuplicate       uint64
	IgnoredUnsupportedJID  uint64
	IgnoredFromMe          uint64
	IgnoredSenderNotAllowed uint64
	IgnoredMissingPrefix   uint64

	UpdatedAt time.Time
}

// Model is the mutable Status Model. Zero value is not usable; use New.
type Model struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New returns a Model in the initial disconnected/bootstrapping state.
func New(provider string, qrGenerationLimit int) *Model {
	return &Model{
		snap: Snapshot{
			Provider:          provider,
			State:             Disconnected,
			InboundSync:       Bootstrapping,
			QRGenerationLimit: qrGenerationLimit,
			UpdatedAt:         time.Now(),
		},
	}
}

// Snapshot returns a coherent copy of the current status.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Model) mutate(fn func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.snap)
	m.snap.UpdatedAt = time.Now()
}

// SetConnecting resets transient connect-attempt state and moves to the
// connecting state.
func (m *Model) SetConnecting() {
	m.mutate(func(s *Snapshot) {
		s.State = Connecting
		s.Connected = false
		s.QRGenerationCount = 0
		s.QRLocked = false
		s.QR = ""
		s.LastError = ""
	})
}

// SetQR records a newly issued QR string and advances the generation
// counter. Returns the new count so the caller can compare it against the
// limit.
func (m *Model) SetQR(qr string, at time.Time) int {
	var count int
	m.mutate(func(s *Snapshot) {
		s.QRGenerationCount++
		s.QR = qr
		s.QRUpdatedAt = at
		count = s.QRGenerationCount
	})
	return count
}

// LockQR marks pairing as exhausted: no more QR generations are possible
// until an explicit Connect.
func (m *Model) LockQR(reason string) {
	m.mutate(func(s *Snapshot) {
		s.State = Disconnected
		s.Connected = false
		s.QR = ""
		s.QRLocked = true
		s.LastError = reason
	})
}

// SetConnected marks the session live: connected, in sync, own JID known.
func (m *Model) SetConnected(ownJID string, liveSince time.Time) {
	m.mutate(func(s *Snapshot) {
		s.State = Connected
		s.Connected = true
		s.InboundSync = Live
		s.QR = ""
		s.OwnJID = ownJID
		s.LiveSince = liveSince
		s.LastError = ""
	})
}

// SetDisconnected records a general close. allowReconnect controls whether
// the resulting state is "connecting" (reconnects are still allowed) or
// "disconnected" (terminal until the next explicit Connect). Whether a
// reconnect is actually scheduled is decided by the caller: after a 401
// the state is "connecting" but no reconnect follows.
func (m *Model) SetDisconnected(allowReconnect bool, code int, reason string) {
	m.mutate(func(s *Snapshot) {
		if allowReconnect {
			s.State = Connecting
		} else {
			s.State = Disconnected
		}
		s.Connected = false
		s.QR = ""
		s.OwnJID = ""
		s.LiveSince = time.Time{}
		s.InboundSync = Bootstrapping
		s.LastDisconnectCode = code
		s.LastDisconnectReason = reason
	})
}

// SetRestartRequired records the 515/"restart required" fast-path close.
func (m *Model) SetRestartRequired(code int, reason string) {
	m.mutate(func(s *Snapshot) {
		s.Connected = false
		s.QR = ""
		s.OwnJID = ""
		s.LiveSince = time.Time{}
		s.InboundSync = Bootstrapping
		s.LastDisconnectCode = code
		s.LastDisconnectReason = reason
	})
}

// SetLastError records a non-fatal event-listener or repair failure
// without otherwise touching connection state, e.g. partial_creds_reset or
// save_creds_failed.
func (m *Model) SetLastError(msg string) {
	m.mutate(func(s *Snapshot) { s.LastError = msg })
}

// SetError records a failed connect attempt: state error, not connected,
// and the failure message as lastError. Event-listener failures use
// SetLastError instead.
func (m *Model) SetError(msg string) {
	m.mutate(func(s *Snapshot) {
		s.State = Error
		s.Connected = false
		s.LastError = msg
	})
}

// ResetForDisconnect clears per-session transient state on Disconnect/Stop:
// live marker, QR fields and counter, and returns to bootstrapping.
func (m *Model) ResetForDisconnect() {
	m.mutate(func(s *Snapshot) {
		s.State = Disconnected
		s.Connected = false
		s.QR = ""
		s.QRGenerationCount = 0
		s.QRLocked = false
		s.OwnJID = ""
		s.LiveSince = time.Time{}
		s.InboundSync = Bootstrapping
	})
}

// IncrementAccepted records one accepted inbound message.
func (m *Model) IncrementAccepted() {
	m.mutate(func(s *Snapshot) { s.Accepted++ })
}

// IncrementIgnored adds n to the counter named by reason.
func (m *Model) IncrementIgnored(reason IgnoreReason, n uint64) {
	if n == 0 {
		return
	}
	m.mutate(func(s *Snapshot) {
		switch reason {
		case ReasonNonNotify:
			s.IgnoredNonNotify += n
		case ReasonPreLive:
			s.IgnoredPreLive += n
		case ReasonStale:
			s.IgnoredStale += n
		case ReasonDuplicate:
			s.IgnoredDuplicate += n
		case ReasonUnsupportedJID:
			s.IgnoredUnsupportedJID += n
		case ReasonFromMe:
			s.IgnoredFromMe += n
		case ReasonSenderNotAllowed:
			s.IgnoredSenderNotAllowed += n
		case ReasonMissingPrefix:
			s.IgnoredMissingPrefix += n
		}
	})
}
