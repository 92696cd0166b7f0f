// Package transport defines the Transport Driver contract: the boundary
// between the Session Runtime and the external, opaque messenger client
// that actually speaks the wire protocol (§6 of the spec). Nothing in this
// package talks to a real messenger network — it only describes the shape
// of the adapter and, in rpc.go, a concrete shim that execs an external
// process and speaks the contract over its stdio.
package transport

import (
	"context"
	"encoding/json"
)

// Event names emitted by a Socket's event listeners, matching the upstream
// driver's three event types.
const (
	EventCredsUpdate      = "creds.update"
	EventConnectionUpdate = "connection.update"
	EventMessagesUpsert   = "messages.upsert"
)

// DefaultBrowser is the hard-coded browser descriptor sent on every
// connect. Left a compile-time constant per the spec's open question
// rather than promoted to configuration.
var DefaultBrowser = [3]string{"Alfred", "Chrome", "1.0.0"}

// AuthState is the opaque credential blob handed to a Dialer on connect
// and refreshed via the "creds.update" event. The core never interprets
// its contents beyond what internal/creds needs for repair.
type AuthState = json.RawMessage

// SendPayload is the outbound message payload accepted by
// Socket.SendMessage: either a plain text body or a document.
type SendPayload struct {
	Text string `json:"text,omitempty"`

	Document string `json:"document,omitempty"` // the file's contents, as read by the runtime's SendFile
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// ConnectOptions mirrors the options object passed to the Transport
// Driver's `default(options) -> Socket` constructor.
type ConnectOptions struct {
	Auth    AuthState
	Browser [3]string
	Version [3]int
}

// Socket is the live handle returned by a Dialer. The Session Runtime
// holds at most one at a time (spec §3 invariant: single live handle).
type Socket interface {
	// On registers a listener for one of the Event* constants. Drivers
	// invoke listeners on their own event loop; the runtime is
	// responsible for serializing its reaction to them.
	On(event string, listener func(payload json.RawMessage))

	// SendMessage sends payload to jid.
	SendMessage(ctx context.Context, jid string, payload SendPayload) error

	// End force-closes the socket. Safe to call more than once; err, if
	// non-nil, is an optional close reason handed to the driver, and
	// nothing is returned to the caller (mirrors Baileys' fire-and-forget
	// `end(err)`).
	End(err error)

	// Logout asks the remote session to unlink. Callers must tolerate
	// failure (swallowed, non-fatal per spec §4.1).
	Logout(ctx context.Context) error

	// UserID returns the own JID once known from an "open" transition,
	// or "" before then.
	UserID() string
}

// Dialer constructs a new Socket, mirroring the Transport Driver's
// `default(options) -> Socket` constructor.
type Dialer func(ctx context.Context, opts ConnectOptions) (Socket, error)

// VersionFetcher mirrors `fetchLatestBaileysVersion() -> { version }`.
type VersionFetcher func(ctx context.Context) ([3]int, error)

// DefaultVersion is returned by StaticVersion, used when no VersionFetcher
// is configured. Like the browser descriptor, this is left a compile-time
// constant per the spec's open question.
var DefaultVersion = [3]int{2, 3000, 0}

// StaticVersion is a VersionFetcher that always returns DefaultVersion,
// never performing any I/O. Suitable when the bridge process pins its own
// protocol version and the Go side doesn't need to negotiate one.
func StaticVersion(_ context.Context) ([3]int, error) {
	return DefaultVersion, nil
}
