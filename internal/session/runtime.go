// Package session implements the Session Runtime: the top-level component
// owning the Transport Driver handle, the Status Model, the Dedup Window,
// the reconnect timer, and the QR counter.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/alfredhq/gateway/internal/config"
	"github.com/alfredhq/gateway/internal/creds"
	"github.com/alfredhq/gateway/internal/dedup"
	"github.com/alfredhq/gateway/internal/inbound"
	"github.com/alfredhq/gateway/internal/status"
	"github.com/alfredhq/gateway/internal/transport"
)

// Error strings surfaced synchronously to callers or recorded as
// lastError, matching the spec's enumerated error set.
var (
	ErrInvalidJID      = errors.New("invalid_jid")
	ErrInvalidFilePath = errors.New("invalid_file_path")
	ErrEmptyText       = errors.New("empty_text")
	ErrNotConnected    = errors.New("not_connected")
)

// FileOptions carries the optional fields for SendFile.
type FileOptions struct {
	FileName string
	MimeType string
	Caption  string
}

// Runtime is the Session Runtime. Construct with New; the zero value is
// not usable.
type Runtime struct {
	cfg            config.Config
	dialer         transport.Dialer
	versionFetcher transport.VersionFetcher
	onInbound      func(inbound.Message)
	logger         zerolog.Logger

	status   *status.Model
	dedup    *dedup.Window
	pipeline *inbound.Pipeline

	mu                sync.Mutex
	socket            transport.Socket
	allowReconnect    bool
	reconnectTimer    *time.Timer
	connectWait       chan struct{}
	onMessageHandlers []func(inbound.Message)
}

// New returns a Runtime wired to dialer for transport connections and
// onInbound as the mandatory downstream handler. onInbound must be
// non-nil; it is invoked for every accepted message before any handler
// registered via OnMessage.
func New(cfg config.Config, dialer transport.Dialer, onInbound func(inbound.Message), logger zerolog.Logger) *Runtime {
	st := status.New(cfg.Provider, cfg.MaxQrGenerations)
	window := dedup.New(dedup.DefaultCapacity)
	pipelineCfg := inbound.Config{
		MaxTextChars:    cfg.MaxTextChars,
		AllowSelfFromMe: cfg.AllowSelfFromMe,
		RequirePrefix:   cfg.RequirePrefix,
		AllowedSenders:  inbound.CanonicalizeSenders(cfg.AllowedSenders),
	}

	return &Runtime{
		cfg:            cfg,
		dialer:         dialer,
		versionFetcher: transport.StaticVersion,
		onInbound:      onInbound,
		logger:         logger,
		status:         st,
		dedup:          window,
		pipeline:       inbound.New(pipelineCfg, window, st),
	}
}

// SetVersionFetcher overrides the default static version fetcher. Intended
// for tests and for deployments that negotiate a live protocol version.
func (r *Runtime) SetVersionFetcher(f transport.VersionFetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versionFetcher = f
}

// Status returns a coherent copy of the current status snapshot.
func (r *Runtime) Status() status.Snapshot {
	return r.status.Snapshot()
}

// OnMessage registers an additional downstream handler, invoked after the
// mandatory onInbound callback on every accepted message.
func (r *Runtime) OnMessage(handler func(inbound.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessageHandlers = append(r.onMessageHandlers, handler)
}

// Connect is the idempotent, re-entrant connect initiator. A concurrent
// caller joins the in-flight attempt rather than starting a second one.
func (r *Runtime) Connect(ctx context.Context) status.Snapshot {
	r.mu.Lock()
	r.allowReconnect = true
	r.cancelReconnectTimerLocked()

	if wait := r.connectWait; wait != nil {
		r.mu.Unlock()
		<-wait
		return r.Status()
	}

	wait := make(chan struct{})
	r.connectWait = wait
	r.mu.Unlock()

	err := r.connectInternal(ctx)

	r.mu.Lock()
	r.connectWait = nil
	r.mu.Unlock()
	close(wait)

	if err != nil {
		r.status.SetError(err.Error())
	}
	return r.Status()
}

// Disconnect detaches the current socket, optionally logging out first
// (failures swallowed, force-close always attempted), and resets the
// live-since marker, dedup set, and QR/sync state.
func (r *Runtime) Disconnect(ctx context.Context, logout bool) status.Snapshot {
	r.mu.Lock()
	r.allowReconnect = false
	r.cancelReconnectTimerLocked()
	sock := r.socket
	r.socket = nil
	r.mu.Unlock()

	if sock != nil {
		if logout {
			_ = sock.Logout(ctx)
		}
		sock.End(nil)
	}

	r.dedup.Reset()
	r.status.ResetForDisconnect()
	return r.Status()
}

// Stop is Disconnect(logout = false): credentials remain on disk so the
// next Connect resumes without a new QR pairing.
func (r *Runtime) Stop(ctx context.Context) status.Snapshot {
	return r.Disconnect(ctx, false)
}

// SendText validates jid, sanitizes and truncates text, and sends it over
// the current socket.
func (r *Runtime) SendText(ctx context.Context, jid, text string) error {
	if !supportedJID(jid) {
		return ErrInvalidJID
	}

	text = sanitizeOutbound(text, r.cfg.MaxTextChars)
	if text == "" {
		return ErrEmptyText
	}

	sock := r.currentSocket()
	if sock == nil {
		return ErrNotConnected
	}
	return sock.SendMessage(ctx, jid, transport.SendPayload{Text: text})
}

// SendFile validates jid, reads path, derives a filename and mime type
// when not supplied, and sends the document over the current socket.
func (r *Runtime) SendFile(ctx context.Context, jid, path string, opts FileOptions) error {
	if !supportedJID(jid) {
		return ErrInvalidJID
	}
	if strings.TrimSpace(path) == "" {
		return ErrInvalidFilePath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilePath, err)
	}

	fileName := opts.FileName
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	sock := r.currentSocket()
	if sock == nil {
		return ErrNotConnected
	}
	return sock.SendMessage(ctx, jid, transport.SendPayload{
		Document: string(data),
		FileName: fileName,
		MimeType: mimeType,
		Caption:  opts.Caption,
	})
}

func (r *Runtime) currentSocket() transport.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socket
}

func supportedJID(jid string) bool {
	return strings.HasSuffix(jid, "@s.whatsapp.net") || strings.HasSuffix(jid, "@lid")
}

func sanitizeOutbound(text string, maxChars int) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.TrimSpace(text)
	if maxChars > 0 {
		runes := []rune(text)
		if len(runes) > maxChars {
			text = string(runes[:maxChars])
		}
	}
	return text
}

// connectInternal runs one connect attempt: clears transient state, runs
// credential repair, loads credentials, fetches the protocol version,
// dials a new socket, installs it (closing any previous one first), and
// binds the three event listeners.
func (r *Runtime) connectInternal(ctx context.Context) error {
	r.dedup.Reset()
	r.status.SetConnecting()

	if err := creds.Repair(r.cfg.AuthDir, time.Now()); err != nil {
		r.status.SetLastError(err.Error())
	}

	auth, err := creds.Load(r.cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	versionFetcher := r.currentVersionFetcher()
	version, err := versionFetcher(ctx)
	if err != nil {
		return fmt.Errorf("fetch transport version: %w", err)
	}

	sock, err := r.dialer(ctx, transport.ConnectOptions{
		Auth:    auth,
		Browser: transport.DefaultBrowser,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}

	r.mu.Lock()
	previous := r.socket
	r.socket = nil
	r.mu.Unlock()

	if previous != nil {
		previous.End(nil)
	}

	r.mu.Lock()
	r.socket = sock
	r.mu.Unlock()

	sock.On(transport.EventCredsUpdate, r.handleCredsUpdate)
	sock.On(transport.EventConnectionUpdate, r.handleConnectionUpdate)
	sock.On(transport.EventMessagesUpsert, r.handleMessagesUpsert)

	return nil
}

func (r *Runtime) currentVersionFetcher() transport.VersionFetcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versionFetcher
}

func (r *Runtime) cancelReconnectTimerLocked() {
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
}

func (r *Runtime) scheduleReconnect(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelReconnectTimerLocked()
	r.reconnectTimer = time.AfterFunc(delay, func() {
		r.Connect(context.Background())
	})
}

// recoverInto absorbs a panic from an event listener into the status
// model instead of letting it crash the transport's event loop.
func (r *Runtime) recoverInto(tag string) {
	if rec := recover(); rec != nil {
		r.status.SetLastError(fmt.Sprintf("%s: %v", tag, rec))
		r.logger.Error().Interface("panic", rec).Str("handler", tag).Msg("recovered from event handler panic")
	}
}

func (r *Runtime) handleCredsUpdate(payload json.RawMessage) {
	defer r.recoverInto("creds_update_panic")

	if err := creds.Save(r.cfg.AuthDir, payload); err != nil {
		r.status.SetLastError("save_creds_failed")
		r.logger.Error().Err(err).Msg("save_creds_failed")
	}
}

func (r *Runtime) handleMessagesUpsert(payload json.RawMessage) {
	defer r.recoverInto("messages_upsert_panic")

	snap := r.status.Snapshot()
	live := inbound.LiveState{
		Connected:        snap.Connected,
		LiveSinceUnixSec: snap.LiveSince.Unix(),
		LiveSinceKnown:   snap.Connected && !snap.LiveSince.IsZero(),
	}

	for _, msg := range r.pipeline.Process(payload, live) {
		r.dispatch(msg)
	}
}

func (r *Runtime) dispatch(msg inbound.Message) {
	func() {
		defer r.recoverInto("on_inbound_panic")
		r.onInbound(msg)
	}()

	r.mu.Lock()
	handlers := append([]func(inbound.Message){}, r.onMessageHandlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		func(handler func(inbound.Message)) {
			defer r.recoverInto("on_message_panic")
			handler(msg)
		}(h)
	}
}

func (r *Runtime) handleConnectionUpdate(payload json.RawMessage) {
	defer r.recoverInto("connection_update_panic")

	root := gjson.ParseBytes(payload)

	if qr := root.Get("qr").String(); qr != "" {
		r.handleQR(qr)
	}

	switch root.Get("connection").String() {
	case "open":
		r.handleOpen()
	case "close":
		r.handleClose(payload)
	}
}

func (r *Runtime) handleQR(qr string) {
	snap := r.status.Snapshot()
	if snap.QRGenerationCount+1 > r.cfg.MaxQrGenerations {
		r.mu.Lock()
		r.allowReconnect = false
		r.cancelReconnectTimerLocked()
		sock := r.socket
		r.socket = nil
		r.mu.Unlock()

		if sock != nil {
			sock.End(nil)
		}
		r.status.LockQR("qr_generation_limit_reached")
		return
	}

	r.status.SetQR(qr, time.Now())
}

func (r *Runtime) handleOpen() {
	r.mu.Lock()
	r.cancelReconnectTimerLocked()
	sock := r.socket
	r.mu.Unlock()

	ownJID := ""
	if sock != nil {
		ownJID = sock.UserID()
	}

	liveSince := time.Now().Add(-time.Duration(r.cfg.HistoryGraceWindowSec) * time.Second)
	r.status.SetConnected(ownJID, liveSince)
}

func (r *Runtime) handleClose(payload json.RawMessage) {
	code := safeDisconnectCode(payload)
	reason := safeDisconnectReason(payload)

	if code == 515 || strings.Contains(strings.ToLower(reason), "restart required") {
		r.detachSocket()
		r.dedup.Reset()
		r.status.SetRestartRequired(code, reason)

		r.mu.Lock()
		allow := r.allowReconnect
		r.mu.Unlock()

		if allow {
			r.scheduleReconnect(time.Duration(min(r.cfg.ReconnectDelayMs, 1000)) * time.Millisecond)
		}
		return
	}

	r.detachSocket()
	r.dedup.Reset()

	r.mu.Lock()
	allow := r.allowReconnect
	r.mu.Unlock()

	r.status.SetDisconnected(allow, code, reason)

	if code == 401 || !allow {
		return
	}
	r.scheduleReconnect(time.Duration(r.cfg.ReconnectDelayMs) * time.Millisecond)
}

func (r *Runtime) detachSocket() {
	r.mu.Lock()
	r.cancelReconnectTimerLocked()
	sock := r.socket
	r.socket = nil
	r.mu.Unlock()

	if sock != nil {
		sock.End(nil)
	}
}

// disconnectCodePaths enumerates the shapes a disconnect status code has
// been observed at in the upstream payload; the first match wins.
var disconnectCodePaths = []string{
	"lastDisconnect.error.output.statusCode",
	"lastDisconnect.error.output.payload.statusCode",
	"lastDisconnect.error.payload.statusCode",
	"lastDisconnect.error.data.attrs.code",
}

func safeDisconnectCode(payload json.RawMessage) int {
	for _, path := range disconnectCodePaths {
		if v := gjson.GetBytes(payload, path); v.Exists() && v.Type == gjson.Number {
			return int(v.Int())
		}
	}
	return 0
}

func safeDisconnectReason(payload json.RawMessage) string {
	return gjson.GetBytes(payload, "lastDisconnect.error.message").String()
}
