package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfredhq/gateway/internal/config"
	"github.com/alfredhq/gateway/internal/inbound"
	"github.com/alfredhq/gateway/internal/status"
	"github.com/alfredhq/gateway/internal/transport"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Provider:         "whatsapp",
		AuthDir:          t.TempDir(),
		BridgeCommand:    []string{"noop"},
		MaxTextChars:     8,
		ReconnectDelayMs: 50,
		MaxQrGenerations: 3,
	}
}

func newTestRuntime(t *testing.T, cfg config.Config) (*Runtime, *transport.MockSocket, *[]transport.ConnectOptions) {
	t.Helper()
	sock := transport.NewMockSocket()
	var dials []transport.ConnectOptions
	dialer := transport.NewMockDialer(sock, &dials)

	r := New(cfg, dialer, func(inbound.Message) {}, zerolog.Nop())
	return r, sock, &dials
}

func mustJSON(t *testing.T, v string) json.RawMessage {
	t.Helper()
	if !json.Valid([]byte(v)) {
		t.Fatalf("invalid json fixture: %s", v)
	}
	return json.RawMessage(v)
}

func TestConnect_DialsOnceAndBindsListeners(t *testing.T) {
	r, sock, dials := newTestRuntime(t, testConfig(t))

	snap := r.Connect(context.Background())
	if snap.State != status.Connecting {
		t.Fatalf("expected connecting state, got %s", snap.State)
	}
	if len(*dials) != 1 {
		t.Fatalf("expected exactly one dial, got %d", len(*dials))
	}
	_ = sock
}

func TestOutboundJIDValidation(t *testing.T) {
	r, sock, _ := newTestRuntime(t, testConfig(t))
	ctx := context.Background()
	r.Connect(ctx)
	sock.Emit(transport.EventConnectionUpdate, mustJSON(t, `{"connection":"open"}`))

	if err := r.SendText(ctx, "not-a-jid", "hi"); err != ErrInvalidJID {
		t.Fatalf("expected ErrInvalidJID, got %v", err)
	}

	if err := r.SendText(ctx, "12345@s.whatsapp.net", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := sock.Sent()
	if len(sent) != 1 || sent[0].JID != "12345@s.whatsapp.net" || sent[0].Payload.Text != "hello" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
}

func TestSendText_NotConnectedWithoutSocket(t *testing.T) {
	r, _, _ := newTestRuntime(t, testConfig(t))
	if err := r.SendText(context.Background(), "1@s.whatsapp.net", "hi"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendText_EmptyAfterSanitize(t *testing.T) {
	r, sock, _ := newTestRuntime(t, testConfig(t))
	r.Connect(context.Background())
	sock.Emit(transport.EventConnectionUpdate, mustJSON(t, `{"connection":"open"}`))

	if err := r.SendText(context.Background(), "1@s.whatsapp.net", "   \x00  "); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestQRLock(t *testing.T) {
	r, sock, dials := newTestRuntime(t, testConfig(t))
	r.Connect(context.Background())

	for i := 0; i < 4; i++ {
		sock.Emit(transport.EventConnectionUpdate, mustJSON(t, `{"qr":"code"}`))
	}

	snap := r.Status()
	if snap.Connected {
		t.Fatal("expected connected=false")
	}
	if snap.QR != "" {
		t.Fatalf("expected qr cleared, got %q", snap.QR)
	}
	if snap.QRGenerationCount != 3 {
		t.Fatalf("expected qrGenerationCount=3, got %d", snap.QRGenerationCount)
	}
	if !snap.QRLocked {
		t.Fatal("expected qrLocked=true")
	}
	if snap.LastError != "qr_generation_limit_reached" {
		t.Fatalf("unexpected lastError: %q", snap.LastError)
	}
	if sock.EndCount() != 1 {
		t.Fatalf("expected socket End() called once, got %d", sock.EndCount())
	}

	time.Sleep(150 * time.Millisecond)
	if len(*dials) != 1 {
		t.Fatalf("expected no auto-reconnect dial after qr lock, total dials=%d", len(*dials))
	}
}

func TestRestartRequiredFastPath_SchedulesQuickReconnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReconnectDelayMs = 5000
	r, sock, dials := newTestRuntime(t, cfg)
	r.Connect(context.Background())
	if len(*dials) != 1 {
		t.Fatalf("expected 1 dial, got %d", len(*dials))
	}

	sock.Emit(transport.EventConnectionUpdate, mustJSON(t, `{"connection":"close","lastDisconnect":{"error":{"output":{"statusCode":515},"message":"restart required"}}}`))

	snap := r.Status()
	if snap.InboundSync != status.Bootstrapping {
		t.Fatalf("expected bootstrapping sync, got %s", snap.InboundSync)
	}
	if snap.LastDisconnectCode != 515 {
		t.Fatalf("expected disconnect code 515, got %d", snap.LastDisconnectCode)
	}

	// The fast-path reconnect delay is min(reconnectDelayMs, 1000ms), well
	// under the configured 5s, so a second dial should land quickly.
	deadline := time.After(2 * time.Second)
	for {
		if len(*dials) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected a fast reconnect dial, got %d dials", len(*dials))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGeneralClose_401_NoReconnect(t *testing.T) {
	r, sock, dials := newTestRuntime(t, testConfig(t))
	r.Connect(context.Background())

	sock.Emit(transport.EventConnectionUpdate, mustJSON(t, `{"connection":"close","lastDisconnect":{"error":{"output":{"statusCode":401},"message":"logged out"}}}`))

	snap := r.Status()
	if snap.State != status.Connecting {
		t.Fatalf("expected connecting (reconnect still allowed, none scheduled), got %s", snap.State)
	}
	if snap.LastDisconnectCode != 401 {
		t.Fatalf("expected code 401, got %d", snap.LastDisconnectCode)
	}

	time.Sleep(150 * time.Millisecond)
	if len(*dials) != 1 {
		t.Fatalf("expected no reconnect dial after 401, total dials=%d", len(*dials))
	}
}

func TestGeneralClose_Reconnects(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReconnectDelayMs = 20
	r, sock, dials := newTestRuntime(t, cfg)
	r.Connect(context.Background())

	sock.Emit(transport.EventConnectionUpdate, mustJSON(t, `{"connection":"close","lastDisconnect":{"error":{"message":"stream error"}}}`))

	deadline := time.After(2 * time.Second)
	for {
		if len(*dials) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected reconnect dial, got %d dials", len(*dials))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDisconnect_Invariants(t *testing.T) {
	r, sock, _ := newTestRuntime(t, testConfig(t))
	r.Connect(context.Background())

	r.Stop(context.Background())
	if sock.LogoutCount() != 0 {
		t.Fatalf("expected Stop() to never call Logout, got %d calls", sock.LogoutCount())
	}
	if sock.EndCount() != 1 {
		t.Fatalf("expected End() called once, got %d", sock.EndCount())
	}

	r.Connect(context.Background())
	r.Disconnect(context.Background(), true)
	if sock.LogoutCount() != 1 {
		t.Fatalf("expected Disconnect(logout=true) to call Logout exactly once, got %d", sock.LogoutCount())
	}
	if sock.EndCount() != 2 {
		t.Fatalf("expected End() called again, got %d", sock.EndCount())
	}
}

func TestConnect_ConcurrentCallsJoinSingleAttempt(t *testing.T) {
	r, _, dials := newTestRuntime(t, testConfig(t))

	const n = 10
	done := make(chan status.Snapshot, n)
	for i := 0; i < n; i++ {
		go func() { done <- r.Connect(context.Background()) }()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	if len(*dials) != 1 {
		t.Fatalf("expected exactly one underlying dial, got %d", len(*dials))
	}
}

func TestHandleCredsUpdate_PersistsToDisk(t *testing.T) {
	cfg := testConfig(t)
	r, sock, _ := newTestRuntime(t, cfg)
	r.Connect(context.Background())

	sock.Emit(transport.EventCredsUpdate, mustJSON(t, `{"registered":true,"me":{"id":"1@s.whatsapp.net"}}`))

	data, err := os.ReadFile(filepath.Join(cfg.AuthDir, "creds.json"))
	if err != nil {
		t.Fatalf("expected creds.json to be written: %v", err)
	}
	if string(data) != `{"registered":true,"me":{"id":"1@s.whatsapp.net"}}` {
		t.Fatalf("unexpected creds.json content: %s", data)
	}
}

func TestMessagesUpsert_InboundDelivery(t *testing.T) {
	cfg := testConfig(t)
	sock := transport.NewMockSocket()
	var dials []transport.ConnectOptions
	dialer := transport.NewMockDialer(sock, &dials)

	var received []inbound.Message
	r := New(cfg, dialer, func(msg inbound.Message) { received = append(received, msg) }, zerolog.Nop())

	r.Connect(context.Background())
	sock.Emit(transport.EventConnectionUpdate, mustJSON(t, `{"connection":"open"}`))

	sock.Emit(transport.EventMessagesUpsert, mustJSON(t, `{"type":"notify","messages":[{"id":"a","remoteJid":"1@s.whatsapp.net","message":{"conversation":"hello there"}}]}`))

	if len(received) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(received))
	}
	if received[0].Text != "hello th" {
		t.Fatalf("expected truncated text, got %q", received[0].Text)
	}
}
