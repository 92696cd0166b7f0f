// Package inbound implements the stateless Inbound Filter Pipeline: the
// sequence of predicates and transformations applied to each raw
// messages.upsert payload before a message reaches the orchestrator.
package inbound

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alfredhq/gateway/internal/dedup"
	"github.com/alfredhq/gateway/internal/status"
)

// Message is the normalized inbound record handed to onInbound/onMessage
// once a raw message survives every filter.
type Message struct {
	ID        string
	RemoteJID string
	Text      string
	PushName  string
	// TimestampSec is 0 when the upstream record carried no usable
	// timestamp.
	TimestampSec int64
}

// Config bundles the policy knobs the pipeline needs from the runtime
// configuration.
type Config struct {
	MaxTextChars    int
	AllowSelfFromMe bool
	RequirePrefix   string
	// AllowedSenders holds canonical sender keys (see CanonicalSenderKey).
	// An empty set means any sender is allowed.
	AllowedSenders map[string]struct{}
}

// LiveState is the subset of runtime state the pipeline needs to decide
// pre-live and staleness gates, supplied fresh on every call since it
// changes independently of Config.
type LiveState struct {
	Connected        bool
	LiveSinceUnixSec int64
	// LiveSinceKnown distinguishes "never connected" from a genuine
	// liveSinceUnixSec == 0.
	LiveSinceKnown bool
}

// Pipeline runs the Inbound Filter Pipeline against messages.upsert
// payloads, reporting outcomes on the supplied Status Model and
// deduplicating via the supplied Window.
type Pipeline struct {
	cfg    Config
	dedup  *dedup.Window
	status *status.Model
}

// New returns a Pipeline bound to dedup window w and status model m.
func New(cfg Config, w *dedup.Window, m *status.Model) *Pipeline {
	return &Pipeline{cfg: cfg, dedup: w, status: m}
}

// Process runs one messages.upsert payload through the pipeline and
// returns the accepted messages, in upstream order. live describes the
// runtime's current connectivity; it should be read just before calling
// Process so acceptance decisions are made against a coherent state.
func (p *Pipeline) Process(payload []byte, live LiveState) []Message {
	root := gjson.ParseBytes(payload)
	messages := root.Get("messages").Array()
	if len(messages) == 0 {
		return nil
	}

	if t := root.Get("type"); t.Exists() && t.String() != "" && !strings.EqualFold(t.String(), "notify") {
		p.status.IncrementIgnored(status.ReasonNonNotify, uint64(len(messages)))
		return nil
	}

	if !live.Connected || !live.LiveSinceKnown {
		p.status.IncrementIgnored(status.ReasonPreLive, uint64(len(messages)))
		return nil
	}

	accepted := make([]Message, 0, len(messages))
	for _, raw := range messages {
		msg, ok := p.processOne(raw, live)
		if ok {
			accepted = append(accepted, msg)
			p.status.IncrementAccepted()
		}
	}
	return accepted
}

func (p *Pipeline) processOne(raw gjson.Result, live LiveState) (Message, bool) {
	remoteJID := raw.Get("remoteJid").String()
	id := raw.Get("id").String()
	if remoteJID == "" || id == "" || !hasSupportedSuffix(remoteJID) {
		p.status.IncrementIgnored(status.ReasonUnsupportedJID, 1)
		return Message{}, false
	}

	key := dedup.Key(remoteJID, id)
	if p.dedup.CheckAndInsert(key) {
		p.status.IncrementIgnored(status.ReasonDuplicate, 1)
		return Message{}, false
	}

	tsSec, hasTimestamp := normalizeTimestamp(raw.Get("messageTimestamp"))
	if hasTimestamp && tsSec < live.LiveSinceUnixSec {
		p.status.IncrementIgnored(status.ReasonStale, 1)
		return Message{}, false
	}

	fromMe := raw.Get("fromMe").Bool()
	if fromMe && !p.cfg.AllowSelfFromMe {
		p.status.IncrementIgnored(status.ReasonFromMe, 1)
		return Message{}, false
	}

	if !fromMe && len(p.cfg.AllowedSenders) > 0 {
		if _, ok := p.cfg.AllowedSenders[CanonicalSenderKey(remoteJID)]; !ok {
			p.status.IncrementIgnored(status.ReasonSenderNotAllowed, 1)
			return Message{}, false
		}
	}

	text := extractText(raw)
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, false
	}

	text, ok := applyRequiredPrefix(text, p.cfg.RequirePrefix)
	if !ok {
		p.status.IncrementIgnored(status.ReasonMissingPrefix, 1)
		return Message{}, false
	}

	text = sanitizeText(text, p.cfg.MaxTextChars)

	if !hasTimestamp {
		tsSec = 0
	}

	return Message{
		ID:           id,
		RemoteJID:    remoteJID,
		Text:         text,
		PushName:     raw.Get("pushName").String(),
		TimestampSec: tsSec,
	}, true
}

func hasSupportedSuffix(jid string) bool {
	return strings.HasSuffix(jid, "@s.whatsapp.net") || strings.HasSuffix(jid, "@lid")
}

// extractText prefers message.conversation, falling back to
// message.extendedTextMessage.text.
func extractText(raw gjson.Result) string {
	if v := raw.Get("message.conversation"); v.Exists() {
		return v.String()
	}
	return raw.Get("message.extendedTextMessage.text").String()
}

// sanitizeText strips null bytes, trims, and truncates to maxChars runes.
func sanitizeText(text string, maxChars int) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.TrimSpace(text)
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) > maxChars {
		runes = runes[:maxChars]
	}
	return string(runes)
}

// applyRequiredPrefix implements §4.4. ok is false when a prefix is
// configured but the text doesn't carry it.
func applyRequiredPrefix(text, prefix string) (string, bool) {
	if strings.TrimSpace(prefix) == "" {
		return text, true
	}
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}
	rest := strings.TrimLeft(text[len(prefix):], " \t\n\r")
	if len(rest) > 0 && (rest[0] == ':' || rest[0] == '-') {
		rest = strings.TrimLeft(rest[1:], " \t\n\r")
	}
	return rest, true
}

// CanonicalSenderKey lowercases jid and returns the portion before '@',
// then before ':', trimmed.
func CanonicalSenderKey(jid string) string {
	jid = strings.ToLower(strings.TrimSpace(jid))
	if i := strings.Index(jid, "@"); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.Index(jid, ":"); i >= 0 {
		jid = jid[:i]
	}
	return strings.TrimSpace(jid)
}

// CanonicalizeSenders converts a raw allowedSenders config list into the
// canonical-key set the pipeline expects.
func CanonicalizeSenders(raw []string) map[string]struct{} {
	out := make(map[string]struct{}, len(raw))
	for _, jid := range raw {
		out[CanonicalSenderKey(jid)] = struct{}{}
	}
	return out
}

// normalizeTimestamp implements the §4.3 defensive timestamp rule:
// numbers and numeric strings are accepted, and milliseconds (> 10^10) are
// floored to seconds. Other JSON values are tried as their raw JSON text,
// which never parses as a number for objects, arrays, booleans or null, so
// those are treated as absent.
func normalizeTimestamp(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return floorToSeconds(v.Num), true
	case gjson.String:
		if f, err := strconv.ParseFloat(v.String(), 64); err == nil {
			return floorToSeconds(f), true
		}
		return 0, false
	default:
		if !v.Exists() {
			return 0, false
		}
		// Object/array/bool/null: try a numeric conversion of the raw
		// JSON text as a last resort. Object fields (e.g. a low/high
		// pair) are not read, so an object timestamp is treated as absent.
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Raw), 64); err == nil {
			return floorToSeconds(f), true
		}
		return 0, false
	}
}

func floorToSeconds(f float64) int64 {
	if f < 0 {
		return 0
	}
	const msThreshold = 1e10
	if f > msThreshold {
		f = f / 1000
	}
	return int64(f)
}
