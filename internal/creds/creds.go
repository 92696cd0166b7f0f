// Package creds implements the Credential Store's partial-credential
// repair step: quarantining an incomplete creds.json before reconnect so a
// restart after an interrupted pairing never gets stuck half-paired.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
)

// FileName is the credential file the transport driver reads/writes inside
// the configured auth directory.
const FileName = "creds.json"

// ErrPartialCredsReset is the lastError string recorded when a repair
// rename happens.
const ErrPartialCredsReset = "partial_creds_reset"

// Repair inspects <authDir>/creds.json and, if it is present, parseable,
// and partial per the spec's predicate, atomically renames it aside as
// creds.partial.<unix_millis>.json. now is injected so callers can make
// the rename deterministic in tests.
//
// Returns ErrPartialCredsReset if a rename happened, so the caller can
// record it as lastError; returns nil in every other case (missing file,
// unparseable file, and complete/fresh credentials are all treated as
// no-ops, matching the spec's "non-fatal, connect proceeds regardless").
func Repair(authDir string, now time.Time) error {
	path := filepath.Join(authDir, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		// Missing (or unreadable) file: the transport treats this as a
		// fresh session. Not an error condition for repair.
		return nil
	}

	if !gjson.ValidBytes(data) {
		return nil
	}

	if !isPartial(data) {
		return nil
	}

	quarantine := filepath.Join(authDir, fmt.Sprintf("creds.partial.%d.json", now.UnixMilli()))
	if err := os.Rename(path, quarantine); err != nil {
		// Rename failures are non-fatal: the connect attempt proceeds
		// with the existing file.
		return nil
	}

	return errors.New(ErrPartialCredsReset)
}

// Save atomically writes raw as the auth directory's creds.json: the
// saveCreds half of the Transport Driver's useMultiFileAuthState contract.
func Save(authDir string, raw json.RawMessage) error {
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	tmp := filepath.Join(authDir, FileName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp creds file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(authDir, FileName)); err != nil {
		return fmt.Errorf("rename temp creds file: %w", err)
	}
	return nil
}

// Load reads the auth directory's creds.json, returning a nil blob (not an
// error) when the file doesn't exist — the transport driver treats that as
// a fresh session.
func Load(authDir string) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(authDir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read creds file: %w", err)
	}
	return json.RawMessage(data), nil
}

// isPartial implements the repair predicate: parseable and either
// registered == true, or it has neither a me nor an account subrecord, is
// considered complete (not partial). Anything else — me or account
// present without registered — is partial.
func isPartial(data []byte) bool {
	root := gjson.ParseBytes(data)

	if root.Get("registered").Bool() {
		return false
	}

	hasMe := root.Get("me").Exists()
	hasAccount := root.Get("account").Exists()
	if !hasMe && !hasAccount {
		return false
	}

	return true
}
