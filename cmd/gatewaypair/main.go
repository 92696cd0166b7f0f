// Command gatewaypair performs interactive pairing: it connects the
// session runtime, renders each rotating QR code in the terminal, and
// exits once the session reports connected, locked, or an error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"

	"github.com/alfredhq/gateway/internal/config"
	"github.com/alfredhq/gateway/internal/inbound"
	"github.com/alfredhq/gateway/internal/session"
	"github.com/alfredhq/gateway/internal/status"
	"github.com/alfredhq/gateway/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config (default: "+config.DefaultConfigPath()+")")
	flag.Parse()

	if *configPath == "" {
		*configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	dialer := transport.NewProcessDialer(cfg.BridgeCommand)
	runtime := session.New(cfg, dialer, func(inbound.Message) {}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintln(os.Stderr, "scan this QR code with WhatsApp on your phone:")
	fmt.Fprintln(os.Stderr, "(Settings -> Linked Devices -> Link a Device)")
	fmt.Fprintln(os.Stderr)

	runtime.Connect(ctx)

	lastQR := ""
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(1)
		case <-ticker.C:
		}

		snap := runtime.Status()

		if snap.QR != "" && snap.QR != lastQR {
			lastQR = snap.QR
			qrterminal.GenerateHalfBlock(snap.QR, qrterminal.L, os.Stderr)
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, "waiting for scan...")
		}

		if snap.Connected {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "paired successfully (jid=%s)\n", snap.OwnJID)
			return
		}

		if snap.QRLocked {
			fmt.Fprintln(os.Stderr, "QR generation limit reached — restart this command to retry")
			os.Exit(1)
		}

		if snap.State == status.Error {
			fmt.Fprintf(os.Stderr, "pairing failed: %s\n", snap.LastError)
			os.Exit(1)
		}
	}
}
