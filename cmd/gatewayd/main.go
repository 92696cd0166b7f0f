package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/alfredhq/gateway/internal/config"
	"github.com/alfredhq/gateway/internal/inbound"
	"github.com/alfredhq/gateway/internal/session"
	"github.com/alfredhq/gateway/internal/status"
	"github.com/alfredhq/gateway/internal/transport"
	"github.com/alfredhq/gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to gateway config (default: "+config.DefaultConfigPath()+")")
	debug := flag.Bool("debug", false, "enable verbose debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatewayd %s\n", version.Version)

		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				fmt.Fprintln(os.Stderr, "")
				fmt.Fprintln(os.Stderr, notice)
			}
		}

		os.Exit(0)
	}

	log.Printf("gatewayd %s starting", version.Version)

	if !version.IsDev() {
		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				log.Println(notice)
			}
		}
	}

	if *configPath == "" {
		*configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := zerolog.InfoLevel
	if *debug {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(logLevel).
		With().Timestamp().Str("provider", cfg.Provider).Logger()

	dialer := transport.NewProcessDialer(cfg.BridgeCommand)

	runtime := session.New(cfg, dialer, func(msg inbound.Message) {
		logger.Info().
			Str("remoteJid", msg.RemoteJID).
			Str("id", msg.ID).
			Str("pushName", msg.PushName).
			Msg("inbound message")
		// The command parser and orchestrator that turn this into a reply
		// live outside this process; wiring them in is deliberately left
		// to the caller of this binary.
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap := runtime.Connect(ctx)
	if snap.State == status.Error {
		logger.Error().Str("lastError", snap.LastError).Msg("initial connect failed")
	}

	<-ctx.Done()
	log.Println("gatewayd shutting down")
	runtime.Stop(context.Background())
}
