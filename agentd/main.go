// Command agentd runs the connection daemon for one autonomous agent: it
// reconciles connection state from the agent's outbound and inbound logs,
// accepts incoming connection requests, and delivers new channel messages
// to the reasoning loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "agentd.yaml", "Path to configuration file")
	agentID := flag.String("agent-id", "", "Override the configured agent id")
	devMode := flag.Bool("dev-mode", false, "Run with an in-process ledger")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *agentID != "" {
		cfg.Identity.AgentID = *agentID
	}
	if *devMode {
		cfg.DevMode = true
	}
	if cfg.Identity.AgentID != "" {
		if cfg.Identity.InboundStreamID == "" {
			cfg.Identity.InboundStreamID = cfg.Identity.AgentID + "-inbox"
		}
		if cfg.Identity.OutboundStreamID == "" {
			cfg.Identity.OutboundStreamID = cfg.Identity.AgentID + "-outbox"
		}
	}

	log.Logger = log.With().Str("agent_id", cfg.Identity.AgentID).Logger()
	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Msg("Agent daemon starting")

	var lgr ledger.Ledger
	if cfg.DevMode {
		lgr = ledger.NewMemory()
	} else {
		client, err := ledger.Dial(cfg.NATS)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to the log service")
		}
		defer client.Close()
		lgr = client
	}

	// The reasoning loop is an external collaborator; until one is
	// attached the daemon records every delivery it would have made.
	handler := HandlerFunc(func(ctx context.Context, conn Connection, msg InboundMessage) error {
		log.Info().
			Str("from", conn.RemotePartyID).
			Uint64("seq", msg.Seq).
			Str("text", msg.Text).
			Msg("Message delivered")
		return nil
	})

	agent, err := NewAgent(cfg, lgr, handler, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create agent")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintln(os.Stderr)
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Agent exited with error")
	}
	log.Info().Msg("Agent stopped")
}
