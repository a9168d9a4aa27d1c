package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/synclog/synclog/internal/backend"
	"github.com/synclog/synclog/internal/control"
	"github.com/synclog/synclog/internal/node"
	"github.com/synclog/synclog/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	logger := newLogger("info", "json")

	opts, err := node.LoadOptions(&logger)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}
	if *debug {
		opts.LogLevel = "debug"
	}
	logger = newLogger(opts.LogLevel, opts.LogFormat)

	srv, err := node.New(opts, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create server")
		return 1
	}

	if opts.Backend != "" {
		proxy := backend.New(opts.Backend, opts.ControlSecret, logger)
		srv.Auth(proxy.Authenticator())
		srv.OtherType(proxy.Processor())
		srv.OtherChannel(proxy.ChannelCallbacks())
	}

	ctl, err := control.New(srv, control.Options{
		Host:   opts.ControlHost,
		Port:   opts.ControlPort,
		Secret: opts.ControlSecret,
		Mask:   opts.ControlMask,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create control endpoint")
		return 1
	}
	if err := ctl.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start control endpoint")
		srv.Destroy()
		return 1
	}

	var rl *relay.Relay
	if opts.RelayURL != "" {
		rl, err = relay.Connect(opts.RelayURL, opts.RelaySubject, srv, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect relay")
			srv.Destroy()
			return 1
		}
	}

	if err := srv.Listen(); err != nil {
		logger.Error().Err(err).Msg("Failed to listen")
		srv.Destroy()
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	if rl != nil {
		rl.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Control shutdown failed")
	}
	srv.Destroy()
	return 0
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if format == "pretty" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}
