package node

import (
	"fmt"
	"net"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	slog "github.com/synclog/synclog/internal/log"
)

// Fatal option error kinds.
const (
	ErrKindNoControlSecret = "LOGUX_NO_CONTROL_SECRET"
	ErrKindUnknownOption   = "LOGUX_UNKNOWN_OPTION"
)

// OptionError is a configuration error detected at construction. Always
// fatal.
type OptionError struct {
	Kind string
	Note string
}

func (e *OptionError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Note)
	}
	return e.Note
}

// Options holds all server configuration. Zero values are filled with
// defaults by Validate.
type Options struct {
	// Application protocol.
	Subprotocol string // SemVer version announced to clients
	Supports    string // SemVer range of accepted client subprotocols

	// Client listener.
	Host    string // default 127.0.0.1
	Port    int    // default 31337
	Root    string // base path for certificate files
	Key     string // PEM literal or path
	Cert    string // PEM literal or path
	Timeout time.Duration // silence timeout, default 20s
	Ping    time.Duration // ping interval, default 10s

	// Backend proxy.
	Backend       string
	ControlSecret string
	ControlMask   string // CIDR, default 127.0.0.1/8
	ControlHost   string // default 127.0.0.1
	ControlPort   int    // default 31338

	// Inter-node relay.
	RelayURL     string
	RelaySubject string

	// Environment: production or development.
	Env string

	// Test hooks.
	Store slog.Store // log store, default in-memory
	Time  slog.Clock // log clock, default wall clock
	ID    string     // override random suffix of the server node ID

	// Logging.
	LogLevel  string
	LogFormat string
}

type envOptions struct {
	Subprotocol   string        `env:"LOGUX_SUBPROTOCOL"`
	Supports      string        `env:"LOGUX_SUPPORTS"`
	Host          string        `env:"LOGUX_HOST" envDefault:"127.0.0.1"`
	Port          int           `env:"LOGUX_PORT" envDefault:"31337"`
	Root          string        `env:"LOGUX_ROOT"`
	Key           string        `env:"LOGUX_KEY"`
	Cert          string        `env:"LOGUX_CERT"`
	Timeout       time.Duration `env:"LOGUX_TIMEOUT" envDefault:"20s"`
	Ping          time.Duration `env:"LOGUX_PING" envDefault:"10s"`
	Backend       string        `env:"LOGUX_BACKEND"`
	ControlSecret string        `env:"LOGUX_CONTROL_SECRET"`
	ControlMask   string        `env:"LOGUX_CONTROL_MASK" envDefault:"127.0.0.1/8"`
	ControlHost   string        `env:"LOGUX_CONTROL_HOST" envDefault:"127.0.0.1"`
	ControlPort   int           `env:"LOGUX_CONTROL_PORT" envDefault:"31338"`
	RelayURL      string        `env:"LOGUX_RELAY_URL"`
	RelaySubject  string        `env:"LOGUX_RELAY_SUBJECT" envDefault:"synclog.actions"`
	Env           string        `env:"LOGUX_ENV" envDefault:"development"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadOptions reads configuration from an optional .env file and the
// environment. Priority: env vars > .env file > defaults.
func LoadOptions(logger *zerolog.Logger) (*Options, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	var eo envOptions
	if err := env.Parse(&eo); err != nil {
		return nil, &OptionError{Kind: ErrKindUnknownOption, Note: err.Error()}
	}

	opts := &Options{
		Subprotocol:   eo.Subprotocol,
		Supports:      eo.Supports,
		Host:          eo.Host,
		Port:          eo.Port,
		Root:          eo.Root,
		Key:           eo.Key,
		Cert:          eo.Cert,
		Timeout:       eo.Timeout,
		Ping:          eo.Ping,
		Backend:       eo.Backend,
		ControlSecret: eo.ControlSecret,
		ControlMask:   eo.ControlMask,
		ControlHost:   eo.ControlHost,
		ControlPort:   eo.ControlPort,
		RelayURL:      eo.RelayURL,
		RelaySubject:  eo.RelaySubject,
		Env:           eo.Env,
		LogLevel:      eo.LogLevel,
		LogFormat:     eo.LogFormat,
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate fills defaults and checks the configuration. Returns an
// OptionError on any violation.
func (o *Options) Validate() error {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port == 0 {
		o.Port = 31337
	}
	if o.Timeout == 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Ping == 0 {
		o.Ping = 10 * time.Second
	}
	if o.ControlMask == "" {
		o.ControlMask = "127.0.0.1/8"
	}
	if o.ControlHost == "" {
		o.ControlHost = "127.0.0.1"
	}
	if o.ControlPort == 0 {
		o.ControlPort = 31338
	}
	if o.Env == "" {
		o.Env = "development"
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.LogFormat == "" {
		o.LogFormat = "json"
	}
	if o.RelaySubject == "" {
		o.RelaySubject = "synclog.actions"
	}

	if o.Backend != "" && o.ControlSecret == "" {
		return &OptionError{
			Kind: ErrKindNoControlSecret,
			Note: "backend requires LOGUX_CONTROL_SECRET to be set",
		}
	}
	if o.Backend == "" {
		if o.Subprotocol == "" {
			return &OptionError{Note: "subprotocol is required when no backend is configured"}
		}
		if o.Supports == "" {
			return &OptionError{Note: "supports range is required when no backend is configured"}
		}
	}
	if o.Subprotocol != "" {
		if _, err := semver.NewVersion(o.Subprotocol); err != nil {
			return &OptionError{Note: fmt.Sprintf("subprotocol %q is not a SemVer version", o.Subprotocol)}
		}
	}
	if o.Supports != "" {
		if _, err := semver.NewConstraint(o.Supports); err != nil {
			return &OptionError{Note: fmt.Sprintf("supports %q is not a SemVer range", o.Supports)}
		}
	}
	if _, _, err := net.ParseCIDR(o.ControlMask); err != nil {
		return &OptionError{Note: fmt.Sprintf("controlMask %q is not a CIDR mask", o.ControlMask)}
	}
	if o.Ping >= o.Timeout {
		return &OptionError{Note: fmt.Sprintf("ping interval (%s) must be below timeout (%s)", o.Ping, o.Timeout)}
	}
	if o.Env != "production" && o.Env != "development" {
		return &OptionError{Note: fmt.Sprintf("env must be production or development, got %q", o.Env)}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[o.LogLevel] {
		return &OptionError{Note: fmt.Sprintf("log level must be one of debug, info, warn, error (got %q)", o.LogLevel)}
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[o.LogFormat] {
		return &OptionError{Note: fmt.Sprintf("log format must be json or pretty (got %q)", o.LogFormat)}
	}
	return nil
}

// supportsConstraint returns the parsed supports range. Validate must have
// run first.
func (o *Options) supportsConstraint() *semver.Constraints {
	c, _ := semver.NewConstraint(o.Supports)
	return c
}
