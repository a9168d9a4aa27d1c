// Package control serves the bounded HTTP surface next to the client
// listener: a public liveness probe plus secret-gated routes for health
// details, Prometheus metrics and backend-originated commands.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/synclog/synclog/internal/protocol"
)

// Node is the slice of the server the control endpoint needs.
type Node interface {
	NodeID() string
	ConnectionCount() int
	SubscribedChannels() []string
	ReceiveRemoteAction(action protocol.Action, meta *protocol.Meta, ip string) error
	Report(name string, fields map[string]any)
}

// Options configure the control listener.
type Options struct {
	Host   string
	Port   int
	Secret string
	Mask   string // CIDR of allowed source addresses
}

// Server is the control HTTP endpoint.
type Server struct {
	node    Node
	opts    Options
	mask    *net.IPNet
	logger  zerolog.Logger
	httpSrv *http.Server
	started time.Time
}

func New(node Node, opts Options, logger zerolog.Logger) (*Server, error) {
	_, mask, err := net.ParseCIDR(opts.Mask)
	if err != nil {
		return nil, fmt.Errorf("control mask %q: %w", opts.Mask, err)
	}
	return &Server{
		node:   node,
		opts:   opts,
		mask:   mask,
		logger: logger.With().Str("component", "control").Logger(),
	}, nil
}

// Start binds the control listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /health", s.guard(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", s.guard(promhttp.Handler()))
	mux.Handle("POST /", s.guard(http.HandlerFunc(s.handleCommands)))

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control server failed")
		}
	}()
	s.logger.Info().Str("address", addr).Msg("Control endpoint listening")
	return nil
}

// Shutdown stops the control listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// guard enforces the source mask and, for GET routes, the shared secret.
// POST / checks the secret inside the body instead.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		parsed := net.ParseIP(ip)
		if parsed == nil || !s.mask.Contains(parsed) {
			s.node.Report("wrongControlIp", map[string]any{"ip": ip})
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if r.Method == http.MethodGet {
			if !s.secretOK(r.URL.Query().Get("secret")) {
				s.node.Report("wrongControlSecret", map[string]any{"ip": ip})
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) secretOK(candidate string) bool {
	if s.opts.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.opts.Secret)) == 1
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"node":        s.node.NodeID(),
		"connections": s.node.ConnectionCount(),
		"channels":    len(s.node.SubscribedChannels()),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

type commandRequest struct {
	Version  int                 `json:"version"`
	Secret   string              `json:"secret"`
	Commands [][]json.RawMessage `json:"commands"`
}

// handleCommands accepts backend-originated commands, currently only
// ["action", action, meta].
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Wrong request body", http.StatusBadRequest)
		return
	}
	if !s.secretOK(req.Secret) {
		s.node.Report("wrongControlSecret", map[string]any{"ip": ip})
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	for _, cmd := range req.Commands {
		if len(cmd) == 0 {
			http.Error(w, "Empty command", http.StatusBadRequest)
			return
		}
		var name string
		if err := json.Unmarshal(cmd[0], &name); err != nil || name != "action" {
			http.Error(w, "Unknown command", http.StatusBadRequest)
			return
		}
		if len(cmd) < 2 {
			http.Error(w, "Command needs an action", http.StatusBadRequest)
			return
		}
		var action protocol.Action
		if err := json.Unmarshal(cmd[1], &action); err != nil {
			http.Error(w, "Wrong action shape", http.StatusBadRequest)
			return
		}
		meta := &protocol.Meta{}
		if len(cmd) >= 3 {
			if err := json.Unmarshal(cmd[2], meta); err != nil {
				http.Error(w, "Wrong meta shape", http.StatusBadRequest)
				return
			}
		}
		if err := s.node.ReceiveRemoteAction(action, meta, ip); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
