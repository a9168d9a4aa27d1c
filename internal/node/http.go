package node

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/ws"

	"github.com/synclog/synclog/internal/peer"
)

// FatalError is a startup failure that must abort the process.
type FatalError struct {
	Kind string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalListenError(err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return &FatalError{Kind: "EADDRINUSE", Err: err}
	case errors.Is(err, syscall.EACCES):
		return &FatalError{Kind: "EACCES", Err: err}
	default:
		return err
	}
}

// Listen binds the client WebSocket listener and starts serving in the
// background. Destroy closes it.
func (s *Server) Listen() error {
	if s.options.Backend == "" && s.authenticator == nil {
		return &OptionError{Note: "authenticator is required when no backend is configured"}
	}

	addr := net.JoinHostPort(s.options.Host, strconv.Itoa(s.options.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.bus.Emit(Event{Name: EventFatal, Err: err})
		return fatalListenError(err)
	}

	if s.options.Key != "" || s.options.Cert != "" {
		cert, err := s.loadCertificate()
		if err != nil {
			ln.Close()
			s.bus.Emit(Event{Name: EventFatal, Err: err})
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.acceptWS)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerShutdown(srv.Shutdown)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.bus.Emit(Event{Name: EventFatal, Err: err})
		}
	}()
	go s.limiterCleanupLoop()
	go s.monitor.Run(s.ctx)

	s.bus.Emit(Event{Name: EventListen, Fields: map[string]any{
		"address": addr,
	}})
	return nil
}

func (s *Server) limiterCleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Cleanup()
		case <-s.ctx.Done():
			return
		}
	}
}

// loadCertificate accepts PEM literals or file paths relative to Root.
func (s *Server) loadCertificate() (tls.Certificate, error) {
	key, err := s.readPEM(s.options.Key)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := s.readPEM(s.options.Cert)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(cert, key)
}

func (s *Server) readPEM(value string) ([]byte, error) {
	if strings.Contains(value, "-----BEGIN") {
		return []byte(value), nil
	}
	path := value
	if s.options.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.options.Root, path)
	}
	return os.ReadFile(path)
}

// acceptWS upgrades one HTTP request into a synchronization connection.
func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request) {
	if s.isDestroying() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if !s.limiter.Allow(ip) {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}
	if !s.monitor.AllowConnection(s.registry.ConnectionCount()) {
		http.Error(w, "Server is at capacity", http.StatusServiceUnavailable)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	key := strconv.FormatUint(s.connSeq.Add(1), 10)
	p := peer.New(conn, peer.Options{
		NodeID:      s.nodeID,
		Subprotocol: s.options.Subprotocol,
		Timeout:     s.options.Timeout,
		Ping:        s.options.Ping,
		Logger:      s.logger.With().Str("connection", key).Logger(),
	})
	c := newClient(s, p, ip, key)
	p.SetHandlers(peer.Handlers{
		Auth: func(nodeID, credentials string) bool {
			return c.Auth(nodeID, credentials, headers)
		},
		CheckSubprotocol: c.CheckSubprotocol,
		OnAction:         c.OnAction,
		OnError:          c.OnProtocolError,
		OnDisconnect:     c.Destroy,
	})
	go p.Run()
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
