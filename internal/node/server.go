package node

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	slog "github.com/synclog/synclog/internal/log"
	"github.com/synclog/synclog/internal/protocol"
)

// Server is the synchronization node: it owns the log, the connection and
// subscription registries, the processor tables and every connected
// client.
type Server struct {
	options *Options
	nodeID  string
	logger  zerolog.Logger

	log        *slog.Log
	registry   *Registry
	types      *typeTable
	bus        *Bus
	pool       *WorkerPool
	bruteforce *BruteforceGuard
	limiter    *AcceptLimiter
	monitor    *ResourceMonitor

	authenticator Authenticator
	addHooks      []func(Action, Meta)

	ctx    context.Context
	cancel context.CancelFunc

	connSeq    atomic.Uint64
	destroying atomic.Bool
	inflight   sync.WaitGroup

	waitersMu sync.Mutex
	waiters   map[string][]chan error

	shutdownMu sync.Mutex
	shutdowns  []func(context.Context) error
}

// New builds a server from validated options. The worker pool starts
// immediately; Listen only opens the network surfaces.
func New(opts *Options, logger zerolog.Logger) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	suffix := opts.ID
	if suffix == "" {
		suffix = nuid.Next()
	}
	nodeID := "server:" + suffix

	store := opts.Store
	if store == nil {
		store = slog.NewMemoryStore()
	}
	clock := opts.Time
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		options:    opts,
		nodeID:     nodeID,
		logger:     logger.With().Str("node", nodeID).Logger(),
		log:        slog.New(store, nodeID, clock),
		registry:   NewRegistry(),
		types:      newTypeTable(),
		bus:        &Bus{},
		bruteforce: NewBruteforceGuard(),
		ctx:        ctx,
		cancel:     cancel,
		waiters:    make(map[string][]chan error),
	}
	s.limiter = NewAcceptLimiter(s.logger)
	s.monitor = NewResourceMonitor(s.logger)
	s.pool = NewWorkerPool(runtime.NumCPU(), 1024, s.logger)
	s.pool.Start(ctx)

	s.log.SetHandlers(slog.Handlers{
		Preadd: s.preadd,
		Add:    s.onAdd,
		Clean:  s.onClean,
	})
	s.bus.Subscribe(s.report)

	return s, nil
}

// NodeID returns this server's node identity.
func (s *Server) NodeID() string { return s.nodeID }

// Log exposes the action log.
func (s *Server) Log() *slog.Log { return s.log }

// Options returns the server configuration.
func (s *Server) Options() *Options { return s.options }

// Auth installs the authenticator. Must be set before Listen unless a
// backend proxy is configured.
func (s *Server) Auth(fn Authenticator) { s.authenticator = fn }

// Type registers a processor for one exact action type. Registering the
// same type twice panics.
func (s *Server) Type(name string, proc *Processor) { s.types.addType(name, proc) }

// TypeRegex registers a processor for every action type matching the
// expression. Exact registrations win over regex ones.
func (s *Server) TypeRegex(re *regexp.Regexp, proc *Processor) { s.types.addRegex(re, proc) }

// OtherType registers the fallback processor for unmatched action types.
func (s *Server) OtherType(proc *Processor) { s.types.setOther(proc) }

// Channel registers callbacks for a named-parameter channel pattern like
// "user/:id".
func (s *Server) Channel(pattern string, cb *ChannelCallbacks) {
	s.types.addChannel(newPathMatcher(pattern), cb)
}

// ChannelRegex registers callbacks for channels matching the expression.
func (s *Server) ChannelRegex(re *regexp.Regexp, cb *ChannelCallbacks) {
	s.types.addChannel(newRegexMatcher(re), cb)
}

// OtherChannel registers the catch-all channel definition.
func (s *Server) OtherChannel(cb *ChannelCallbacks) { s.types.setOtherChannel(cb) }

// OnEvent subscribes to every server report.
func (s *Server) OnEvent(fn func(Event)) { s.bus.Subscribe(fn) }

// Report emits a server event from an auxiliary subsystem, like the
// control endpoint.
func (s *Server) Report(name string, fields map[string]any) {
	s.bus.Emit(Event{Name: name, Fields: fields})
}

// OnAdd registers a hook invoked for every entry added to the log, before
// dispatch. Used by the inter-node relay.
func (s *Server) OnAdd(fn func(Action, Meta)) { s.addHooks = append(s.addHooks, fn) }

// Process adds the action and blocks until its terminal outcome: nil on
// the processed event, the undo error otherwise.
func (s *Server) Process(ctx context.Context, action Action, meta *Meta) error {
	if meta == nil {
		meta = &Meta{}
	}
	if meta.ID == "" {
		meta.ID = s.log.GenerateID()
	}
	done := make(chan error, 1)
	s.addWaiter(meta.ID, done)
	if s.log.Add(action, meta) == nil {
		s.resolveWaiters(meta.ID, fmt.Errorf("duplicate action id %s", meta.ID))
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Undo appends a logux/undo for an already-added action.
func (s *Server) Undo(meta *Meta, reason string, extra map[string]any) {
	if reason == "" {
		reason = protocol.ReasonError
	}
	s.undo(Action{}, meta, reason, extra)
}

func (s *Server) addWaiter(id string, ch chan error) {
	s.waitersMu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.waitersMu.Unlock()
}

func (s *Server) resolveWaiters(id string, err error) {
	s.waitersMu.Lock()
	chans := s.waiters[id]
	delete(s.waiters, id)
	s.waitersMu.Unlock()
	for _, ch := range chans {
		ch <- err
	}
}

func (s *Server) isDestroying() bool { return s.destroying.Load() }

func (s *Server) isDev() bool { return s.options.Env == "development" }

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int { return s.registry.ConnectionCount() }

// SubscribedChannels lists channels with at least one live subscriber.
func (s *Server) SubscribedChannels() []string { return s.registry.SubscribedChannels() }

// registerShutdown records a network surface to close during Destroy.
func (s *Server) registerShutdown(fn func(context.Context) error) {
	s.shutdownMu.Lock()
	s.shutdowns = append(s.shutdowns, fn)
	s.shutdownMu.Unlock()
}

// Destroy shuts the server down: stop accepting, disconnect every client,
// cancel timers and wait for in-flight process callbacks to settle.
// Idempotent.
func (s *Server) Destroy() {
	if !s.destroying.CompareAndSwap(false, true) {
		return
	}
	s.bus.Emit(Event{Name: EventDestroy})

	s.shutdownMu.Lock()
	shutdowns := s.shutdowns
	s.shutdownMu.Unlock()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, fn := range shutdowns {
		if err := fn(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Shutdown step failed")
		}
	}

	for _, c := range s.registry.Connections() {
		c.Destroy()
	}
	s.bruteforce.Stop()

	s.inflight.Wait()
	s.pool.Stop()
	s.cancel()
}

// report is the default bus subscriber: it maps server events onto the
// structured log.
func (s *Server) report(e Event) {
	var ev *zerolog.Event
	switch e.Name {
	case EventError, EventFatal, EventClientError:
		ev = s.logger.Error().Err(e.Err)
	case EventDenied, EventUnauthenticated, EventZombie, EventUnknownType,
		EventWrongChannel, EventWrongControlIP, EventWrongControlSecret,
		EventSubscriptionCancelled:
		ev = s.logger.Warn()
	case EventConnect, EventDisconnect, EventAuthenticated, EventListen,
		EventDestroy, EventSubscribing, EventSubscribed, EventUnsubscribed:
		ev = s.logger.Info()
	default:
		ev = s.logger.Debug()
	}
	if e.ActionID != "" {
		ev = ev.Str("action_id", e.ActionID)
	}
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.Name)
}
