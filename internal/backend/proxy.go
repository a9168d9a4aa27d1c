// Package backend delegates authentication, authorization and processing
// to an HTTP backend speaking a small JSON command protocol.
package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synclog/synclog/internal/node"
)

// ProtoVersion is the backend protocol revision.
const ProtoVersion = 4

var (
	ErrWrongAnswer = errors.New("backend wrong answer")
	ErrDenied      = errors.New("backend denied the action")
)

// Proxy forwards auth and action commands to the backend URL. One HTTP
// POST carries one command; the response body is a streamed JSON array of
// answer commands.
type Proxy struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan error
	authSeq int
}

func New(url, secret string, logger zerolog.Logger) *Proxy {
	return &Proxy{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "backend").Logger(),
		pending: make(map[string]chan error),
	}
}

type request struct {
	Version  int    `json:"version"`
	Secret   string `json:"secret"`
	Commands []any  `json:"commands"`
}

// post sends one command and returns the streaming response body.
func (p *Proxy) post(command []any) (io.ReadCloser, error) {
	body, err := json.Marshal(request{
		Version:  ProtoVersion,
		Secret:   p.secret,
		Commands: []any{command},
	})
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Post(p.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("backend responded with %s", resp.Status)
	}
	return resp.Body, nil
}

// answers decodes the response stream incrementally and invokes fn for
// every answer command as it arrives.
func answers(body io.ReadCloser, fn func(name string, args []json.RawMessage) bool) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrongAnswer, err)
	}
	for dec.More() {
		var cmd []json.RawMessage
		if err := dec.Decode(&cmd); err != nil {
			return fmt.Errorf("%w: %v", ErrWrongAnswer, err)
		}
		if len(cmd) == 0 {
			return ErrWrongAnswer
		}
		var name string
		if err := json.Unmarshal(cmd[0], &name); err != nil {
			return fmt.Errorf("%w: %v", ErrWrongAnswer, err)
		}
		if !fn(name, cmd[1:]) {
			return nil
		}
	}
	return nil
}

// Authenticator delegates handshake authentication to the backend.
func (p *Proxy) Authenticator() node.Authenticator {
	return func(req node.AuthRequest) (bool, error) {
		p.mu.Lock()
		p.authSeq++
		authID := fmt.Sprintf("%d", p.authSeq)
		p.mu.Unlock()

		body, err := p.post([]any{"auth", req.UserID, req.Credentials, authID})
		if err != nil {
			return false, err
		}

		var ok bool
		var authErr error
		seen := false
		err = answers(body, func(name string, args []json.RawMessage) bool {
			switch name {
			case "authenticated":
				ok, seen = true, true
			case "denied":
				ok, seen = false, true
			case "error":
				authErr = backendError(args)
				seen = true
			default:
				return true
			}
			return false
		})
		if err != nil {
			return false, err
		}
		if authErr != nil {
			return false, authErr
		}
		if !seen {
			return false, ErrWrongAnswer
		}
		return ok, nil
	}
}

// Processor builds the fallback action processor: the access phase waits
// for the backend verdict, the process phase for the terminal body of the
// same response.
func (p *Proxy) Processor() *node.Processor {
	return &node.Processor{
		Access: func(ctx *node.Context, action node.Action, meta *node.Meta) (bool, error) {
			return p.access(action, meta)
		},
		Process: func(ctx *node.Context, action node.Action, meta *node.Meta) error {
			return p.awaitProcessed(meta.ID)
		},
	}
}

// ChannelCallbacks builds the fallback channel definition on top of the
// same command protocol.
func (p *Proxy) ChannelCallbacks() *node.ChannelCallbacks {
	return &node.ChannelCallbacks{
		Access: func(ctx *node.Context, action node.Action, meta *node.Meta) (bool, error) {
			return p.access(action, meta)
		},
		Load: func(ctx *node.Context, action node.Action, meta *node.Meta) ([]node.Action, error) {
			if err := p.awaitProcessed(meta.ID); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
}

// access sends the action command and blocks until the verdict chunk
// arrives. The remainder of the stream is consumed in the background; the
// terminal processed/error body settles the pending result the process
// phase waits on.
func (p *Proxy) access(action node.Action, meta *node.Meta) (bool, error) {
	body, err := p.post([]any{"action", action, meta})
	if err != nil {
		return false, err
	}

	result := make(chan error, 1)
	p.mu.Lock()
	p.pending[meta.ID] = result
	p.mu.Unlock()

	verdictCh := make(chan verdict, 1)
	go p.consume(body, verdictCh, result)

	v := <-verdictCh
	switch v.name {
	case "approved":
		return true, nil
	case "forbidden":
		p.forget(meta.ID)
		return false, nil
	case "unknownAction":
		p.forget(meta.ID)
		return false, node.ErrUnknownAction
	case "unknownChannel":
		p.forget(meta.ID)
		return false, node.ErrUnknownChannel
	default:
		p.forget(meta.ID)
		if v.err != nil {
			return false, v.err
		}
		return false, ErrWrongAnswer
	}
}

type verdict struct {
	name string
	err  error
}

// consume walks the whole answer stream: the first verdict goes to
// verdictCh, the terminal processed/error settles the pending result.
func (p *Proxy) consume(body io.ReadCloser, verdictCh chan verdict, result chan error) {
	sentVerdict := false
	emit := func(v verdict) {
		if !sentVerdict {
			sentVerdict = true
			verdictCh <- v
		}
	}

	var terminal error
	sawTerminal := false
	err := answers(body, func(name string, args []json.RawMessage) bool {
		switch name {
		case "approved", "forbidden", "unknownAction", "unknownChannel":
			emit(verdict{name: name})
		case "error":
			e := backendError(args)
			emit(verdict{name: "error", err: e})
			terminal, sawTerminal = e, true
			return false
		case "processed":
			terminal, sawTerminal = nil, true
			return false
		}
		return true
	})

	if err != nil {
		emit(verdict{err: err})
		terminal, sawTerminal = err, true
	}
	if !sawTerminal {
		emit(verdict{err: ErrWrongAnswer})
		terminal = ErrWrongAnswer
	}
	result <- terminal
}

// forget drops the pending result for an action that will never reach the
// process phase.
func (p *Proxy) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// awaitProcessed blocks until the terminal body of the action's response
// arrives. Returns nil for processed, the backend error otherwise.
func (p *Proxy) awaitProcessed(id string) error {
	p.mu.Lock()
	result, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return <-result
}

func backendError(args []json.RawMessage) error {
	if len(args) < 2 {
		return errors.New("backend error")
	}
	for _, arg := range args[1:] {
		var stack string
		if json.Unmarshal(arg, &stack) == nil && stack != "" {
			return fmt.Errorf("backend error: %s", stack)
		}
	}
	return errors.New("backend error")
}
