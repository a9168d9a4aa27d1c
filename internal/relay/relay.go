// Package relay exchanges added actions between server nodes over NATS so
// a cluster of nodes fans out to all subscribers, not only the local ones.
package relay

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/synclog/synclog/internal/node"
	"github.com/synclog/synclog/internal/protocol"
)

// envelope is one relayed log entry.
type envelope struct {
	Origin string          `json:"origin"`
	Action protocol.Action `json:"action"`
	Meta   protocol.Meta   `json:"meta"`
}

// Relay bridges the local log and a NATS subject.
type Relay struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	nodeID  string
	srv     *node.Server
	logger  zerolog.Logger
}

// Connect dials NATS and wires the relay into the server: every locally
// added action is published, every remote one inserted.
func Connect(url, subject string, srv *node.Server, logger zerolog.Logger) (*Relay, error) {
	r := &Relay{
		subject: subject,
		nodeID:  srv.NodeID(),
		srv:     srv,
		logger:  logger.With().Str("component", "relay").Logger(),
	}

	nc, err := nats.Connect(url,
		nats.Name("synclog-"+r.nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.Warn().Err(err).Msg("Relay disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			r.logger.Info().Msg("Relay reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	r.nc = nc

	r.sub, err = nc.Subscribe(subject, r.receive)
	if err != nil {
		nc.Close()
		return nil, err
	}

	srv.OnAdd(r.publish)
	r.logger.Info().Str("subject", subject).Msg("Relay connected")
	return r, nil
}

// publish forwards locally originated, non-control entries to the
// cluster. Entries stamped with another server's identity came from the
// relay already.
func (r *Relay) publish(action protocol.Action, meta protocol.Meta) {
	if action.IsControl() {
		return
	}
	if meta.Server != r.nodeID {
		return
	}
	data, err := json.Marshal(envelope{Origin: r.nodeID, Action: action, Meta: meta})
	if err != nil {
		r.logger.Error().Err(err).Str("action_id", meta.ID).Msg("Relay marshal failed")
		return
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		r.logger.Warn().Err(err).Str("action_id", meta.ID).Msg("Relay publish failed")
	}
}

// receive inserts one remote entry. Remote entries arrive already
// processed on their origin node, so the local pipeline only fans out.
func (r *Relay) receive(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn().Err(err).Msg("Relay received malformed envelope")
		return
	}
	if env.Origin == r.nodeID {
		return
	}
	meta := env.Meta
	meta.Added = 0
	meta.Status = protocol.StatusProcessed
	if err := r.srv.ReceiveRemoteAction(env.Action, &meta, ""); err != nil {
		r.logger.Debug().Err(err).Str("action_id", meta.ID).Msg("Relay insert skipped")
	}
}

// Close drains the subscription and closes the connection.
func (r *Relay) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if r.nc != nil {
		r.nc.Drain()
	}
}
