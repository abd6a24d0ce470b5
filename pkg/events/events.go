// Package events streams deployment lifecycle events over NATS.
//
// Every transition is published on <prefix>.deployment.<state> as a JSON
// Event, so "fluxor.deployment.*" follows all of them and
// "fluxor.deployment.failed" only failures.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/verticle/pkg/core"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "fluxor"

// HeaderDeploymentID carries the deployment ID on every message.
const HeaderDeploymentID = "Fluxor-Deployment-ID"

// Event is the wire form of core.DeploymentEvent.
type Event struct {
	DeploymentID string               `json:"deployment_id"`
	Verticle     string               `json:"verticle"`
	From         core.DeploymentState `json:"from"`
	To           core.DeploymentState `json:"to"`
	Cause        string               `json:"cause,omitempty"`
	At           time.Time            `json:"at"`
	ElapsedMs    int64                `json:"elapsed_ms"`
}

// FromDeploymentEvent converts a runtime event to its wire form.
func FromDeploymentEvent(ev core.DeploymentEvent) Event {
	out := Event{
		DeploymentID: ev.DeploymentID,
		Verticle:     ev.Verticle,
		From:         ev.From,
		To:           ev.To,
		At:           ev.Timestamp.UTC(),
		ElapsedMs:    ev.Duration.Milliseconds(),
	}
	if ev.Cause != nil {
		out.Cause = ev.Cause.Error()
	}
	return out
}

// Subject returns the subject events entering state are published on.
func Subject(prefix string, state core.DeploymentState) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s.deployment.%s", prefix, state)
}

// Config configures the NATS connection.
type Config struct {
	URL    string
	Prefix string
	Name   string
}

// Publisher publishes deployment events. It is a core.DeploymentListener.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger core.Logger
	owned  bool
}

// NewPublisher publishes on an existing connection; Close leaves it open.
func NewPublisher(nc *nats.Conn, prefix string, logger core.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Connect dials NATS and returns a Publisher owning the connection.
func Connect(cfg Config, logger core.Logger) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}

	nc, err := nats.Connect(url,
		func(o *nats.Options) error {
			if cfg.Name != "" {
				o.Name = cfg.Name
			}
			return nil
		},
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("event stream disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("event stream reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	p := NewPublisher(nc, cfg.Prefix, logger)
	p.owned = true
	return p, nil
}

// OnDeploymentEvent implements core.DeploymentListener.
func (p *Publisher) OnDeploymentEvent(ev core.DeploymentEvent) {
	if err := p.Publish(FromDeploymentEvent(ev)); err != nil {
		p.logger.Warnf("failed to publish deployment event for %s: %v", ev.DeploymentID, err)
	}
}

// Publish sends one event.
func (p *Publisher) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: Subject(p.prefix, ev.To),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderDeploymentID, ev.DeploymentID)
	return p.nc.PublishMsg(msg)
}

// Close flushes pending events and, when the Publisher dialed the
// connection, drains and closes it.
func (p *Publisher) Close() error {
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}

// Subscribe calls handler for every event under prefix. Malformed messages
// are skipped.
func Subscribe(nc *nats.Conn, prefix string, handler func(Event)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return nc.Subscribe(prefix+".deployment.*", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}
