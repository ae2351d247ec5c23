// Package eventbus fans appended event store entries out to NATS for
// monitoring consumers. Publishing is best effort: the event store is the
// record of truth and a NATS outage never blocks a decision.
package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

const DefaultSubject = "governance.events"

// Publisher publishes entries to "<subject>.<execution_id>".
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

type Option func(*Publisher)

func WithSubject(s string) Option {
	return func(p *Publisher) { p.subject = strings.TrimSuffix(s, ".") }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// Connect dials NATS and returns a Publisher over the connection.
func Connect(url string, opts ...Option) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("eventbus: nats url is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("governor"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return New(nc, opts...), nil
}

func New(conn *nats.Conn, opts ...Option) *Publisher {
	p := &Publisher{
		conn:    conn,
		subject: DefaultSubject,
		logger:  slog.Default().With("component", "eventbus"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject entries of an execution are published on.
func (p *Publisher) Subject(executionID string) string {
	return p.subject + "." + executionID
}

// Handle is a store.EntryHandler.
func (p *Publisher) Handle(entry *store.Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("marshal entry failed", "execution_id", entry.ExecutionID, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(entry.ExecutionID), data); err != nil {
		p.failed.Add(1)
		p.logger.Warn("publish entry failed",
			"execution_id", entry.ExecutionID, "sequence", entry.Sequence, "error", err)
		return
	}
	p.published.Add(1)
}

// Attach registers the publisher on an event store.
func (p *Publisher) Attach(s store.EventStore) {
	s.AddHandler(p.Handle)
}

// Stats returns the number of published and failed entries.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
