// Package events publishes terminal chain outcomes to interested subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/quizpilot/internal/models"
	"github.com/nats-io/nats.go"
)

// ChainEvent is the message published when a chain reaches a terminal state.
type ChainEvent struct {
	ChainID  string             `json:"chain_id"`
	Email    string             `json:"email"`
	URL      string             `json:"url"`
	State    models.ChainState  `json:"state"`
	Failure  models.FailureKind `json:"failure,omitempty"`
	Error    string             `json:"error,omitempty"`
	Attempts int                `json:"attempts"`
	At       time.Time          `json:"at"`
}

// FromChain builds the event for a finished chain.
func FromChain(c *models.Chain) ChainEvent {
	return ChainEvent{
		ChainID:  c.ID,
		Email:    c.Email,
		URL:      c.URL,
		State:    c.State,
		Failure:  c.Failure,
		Error:    c.Error,
		Attempts: c.Attempts,
		At:       c.UpdatedAt,
	}
}

// Publisher delivers chain events.
type Publisher interface {
	Publish(ctx context.Context, evt ChainEvent) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, ChainEvent) error { return nil }
func (Nop) Close() error                              { return nil }

// NATSPublisher publishes events on a NATS core subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to url. An empty subject defaults to quizpilot.chains.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("quizpilot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if subject == "" {
		subject = "quizpilot.chains"
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Publish sends evt on <subject>.<state>.
func (p *NATSPublisher) Publish(_ context.Context, evt ChainEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject+"."+string(evt.State), data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
		p.nc.Close()
		return err
	}
	p.nc.Close()
	return nil
}

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []ChainEvent
}

func (m *Memory) Publish(_ context.Context, evt ChainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []ChainEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChainEvent(nil), m.events...)
}
