// Package events publishes worktree lifecycle notifications to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/worktreed/internal/config"
	"git.home.luguber.info/inful/worktreed/internal/logfields"
)

// Event types.
const (
	TypeWorktreeEnsured = "worktree.ensured"
	TypeWorktreeReaped  = "worktree.reaped"
)

// Event is the JSON payload published for every lifecycle change.
type Event struct {
	Type            string    `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	TaskRunID       string    `json:"task_run_id,omitempty"`
	TeamScope       string    `json:"team_scope,omitempty"`
	ProjectFullName string    `json:"project_full_name,omitempty"`
	Branch          string    `json:"branch,omitempty"`
	BaseBranch      string    `json:"base_branch,omitempty"`
	WorktreePath    string    `json:"worktree_path"`
	Mode            string    `json:"mode,omitempty"`
}

// Publisher delivers events. Publish errors are for logging only; callers
// never fail an operation because an event could not be sent.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopPublisher drops every event (default when no NATS URL is configured).
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// Subject returns the NATS subject for an event type under prefix.
func Subject(prefix, eventType string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// NATSPublisher publishes events on core NATS subjects <prefix>.<type>.
type NATSPublisher struct {
	conn    *nats.Conn
	prefix  string
	publish func(subject string, data []byte) error
	now     func() time.Time
}

// NewNATSPublisher connects to cfg.NATSURL.
func NewNATSPublisher(cfg config.EventsConfig) (*NATSPublisher, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return nil, fmt.Errorf("events: nats url is required")
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("worktreed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("NATS event publisher initialized", logfields.URL(cfg.NATSURL), slog.String("subject", cfg.Subject))
	return &NATSPublisher{conn: conn, prefix: cfg.Subject, publish: conn.Publish, now: time.Now}, nil
}

// NewPublisher returns a NATS publisher when a URL is configured and a
// NoopPublisher otherwise.
func NewPublisher(cfg config.EventsConfig) (Publisher, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return NoopPublisher{}, nil
	}
	return NewNATSPublisher(cfg)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := Subject(p.prefix, ev.Type)
	if err := p.publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if p.conn != nil {
		if err := p.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("failed to flush event: %w", err)
		}
	}
	slog.Debug("Published event", slog.String("subject", subject), logfields.Path(ev.WorktreePath))
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
