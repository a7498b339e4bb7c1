// Package natssink submits deferred transaction actions to NATS.
package natssink

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/andreyvit/docds"
)

// Publisher is the part of *nats.Conn used by Sink.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Header names carrying the action metadata.
const (
	HeaderName = "Docds-Action-Name"
	HeaderURL  = "Docds-Action-Url"
)

// Sink publishes each action to the subject "<prefix>.<queue>", with the
// payload as the message body and the action headers as NATS headers.
type Sink struct {
	conn   Publisher
	prefix string
}

var _ docds.ActionSink = (*Sink)(nil)

// New returns a sink publishing under prefix, e.g. "tasks".
func New(conn Publisher, prefix string) *Sink {
	return &Sink{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Connect dials url and returns a sink over the new connection along with
// the connection, which the caller must close.
func Connect(url, prefix string, opts ...nats.Option) (*Sink, *nats.Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("natssink: connect %s: %w", url, err)
	}
	return New(nc, prefix), nc, nil
}

func (s *Sink) Subject(queue string) string {
	if s.prefix == "" {
		return queue
	}
	return s.prefix + "." + queue
}

func (s *Sink) Submit(ctx context.Context, action docds.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(s.Subject(action.Queue))
	msg.Data = action.Payload
	for k, v := range action.Headers {
		msg.Header.Set(k, v)
	}
	if action.Name != "" {
		msg.Header.Set(HeaderName, action.Name)
	}
	if action.URL != "" {
		msg.Header.Set(HeaderURL, action.URL)
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("natssink: publish %s: %w", msg.Subject, err)
	}
	return nil
}
