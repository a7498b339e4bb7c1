package docds

import (
	"context"
	"fmt"
)

// Action is a task enqueued on commit of the transaction it was added to.
type Action struct {
	Queue   string            `msgpack:"q" json:"queue"`
	Name    string            `msgpack:"n,omitempty" json:"name,omitempty"`
	URL     string            `msgpack:"u,omitempty" json:"url,omitempty"`
	Payload []byte            `msgpack:"p,omitempty" json:"payload,omitempty"`
	Headers map[string]string `msgpack:"h,omitempty" json:"headers,omitempty"`
}

func (a *Action) String() string {
	if a.Name != "" {
		return a.Queue + "/" + a.Name
	}
	return a.Queue
}

func (a *Action) validate() error {
	if a.Queue == "" {
		return badRequestf("action has no queue")
	}
	return nil
}

// ActionSink dispatches deferred actions after a transaction commits.
type ActionSink interface {
	Submit(ctx context.Context, action Action) error
}

// FuncSink adapts a function to ActionSink.
type FuncSink func(ctx context.Context, action Action) error

func (f FuncSink) Submit(ctx context.Context, action Action) error {
	return f(ctx, action)
}

// discardSink is used when no sink is configured; every action fails so
// that the drop shows up in the log.
type discardSink struct{}

func (discardSink) Submit(ctx context.Context, action Action) error {
	return fmt.Errorf("no action sink configured, dropping %v", &action)
}
