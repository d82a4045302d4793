// Package handler pairs a filter condition with an ordered list of actions
// to run against matching messages. Handler documents are loaded per
// principal from a store; principals without their own documents get an
// immutable default set built from configuration.
package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/condition"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/mail"
)

// Action is an opaque side-effecting unit of work over a message. Actions
// must tolerate at-least-once delivery: a crashed run redelivers the
// messages of its last unfinished change entry.
type Action interface {
	Run(ctx context.Context, msg *mail.Message) error
}

// Handler is a named pairing of a condition and an ordered action list.
type Handler struct {
	Name      string
	Condition *condition.Node
	Actions   []Action
}

// Matches evaluates the handler's condition against the message.
func (h *Handler) Matches(msg *mail.Message) (bool, error) {
	return h.Condition.Evaluate(msg)
}

// Handle runs the handler's actions in order, stopping at the first error.
func (h *Handler) Handle(ctx context.Context, msg *mail.Message) error {
	slog.Debug("running handler", "handler", h.Name, "message_id", msg.ID)
	for _, action := range h.Actions {
		if err := action.Run(ctx, msg); err != nil {
			return err
		}
	}
	slog.Debug("finished handler", "handler", h.Name, "message_id", msg.ID)
	return nil
}

// Document is the declarative form a handler is stored and configured in.
type Document struct {
	Name            string           `json:"name" yaml:"name"`
	FilterCondition map[string]any   `json:"filterCondition" yaml:"filterCondition"`
	Actions         []ActionDocument `json:"actions" yaml:"actions"`
}

// ActionDocument names an action kind and its arguments.
type ActionDocument struct {
	Kind string         `json:"kind" yaml:"kind"`
	Args map[string]any `json:"args" yaml:"args"`
}

// UnknownActionKindError reports a handler document referencing an action
// kind no factory was registered for. Raised at handler-load time.
type UnknownActionKindError struct {
	Kind string
}

func (e *UnknownActionKindError) Error() string {
	return fmt.Sprintf("unknown action kind %q", e.Kind)
}

// Factory constructs an action for a principal from its document arguments.
type Factory func(principal string, args map[string]any) (Action, error)

// Registry maps action kind strings to factories. Kinds are resolved once at
// handler-load time; unknown kinds fail fast instead of being skipped at run
// time.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a kind string to a factory, replacing any previous binding.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Build turns handler documents into handlers, preserving document order.
// Condition and action errors surface here, before any mailbox I/O.
func (r *Registry) Build(principal string, docs []Document) ([]*Handler, error) {
	handlers := make([]*Handler, 0, len(docs))
	for _, doc := range docs {
		node, err := condition.Parse(doc.FilterCondition)
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", doc.Name, err)
		}
		h := &Handler{Name: doc.Name, Condition: node}
		for _, actionDoc := range doc.Actions {
			factory, ok := r.factories[actionDoc.Kind]
			if !ok {
				return nil, fmt.Errorf("handler %q: %w", doc.Name, &UnknownActionKindError{Kind: actionDoc.Kind})
			}
			action, err := factory(principal, actionDoc.Args)
			if err != nil {
				return nil, fmt.Errorf("handler %q: action %q: %w", doc.Name, actionDoc.Kind, err)
			}
			h.Actions = append(h.Actions, action)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// Store lists the handler documents registered for a principal.
type Store interface {
	ListHandlers(ctx context.Context, principal string) ([]Document, error)
}

// Load resolves and builds the effective handler set for a principal: its
// stored documents, or the default set when it has none registered.
func Load(ctx context.Context, store Store, registry *Registry, principal string, defaults []Document) ([]*Handler, error) {
	docs, err := store.ListHandlers(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("list handlers for %q: %w", principal, err)
	}
	if len(docs) == 0 {
		docs = defaults
	}
	return registry.Build(principal, docs)
}
