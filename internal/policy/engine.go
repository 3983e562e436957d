// Package policy evaluates messaging authorization rules with OPA.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/allyhub/messaging/internal/domain"
)

// Actions understood by the policy.
const (
	ActionReadConversation    = "read_conversation"
	ActionWriteConversation   = "write_conversation"
	ActionArchiveConversation = "archive_conversation"
	ActionMarkRead            = "mark_read"
	ActionSubscribe           = "subscribe"
	ActionPublish             = "publish"
)

// Channel identifies a presence channel by kind ("conversation" or "user")
// and id.
type Channel struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// MessageRef is the part of a message the rules look at.
type MessageRef struct {
	SenderID string `json:"sender_id"`
}

// Input is the document evaluated by the policy.
type Input struct {
	Action       string      `json:"action"`
	ActorID      string      `json:"actor_id"`
	Participants []string    `json:"participants,omitempty"`
	Message      *MessageRef `json:"message,omitempty"`
	Channel      *Channel    `json:"channel,omitempty"`
	EventKind    string      `json:"event_kind,omitempty"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allow   bool
	Reasons []string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.messaging.decision"),
		rego.Module("messaging.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine compiles DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate runs the policy against input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// An undefined decision denies.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reasons: []string{"no decision"}}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}

	var d Decision
	d.Allow, _ = obj["allow"].(bool)
	if reasons, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
	}
	sort.Strings(d.Reasons)
	return d, nil
}

// Authorize returns nil when input is allowed and an ErrPermission wrapping
// the deny reasons otherwise.
func (e *Engine) Authorize(ctx context.Context, input Input) error {
	d, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	if d.Allow {
		return nil
	}
	reason := strings.Join(d.Reasons, "; ")
	if reason == "" {
		reason = input.Action + " not allowed"
	}
	return fmt.Errorf("%w: %s", domain.ErrPermission, reason)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package messaging

default allow := false

client_publishable := {"typing_start", "typing_stop", "message_sent", "read_receipt"}

participant if input.actor_id in input.participants

publishable if input.event_kind in client_publishable

user_channel if input.channel.kind == "user"

own_user_channel if {
	user_channel
	input.channel.id == input.actor_id
}

allow if {
	input.action in {"read_conversation", "write_conversation", "archive_conversation"}
	participant
}

allow if {
	input.action == "mark_read"
	participant
	input.message.sender_id != input.actor_id
}

allow if {
	input.action == "subscribe"
	own_user_channel
}

allow if {
	input.action == "subscribe"
	not user_channel
	participant
}

# Clients publish only their own conversational signals; presence and
# badges are emitted by the server.
allow if {
	input.action == "publish"
	not user_channel
	participant
	publishable
}

reasons contains "actor is not a participant of the conversation" if {
	not user_channel
	not participant
}

reasons contains "senders cannot mark their own messages read" if {
	input.action == "mark_read"
	input.message.sender_id == input.actor_id
}

reasons contains "user channel belongs to another user" if {
	input.action == "subscribe"
	user_channel
	not own_user_channel
}

reasons contains "user channels are server-only" if {
	input.action == "publish"
	user_channel
}

reasons contains sprintf("clients may not publish %s events", [input.event_kind]) if {
	input.action == "publish"
	not publishable
}

decision := {"allow": allow, "reasons": reasons}
`
