// Package bus delivers the three event kinds that drive the worker:
// MasterMoved, PullRequestMoved and PullRequestStatusUpdated. It mirrors
// original_source/cinch/worker.py's nameko events (same field shapes,
// same three kinds) but over a durable at-least-once transport instead
// of nameko/AMQP.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	uuid "github.com/satori/go.uuid"
)

// Kind identifies an event's payload shape.
type Kind string

const (
	KindMasterMoved              Kind = "master_moved"
	KindPullRequestMoved         Kind = "pull_request_moved"
	KindPullRequestStatusUpdated Kind = "pull_request_status_updated"
)

// MasterMoved fires when a project's base tip changes. Handlers must
// reset and recompute relative state for every open pull request on the
// project.
type MasterMoved struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// PullRequestMoved fires when a single pull request's head (or open/
// closed state) changes.
type PullRequestMoved struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Number int    `json:"number"`
}

// PullRequestStatusUpdated fires when a pull request's verdict may have
// changed: ingest publishes it after a build write touches the PR's head
// or merge_head, and the worker after refreshing the PR's relative state.
// The worker handles it by computing the verdict and posting it to the
// provider.
type PullRequestStatusUpdated struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Number int    `json:"number"`
}

// Event is the envelope carried on the wire: a Kind tag plus the raw
// JSON payload, so a single topic/subscription can carry all three
// kinds without the transport needing to know their Go types.
type Event struct {
	Kind    Kind
	Payload json.RawMessage
}

// NewEvent marshals payload into an Event of the given kind.
func NewEvent(kind Kind, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", kind, err)
	}
	return Event{Kind: kind, Payload: raw}, nil
}

// Delivery wraps a received Event with an idempotency key and the Ack
// the consumer must call once it is safe to redeliver no further.
type Delivery struct {
	ID    string // dedup key, minted by the publisher
	Event Event
	Ack   func()
	Nack  func()
}

// ErrUnavailable is returned by Publish when the transport cannot accept
// the event. Per the error taxonomy this surfaces to ingest callers as a
// 503: the store write has already committed, only the notification
// failed, so the caller must not roll back.
type ErrUnavailable struct {
	Err error
}

func (e *ErrUnavailable) Error() string { return fmt.Sprintf("event bus unavailable: %v", e.Err) }
func (e *ErrUnavailable) Unwrap() error { return e.Err }

// Bus is the interface the rest of the system depends on; ingest
// publishes, worker subscribes. Concrete backends are bus.PubSub
// (production) and bus.Memory (local dev and tests).
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

func newDeliveryID() string {
	return uuid.NewV4().String()
}

// ParseURI splits a BUS_URI of the form "<project>/<topic>/<subscription>"
// into its three parts, for commands that configure bus.PubSub from a
// single environment value.
func ParseURI(uri string) (project, topic, subscription string, err error) {
	parts := strings.Split(uri, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid BUS_URI %q, want <project>/<topic>/<subscription>", uri)
	}
	return parts[0], parts[1], parts[2], nil
}
