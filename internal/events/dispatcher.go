// Package events delivers structured server packets to live connections: all
// of them, every connection of selected usernames, or a single connection.
// Delivery is at-most-once and best-effort; a transport failure on one
// connection never aborts delivery to the remaining targets.
package events

import (
	"log"

	"github.com/burrow/social-app/internal/metrics"
	"github.com/burrow/social-app/internal/session"
)

// targetKind selects the resolution strategy for a Target.
type targetKind int

const (
	targetAll targetKind = iota
	targetUsernames
	targetConn
)

// Target selects which connections receive an event.
type Target struct {
	kind      targetKind
	usernames []string
	connID    string
}

// ToAll targets every currently registered connection, in registry iteration
// order.
func ToAll() Target {
	return Target{kind: targetAll}
}

// ToUsernames targets every live connection of every listed username.
// Unknown or offline usernames are silently skipped.
func ToUsernames(usernames ...string) Target {
	return Target{kind: targetUsernames, usernames: usernames}
}

// ToConn targets exactly one connection if it is still registered; the event
// is silently dropped otherwise.
func ToConn(connID string) Target {
	return Target{kind: targetConn, connID: connID}
}

func (t Target) label() string {
	switch t.kind {
	case targetUsernames:
		return "usernames"
	case targetConn:
		return "connection"
	default:
		return "all"
	}
}

// Dispatcher resolves targets through the session registry and writes the
// packet to each resulting connection. It only looks connections up; the
// registry retains ownership of every connection for its whole lifetime.
type Dispatcher struct {
	registry *session.Registry
}

// NewDispatcher creates a Dispatcher bound to the given registry.
func NewDispatcher(registry *session.Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Send delivers the packet bytes to every connection the target resolves to.
// The endpoint snapshot is taken before any write, so no registry lock is
// held across network I/O. Sends to connections removed mid-flight fail at
// the transport and are treated as no-ops.
func (d *Dispatcher) Send(data []byte, target Target) {
	var endpoints []session.Endpoint
	switch target.kind {
	case targetAll:
		endpoints = d.registry.Endpoints()
	case targetUsernames:
		endpoints = d.registry.EndpointsFor(target.usernames...)
	case targetConn:
		if ep, ok := d.registry.Endpoint(target.connID); ok {
			endpoints = []session.Endpoint{ep}
		}
	}

	delivered := 0
	for _, ep := range endpoints {
		if err := ep.Conn.WriteMessage(data); err != nil {
			log.Printf("events: delivery failed conn=%s: %v", ep.ConnID, err)
			metrics.DeliveryFailures.Inc()
			continue
		}
		delivered++
	}

	if delivered > 0 {
		metrics.EventsDelivered.WithLabelValues(target.label()).Add(float64(delivered))
	}
}
