// Package event delivers domain events to connected clients, either to one
// user's channel or to everyone. Delivery is best effort: events for users
// without a connection are dropped and nothing is queued or replayed.
package event

import (
	"time"

	"github.com/coder/quartz"
)

// Kind names a domain event. It is used as the message type on the wire.
type Kind string

const (
	KindSubscriptionCreated       Kind = "subscription_created"
	KindSubscriptionCancelled     Kind = "subscription_cancelled"
	KindSubscriptionModified      Kind = "subscription_modified"
	KindSubscriptionStatusChanged Kind = "subscription_status_changed"
	KindBillingUpdated            Kind = "billing_updated"
	KindPaymentProcessed          Kind = "payment_processed"
	KindSystemNotification        Kind = "system_notification"
	KindUsageUpdated              Kind = "usage_updated"
	KindServiceStatusChanged      Kind = "service_status_changed"
	KindMaintenanceAlert          Kind = "maintenance_alert"
)

// Transport delivers named payloads to channels. Implementations must not
// block indefinitely and must keep the order of messages sent to the same
// channel.
type Transport interface {
	// SendToChannel delivers to every connection registered under key. An
	// unknown key is a no-op.
	SendToChannel(key, name string, payload any)
	// SendToAll delivers to every connection.
	SendToAll(name string, payload any)
}

// Event is the payload handed to the transport.
type Event struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UserChannel returns the transport key of a user's private channel.
func UserChannel(userID string) string {
	return "user:" + userID
}

// Dispatcher stamps and routes events. It holds no mutable state and is safe
// for concurrent use.
type Dispatcher struct {
	transport Transport
	clock     quartz.Clock
}

// NewDispatcher returns a Dispatcher sending through t. A nil clock uses the
// real clock.
func NewDispatcher(t Transport, clock quartz.Clock) *Dispatcher {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Dispatcher{transport: t, clock: clock}
}

// EmitToUser delivers an event of the given kind to userID's channel.
func (d *Dispatcher) EmitToUser(userID string, kind Kind, data any) {
	d.emitToUser(userID, kind, "", data)
}

// BroadcastToAll delivers an event of the given kind to every connection.
func (d *Dispatcher) BroadcastToAll(kind Kind, data any) {
	d.broadcast(kind, "", data)
}

func (d *Dispatcher) emitToUser(userID string, kind Kind, msg string, data any) {
	d.transport.SendToChannel(UserChannel(userID), string(kind), d.stamp(kind, msg, data))
}

func (d *Dispatcher) broadcast(kind Kind, msg string, data any) {
	d.transport.SendToAll(string(kind), d.stamp(kind, msg, data))
}

func (d *Dispatcher) stamp(kind Kind, msg string, data any) Event {
	return Event{
		Kind:      kind,
		Message:   msg,
		Data:      data,
		Timestamp: d.clock.Now().UTC(),
	}
}

// SubscriptionCreated tells a user their subscription was created.
func (d *Dispatcher) SubscriptionCreated(userID string, sub Subscription) {
	d.emitToUser(userID, KindSubscriptionCreated, sub.createdMessage(), sub)
}

// SubscriptionCancelled tells a user their subscription was cancelled.
func (d *Dispatcher) SubscriptionCancelled(userID string, sub Subscription) {
	d.emitToUser(userID, KindSubscriptionCancelled, sub.cancelledMessage(), sub)
}

// SubscriptionModified tells a user their plan changed.
func (d *Dispatcher) SubscriptionModified(userID string, change SubscriptionChange) {
	d.emitToUser(userID, KindSubscriptionModified, change.message(), change)
}

// SubscriptionStatusChanged tells a user their subscription status changed.
func (d *Dispatcher) SubscriptionStatusChanged(userID string, change StatusChange) {
	d.emitToUser(userID, KindSubscriptionStatusChanged, change.message(), change)
}

// BillingUpdated tells a user about a new or changed invoice.
func (d *Dispatcher) BillingUpdated(userID string, b Billing) {
	d.emitToUser(userID, KindBillingUpdated, b.message(), b)
}

// PaymentProcessed tells a user the outcome of a payment.
func (d *Dispatcher) PaymentProcessed(userID string, p Payment) {
	d.emitToUser(userID, KindPaymentProcessed, p.message(), p)
}

// SystemNotification broadcasts a notification to every connection.
func (d *Dispatcher) SystemNotification(n Notification) {
	d.broadcast(KindSystemNotification, n.message(), n)
}

// UserNotification sends a system notification to a single user.
func (d *Dispatcher) UserNotification(userID string, n Notification) {
	d.emitToUser(userID, KindSystemNotification, n.message(), n)
}

// UsageUpdated sends a user the current totals of one of their sessions.
func (d *Dispatcher) UsageUpdated(userID string, u Usage) {
	d.emitToUser(userID, KindUsageUpdated, u.message(), u)
}

// ServiceStatusChanged broadcasts a service status transition.
func (d *Dispatcher) ServiceStatusChanged(s ServiceStatus) {
	d.broadcast(KindServiceStatusChanged, s.message(), s)
}

// MaintenanceAlert broadcasts an upcoming maintenance window.
func (d *Dispatcher) MaintenanceAlert(m Maintenance) {
	d.broadcast(KindMaintenanceAlert, m.message(), m)
}
