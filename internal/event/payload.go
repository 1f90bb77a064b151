package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Subscription describes a user's subscription to a plan.
type Subscription struct {
	ID       string  `json:"id"`
	PlanName string  `json:"planName"`
	Status   string  `json:"status,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

func (s Subscription) createdMessage() string {
	return fmt.Sprintf("Your subscription to the %s plan has been created.", s.PlanName)
}

func (s Subscription) cancelledMessage() string {
	return fmt.Sprintf("Your subscription to the %s plan has been cancelled.", s.PlanName)
}

// SubscriptionChange describes a plan change.
type SubscriptionChange struct {
	SubscriptionID string `json:"subscriptionId"`
	PreviousPlan   string `json:"previousPlan"`
	NewPlan        string `json:"newPlan"`
}

func (c SubscriptionChange) message() string {
	return fmt.Sprintf("Your subscription has been changed from the %s plan to the %s plan.", c.PreviousPlan, c.NewPlan)
}

// StatusChange describes a subscription status transition.
type StatusChange struct {
	SubscriptionID string `json:"subscriptionId"`
	PreviousStatus string `json:"previousStatus"`
	Status         string `json:"status"`
}

func (c StatusChange) message() string {
	return fmt.Sprintf("Your subscription status changed from %s to %s.", c.PreviousStatus, c.Status)
}

// Billing describes an invoice.
type Billing struct {
	InvoiceID string    `json:"invoiceId"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	DueDate   time.Time `json:"dueDate"`
}

func (b Billing) message() string {
	return fmt.Sprintf("Your billing has been updated: %s due %s.", formatAmount(b.Amount, b.Currency), b.DueDate.UTC().Format(time.DateOnly))
}

// Payment describes a processed payment. Status is one of "succeeded",
// "failed", "pending" or "refunded"; other values are reported verbatim.
type Payment struct {
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Status    string  `json:"status"`
	Method    string  `json:"method,omitempty"`
}

var paymentOutcomes = map[string]string{
	"succeeded": "was successful",
	"failed":    "failed",
	"pending":   "is pending",
	"refunded":  "was refunded",
}

func (p Payment) message() string {
	outcome, ok := paymentOutcomes[p.Status]
	if !ok {
		outcome = "has status " + p.Status
	}
	return fmt.Sprintf("Payment of %s %s.", formatAmount(p.Amount, p.Currency), outcome)
}

// Notification is a free-form system message.
type Notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	Level string `json:"level,omitempty"` // info, warning, critical
}

func (n Notification) message() string {
	if n.Title == "" {
		return n.Body
	}
	return n.Title + ": " + n.Body
}

// Usage reports the totals of one session. Final is set when the session has
// been finalized and the totals will not change again.
type Usage struct {
	SessionID     string  `json:"sessionId"`
	DeviceID      string  `json:"deviceId"`
	Download      int64   `json:"download"`
	Upload        int64   `json:"upload"`
	DownloadSpeed float64 `json:"downloadSpeed"`
	UploadSpeed   float64 `json:"uploadSpeed"`
	Latency       float64 `json:"latency"`
	PacketLoss    float64 `json:"packetLoss"`
	Duration      int     `json:"duration"` // minutes
	Final         bool    `json:"final,omitempty"`
}

func (u Usage) message() string {
	down, up := formatBytes(u.Download), formatBytes(u.Upload)
	if u.Final {
		return fmt.Sprintf("Session closed: %s downloaded, %s uploaded over %s.", down, up, formatMinutes(u.Duration))
	}
	return fmt.Sprintf("Usage updated: %s downloaded, %s uploaded.", down, up)
}

// ServiceStatus reports a service's state.
type ServiceStatus struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

func (s ServiceStatus) message() string {
	msg := fmt.Sprintf("Service %s is now %s.", s.Service, s.Status)
	if s.Detail != "" {
		msg += " " + s.Detail
	}
	return msg
}

// Maintenance announces a maintenance window.
type Maintenance struct {
	StartsAt    time.Time `json:"startsAt"`
	EndsAt      time.Time `json:"endsAt"`
	Description string    `json:"description"`
	Services    []string  `json:"services,omitempty"`
}

const maintenanceLayout = "2006-01-02 15:04"

func (m Maintenance) message() string {
	return fmt.Sprintf("Scheduled maintenance from %s to %s UTC: %s",
		m.StartsAt.UTC().Format(maintenanceLayout), m.EndsAt.UTC().Format(maintenanceLayout), m.Description)
}

func formatAmount(amount float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func formatMinutes(n int) string {
	if n == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", n)
}
