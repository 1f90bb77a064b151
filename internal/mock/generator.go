// Package mock simulates connected devices so the whole pipeline can be
// exercised without real clients.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/usage-relay/backend/internal/event"
	"github.com/usage-relay/backend/internal/session"
)

const (
	tickInterval  = 500 * time.Millisecond
	billingPeriod = 120 // ticks
	reconnectGap  = 6   // ticks a device stays offline before reconnecting
)

// Tracker is the session API the generator drives.
type Tracker interface {
	StartSession(userID string, info session.DeviceInfo) string
	ReportUsage(userID, sessionID string, m session.Metrics) error
	EndSession(ctx context.Context, userID, sessionID string) (*session.UsageRecord, error)
}

// Billing receives the simulated subscription and payment events.
type Billing interface {
	SubscriptionCreated(userID string, sub event.Subscription)
	BillingUpdated(userID string, b event.Billing)
	PaymentProcessed(userID string, p event.Payment)
}

type mockDevice struct {
	userID       string
	info         session.DeviceInfo
	pattern      string
	bytesPerTick int64
	baseLatency  float64
	sessionLen   int // ticks before the device disconnects, 0 = stays connected

	sessionID  string
	startedAt  int
	offlineAt  int
	reconnects int
}

type plan struct {
	name   string
	amount float64
}

// Generator owns a fixed set of simulated devices. Each tick it reports
// usage for every connected device; "session" devices disconnect and
// reconnect periodically, and every billing period each user is billed.
type Generator struct {
	tracker Tracker
	billing Billing
	clock   quartz.Clock
	rng     *rand.Rand

	devices []*mockDevice
	plans   map[string]plan
	tick    int
}

// NewGenerator creates a generator. billing may be nil.
func NewGenerator(tracker Tracker, billing Billing, clock quartz.Clock) *Generator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Generator{
		tracker: tracker,
		billing: billing,
		clock:   clock,
		rng:     rand.New(rand.NewSource(clock.Now().UnixNano())),
		devices: defaultDevices(),
		plans: map[string]plan{
			"mock-alice": {name: "Family", amount: 49.90},
			"mock-bob":   {name: "Basic", amount: 19.90},
			"mock-carol": {name: "Premium", amount: 79.00},
		},
	}
}

func defaultDevices() []*mockDevice {
	return []*mockDevice{
		{
			userID:  "mock-alice",
			info:    session.DeviceInfo{DeviceID: "alice-laptop", DeviceType: "laptop", IPAddress: "203.0.113.10", Location: "Lisbon"},
			pattern: "steady", bytesPerTick: 180_000, baseLatency: 18,
		},
		{
			userID:  "mock-alice",
			info:    session.DeviceInfo{DeviceID: "alice-phone", DeviceType: "mobile", IPAddress: "203.0.113.11", Location: "Lisbon"},
			pattern: "burst", bytesPerTick: 40_000, baseLatency: 35, sessionLen: 90,
		},
		{
			userID:  "mock-bob",
			info:    session.DeviceInfo{DeviceID: "bob-tv", DeviceType: "tv", IPAddress: "198.51.100.23", Location: "Porto"},
			pattern: "wave", bytesPerTick: 900_000, baseLatency: 24,
		},
		{
			userID:  "mock-bob",
			info:    session.DeviceInfo{DeviceID: "bob-tablet", DeviceType: "tablet", IPAddress: "198.51.100.24", Location: "Porto"},
			pattern: "stall", bytesPerTick: 60_000, baseLatency: 40,
		},
		{
			userID:  "mock-carol",
			info:    session.DeviceInfo{DeviceID: "carol-desktop", DeviceType: "desktop", IPAddress: "2001:db8:aa:1::5", Location: "Madrid"},
			pattern: "steady", bytesPerTick: 250_000, baseLatency: 12, sessionLen: 150,
		},
	}
}

// Start connects every device, announces each user's subscription and then
// advances the simulation every tick until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) quartz.Waiter {
	for _, d := range g.devices {
		g.connect(d)
	}
	if g.billing != nil {
		for _, userID := range g.users() {
			p := g.plans[userID]
			g.billing.SubscriptionCreated(userID, event.Subscription{
				ID:       "sub-" + userID,
				PlanName: p.name,
				Status:   "active",
				Amount:   p.amount,
				Currency: "EUR",
			})
		}
	}
	log.Printf("Mock generator started with %d devices", len(g.devices))

	return g.clock.TickerFunc(ctx, tickInterval, func() error {
		g.step(ctx)
		return nil
	}, "mock", "tick")
}

func (g *Generator) users() []string {
	seen := make(map[string]bool)
	var users []string
	for _, d := range g.devices {
		if !seen[d.userID] {
			seen[d.userID] = true
			users = append(users, d.userID)
		}
	}
	sort.Strings(users)
	return users
}

func (g *Generator) connect(d *mockDevice) {
	d.sessionID = g.tracker.StartSession(d.userID, d.info)
	d.startedAt = g.tick
	d.offlineAt = 0
}

func (g *Generator) step(ctx context.Context) {
	g.tick++
	for _, d := range g.devices {
		g.advance(ctx, d)
	}
	if g.billing != nil && g.tick%billingPeriod == 0 {
		g.bill()
	}
}

func (g *Generator) advance(ctx context.Context, d *mockDevice) {
	if d.sessionID == "" {
		if g.tick-d.offlineAt >= reconnectGap {
			d.reconnects++
			g.connect(d)
		}
		return
	}

	age := g.tick - d.startedAt
	if d.sessionLen > 0 && age >= d.sessionLen {
		if _, err := g.tracker.EndSession(ctx, d.userID, d.sessionID); err != nil {
			log.Printf("Mock device %s could not end its session: %v", d.info.DeviceID, err)
		}
		d.sessionID = ""
		d.offlineAt = g.tick
		return
	}

	m, ok := g.metricsFor(d, age)
	if !ok {
		return
	}
	if err := g.tracker.ReportUsage(d.userID, d.sessionID, m); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// Swept while idle; reconnect on the next tick.
			d.sessionID = ""
			d.offlineAt = g.tick - reconnectGap
			return
		}
		log.Printf("Mock device %s report failed: %v", d.info.DeviceID, err)
	}
}

// metricsFor returns this tick's report for d, or false when the device is
// idle.
func (g *Generator) metricsFor(d *mockDevice, age int) (session.Metrics, bool) {
	multiplier := 1.0
	switch d.pattern {
	case "burst":
		if g.tick%8 < 3 {
			multiplier = 2.5
		}
	case "wave":
		multiplier = 0.7 + 0.3*math.Sin(float64(g.tick)/10.0)
	case "stall":
		// Active for 40 ticks, idle for 30.
		if age%70 >= 40 {
			return session.Metrics{}, false
		}
	}

	jitter := g.rng.Int63n(d.bytesPerTick/4 + 1)
	down := int64(float64(d.bytesPerTick)*multiplier) + jitter
	up := down / 8
	seconds := tickInterval.Seconds()

	return session.Metrics{
		Download:      down,
		Upload:        up,
		DownloadSpeed: round2(float64(down) * 8 / seconds / 1e6),
		UploadSpeed:   round2(float64(up) * 8 / seconds / 1e6),
		Latency:       round2(d.baseLatency + g.rng.Float64()*10),
		PacketLoss:    round2(g.rng.Float64() * 0.8),
	}, true
}

func (g *Generator) bill() {
	now := g.clock.Now().UTC()
	cycle := g.tick / billingPeriod
	for _, userID := range g.users() {
		p := g.plans[userID]
		g.billing.BillingUpdated(userID, event.Billing{
			InvoiceID: fmt.Sprintf("inv-%s-%d", userID, cycle),
			Amount:    p.amount,
			Currency:  "EUR",
			DueDate:   now.AddDate(0, 0, 14),
		})
		status := "succeeded"
		if cycle%5 == 0 {
			status = "failed"
		}
		g.billing.PaymentProcessed(userID, event.Payment{
			PaymentID: fmt.Sprintf("pay-%s-%d", userID, cycle),
			Amount:    p.amount,
			Currency:  "EUR",
			Status:    status,
			Method:    "card",
		})
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
