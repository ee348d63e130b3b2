// Package presence announces which booths are running and tracks the ones
// heard on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mooretm/yes-no/internal/bus"
	"github.com/mooretm/yes-no/internal/config"
)

const subjectHeartbeat = "booth.heartbeat"

// Status is the run state a booth reports with each heartbeat.
type Status struct {
	SessionID string `json:"session_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Condition string `json:"condition,omitempty"`
	Trial     int    `json:"trial"`
	Total     int    `json:"total"`
	Done      bool   `json:"done"`
}

type Booth struct {
	ID       string
	Status   Status
	LastSeen time.Time
	Healthy  bool
}

type heartbeatMessage struct {
	BoothID   string    `json:"booth_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcer publishes this booth's heartbeat until closed.
type Announcer struct {
	cfg    config.BoothConfig
	bus    *bus.Client
	status func() Status
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Announce sends one heartbeat immediately and then one per interval.
func Announce(ctx context.Context, cfg config.BoothConfig, client *bus.Client, status func() Status, log *slog.Logger) *Announcer {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:    cfg,
		bus:    client,
		status: status,
		log:    log.With(slog.String("component", "presence"), slog.String("booth", cfg.ID)),
		cancel: cancel,
	}
	a.wg.Add(1)
	go a.run(ctx)
	return a
}

func (a *Announcer) Close() {
	a.cancel()
	a.wg.Wait()
}

func (a *Announcer) run(ctx context.Context) {
	defer a.wg.Done()
	interval := time.Duration(a.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.publish(ctx, interval); err != nil && ctx.Err() == nil {
			a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Announcer) publish(ctx context.Context, timeout time.Duration) error {
	msg := heartbeatMessage{
		BoothID:   a.cfg.ID,
		Status:    a.status(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.bus.Publish(ctx, subjectHeartbeat+"."+a.cfg.ID, payload)
}

// Monitor tracks booths from their heartbeats. A booth is unhealthy once no
// heartbeat has arrived within the configured timeout.
type Monitor struct {
	cfg     config.BoothConfig
	log     *slog.Logger
	mu      sync.RWMutex
	booths  map[string]*Booth
	sub     *nats.Subscription
	changes chan Booth
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewMonitor(ctx context.Context, cfg config.BoothConfig, client *bus.Client, log *slog.Logger) (*Monitor, error) {
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		cfg:     cfg,
		log:     log.With(slog.String("component", "presence-monitor")),
		booths:  make(map[string]*Booth),
		changes: make(chan Booth, 16),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	subject := client.Subject(subjectHeartbeat + ".*")
	sub, err := client.Conn().Subscribe(subject, m.handleHeartbeat)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	m.sub = sub

	m.wg.Add(1)
	go m.monitorHealth(ctx)
	return m, nil
}

// Changes delivers a booth whenever it appears, recovers or goes quiet.
// Changes are dropped if the reader falls behind.
func (m *Monitor) Changes() <-chan Booth { return m.changes }

func (m *Monitor) Close() {
	m.cancel()
	if m.sub != nil {
		_ = m.sub.Drain()
	}
	m.wg.Wait()
}

func (m *Monitor) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		m.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.BoothID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = m.now().UTC()
	}

	m.mu.Lock()
	b, ok := m.booths[hb.BoothID]
	if !ok {
		b = &Booth{ID: hb.BoothID}
		m.booths[hb.BoothID] = b
	}
	changed := !b.Healthy
	b.Status = hb.Status
	b.LastSeen = hb.Timestamp
	b.Healthy = true
	snapshot := *b
	m.mu.Unlock()

	if changed {
		m.notify(snapshot)
	}
}

func (m *Monitor) monitorHealth(ctx context.Context) {
	defer m.wg.Done()
	timeout := time.Duration(m.cfg.HeartbeatTimeout) * time.Millisecond
	every := min(time.Second, timeout/2)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range m.evaluateHealth(timeout) {
				m.notify(b)
			}
		}
	}
}

// evaluateHealth marks quiet booths unhealthy and returns those that just
// changed.
func (m *Monitor) evaluateHealth(timeout time.Duration) []Booth {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lost []Booth
	now := m.now()
	for _, b := range m.booths {
		if b.Healthy && now.Sub(b.LastSeen) > timeout {
			b.Healthy = false
			lost = append(lost, *b)
		}
	}
	return lost
}

func (m *Monitor) notify(b Booth) {
	select {
	case m.changes <- b:
	default:
		m.log.Debug("presence change dropped", slog.String("booth", b.ID))
	}
}

// Healthy reports whether booth id has been heard within the timeout.
func (m *Monitor) Healthy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.booths[id]
	return ok && b.Healthy
}

// Query returns the booths accepted by filter, sorted by ID. A nil filter
// accepts all.
func (m *Monitor) Query(filter func(Booth) bool) []Booth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Booth
	for _, b := range m.booths {
		if filter == nil || filter(*b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Running accepts healthy booths with a run in progress.
func Running(b Booth) bool {
	return b.Healthy && b.Status.SessionID != "" && !b.Status.Done
}

func (m *Monitor) initMetrics() error {
	meter := otel.Meter("github.com/mooretm/yes-no/internal/presence")
	gauge, err := meter.Int64ObservableGauge("yesno.presence.booths",
		metric.WithDescription("Booths heard within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(m.Query(func(b Booth) bool { return b.Healthy }))))
		return nil
	}, gauge)
	return err
}
