package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooretm/yes-no/internal/bus"
	"github.com/mooretm/yes-no/internal/config"
	"github.com/mooretm/yes-no/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitChange(t *testing.T, m *Monitor) Booth {
	t.Helper()
	select {
	case b := <-m.Changes():
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("no presence change")
		return Booth{}
	}
}

func TestAnnounceAndMonitor(t *testing.T) {
	srv, err := natsserver.Listen("127.0.0.1", -1, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := bus.Connect(ctx, config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		SubjectPrefix:  "lab",
	}, "presence-test", newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	cfg := config.BoothConfig{ID: "booth2", HeartbeatInterval: 20, HeartbeatTimeout: 100}
	m, err := NewMonitor(ctx, cfg, client, newLogger())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	a := Announce(ctx, cfg, client, func() Status {
		return Status{SessionID: "s1", Subject: "P01", Trial: 2, Total: 10}
	}, newLogger())

	up := waitChange(t, m)
	assert.Equal(t, "booth2", up.ID)
	assert.True(t, up.Healthy)
	assert.Equal(t, 2, up.Status.Trial)
	assert.True(t, m.Healthy("booth2"))
	require.Len(t, m.Query(Running), 1)

	a.Close()
	down := waitChange(t, m)
	assert.Equal(t, "booth2", down.ID)
	assert.False(t, down.Healthy)
	assert.Empty(t, m.Query(Running))
	assert.Len(t, m.Query(nil), 1)
}

func TestHealthTimeout(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m := &Monitor{
		log:     newLogger(),
		booths:  make(map[string]*Booth),
		changes: make(chan Booth, 4),
		now:     func() time.Time { return now },
	}
	beat := func(id string, at time.Time) {
		data, err := json.Marshal(heartbeatMessage{BoothID: id, Status: Status{Done: true}, Timestamp: at})
		require.NoError(t, err)
		m.handleHeartbeat(&nats.Msg{Data: data})
	}

	beat("a", now.Add(-10*time.Second))
	beat("b", now.Add(-time.Second))
	beat("a", now.Add(-10*time.Second)) // already healthy, no change
	m.handleHeartbeat(&nats.Msg{Data: []byte("not json")})
	assert.Len(t, m.changes, 2)

	lost := m.evaluateHealth(6 * time.Second)
	require.Len(t, lost, 1)
	assert.Equal(t, "a", lost[0].ID)
	assert.False(t, m.Healthy("a"))
	assert.True(t, m.Healthy("b"))
	assert.Empty(t, m.evaluateHealth(6*time.Second), "already marked")

	booths := m.Query(nil)
	require.Len(t, booths, 2)
	assert.Equal(t, "a", booths[0].ID)
	assert.Empty(t, m.Query(Running), "done runs are not running")
}
