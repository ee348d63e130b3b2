package results

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooretm/yes-no/internal/bus"
	"github.com/mooretm/yes-no/internal/config"
	"github.com/mooretm/yes-no/internal/natsserver"
	"github.com/mooretm/yes-no/internal/response"
	"github.com/mooretm/yes-no/internal/trial"
)

func TestPublisherSendsTrialMessage(t *testing.T) {
	srv, err := natsserver.Listen("127.0.0.1", -1, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := bus.Connect(ctx, config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		SubjectPrefix:  "booth1",
	}, "yesno-test", newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe("booth1.trial.result", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	pub := NewPublisher(client, "session-7")
	require.NoError(t, pub.Write(ctx, result(t, 2, response.Yes, trial.Yes)))

	select {
	case msg := <-msgs:
		var got TrialMessage
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "session-7", got.SessionID)
		assert.Equal(t, 3, got.Trial)
		assert.Equal(t, "Hit", got.Classification)
		assert.Equal(t, "yes", got.Expected)
		assert.Equal(t, result(t, 2, response.Yes, trial.Yes).Record(), ToRecord(got.Record))
	case <-ctx.Done():
		t.Fatal("no trial message received")
	}
}
