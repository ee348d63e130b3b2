package results

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mooretm/yes-no/internal/bus"
	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/response"
)

// Publisher sends each result as a TrialMessage on <prefix>.trial.result.
type Publisher struct {
	client    *bus.Client
	sessionID string
	clock     func() time.Time
}

func NewPublisher(client *bus.Client, sessionID string) *Publisher {
	return &Publisher{client: client, sessionID: sessionID, clock: time.Now}
}

func (p *Publisher) Write(ctx context.Context, r response.Result) error {
	data, err := json.Marshal(newTrialMessage(p.sessionID, r, p.clock().UTC()))
	if err != nil {
		return fault.Errorf(fault.Persistence, "results.publish", "encode trial: %w", err)
	}
	if err := p.client.Publish(ctx, SubjectTrialResult, data); err != nil {
		return fault.E(fault.Persistence, "results.publish", err)
	}
	return nil
}

// Close leaves the connection open; its owner closes it.
func (p *Publisher) Close() error { return nil }
