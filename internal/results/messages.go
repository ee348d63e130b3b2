package results

import (
	"time"

	"github.com/mooretm/yes-no/internal/response"
)

// SubjectTrialResult is appended to the bus subject prefix.
const SubjectTrialResult = "trial.result"

// RecordField is the wire form of one record column.
type RecordField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TrialMessage is published for every submitted trial.
type TrialMessage struct {
	SessionID      string        `json:"session_id"`
	Trial          int           `json:"trial"`
	Stimulus       string        `json:"stimulus"`
	Response       int           `json:"response"`
	Expected       string        `json:"expected,omitempty"`
	Classification string        `json:"classification,omitempty"`
	Record         []RecordField `json:"record"`
	Timestamp      time.Time     `json:"timestamp"`
}

func newTrialMessage(sessionID string, r response.Result, ts time.Time) TrialMessage {
	return TrialMessage{
		SessionID:      sessionID,
		Trial:          r.TrialIndex + 1,
		Stimulus:       r.Stimulus,
		Response:       r.Response,
		Expected:       r.Expected.String(),
		Classification: r.Classification.String(),
		Record:         wireRecord(r.Record()),
		Timestamp:      ts,
	}
}

func wireRecord(rec response.Record) []RecordField {
	out := make([]RecordField, len(rec))
	for i, f := range rec {
		out[i] = RecordField{Key: f.Key, Value: f.Value}
	}
	return out
}

// ToRecord converts wire fields back to a record.
func ToRecord(fields []RecordField) response.Record {
	out := make(response.Record, len(fields))
	for i, f := range fields {
		out[i] = response.Field{Key: f.Key, Value: f.Value}
	}
	return out
}
