// Package response classifies yes/no answers against the stimulus ground
// truth and builds the per-trial result record.
package response

import (
	"strconv"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/session"
	"github.com/mooretm/yes-no/internal/trial"
)

// Observed responses.
const (
	No  = 0
	Yes = 1
)

// Classification is the signal-detection category of one response.
type Classification int

const (
	Unclassified Classification = iota
	Hit
	Miss
	FalseAlarm
	CorrectRejection
)

func (c Classification) String() string {
	switch c {
	case Hit:
		return "Hit"
	case Miss:
		return "Miss"
	case FalseAlarm:
		return "FalseAlarm"
	case CorrectRejection:
		return "CorrectRejection"
	default:
		return ""
	}
}

// ParseClassification is the inverse of String. It returns Unclassified for
// unknown text.
func ParseClassification(s string) Classification {
	for _, c := range []Classification{Hit, Miss, FalseAlarm, CorrectRejection} {
		if c.String() == s {
			return c
		}
	}
	return Unclassified
}

// Classify applies the yes/no truth table. Without a ground-truth label the
// response is Unclassified and ok is false.
func Classify(expected trial.Expected, observed int) (c Classification, ok bool) {
	switch {
	case expected == trial.Yes && observed == Yes:
		return Hit, true
	case expected == trial.Yes && observed == No:
		return Miss, true
	case expected == trial.No && observed == Yes:
		return FalseAlarm, true
	case expected == trial.No && observed == No:
		return CorrectRejection, true
	default:
		return Unclassified, false
	}
}

// Result is one submitted trial. It is not modified after BuildResult.
type Result struct {
	TrialIndex     int // 0-based
	Stimulus       string
	Response       int
	Expected       trial.Expected
	Classification Classification
	Snapshot       []session.Field
}

// BuildResult validates the observed response and classifies it.
func BuildResult(trialIndex int, stimulus string, observed int, expected trial.Expected, snapshot []session.Field) (Result, error) {
	if observed != Yes && observed != No {
		return Result{}, fault.Errorf(fault.InvalidResponse, "response.build",
			"response was %d, expected 0 or 1", observed)
	}
	c, _ := Classify(expected, observed)
	return Result{
		TrialIndex:     trialIndex,
		Stimulus:       stimulus,
		Response:       observed,
		Expected:       expected,
		Classification: c,
		Snapshot:       append([]session.Field(nil), snapshot...),
	}, nil
}

// Classified reports whether the result carries a classification.
func (r Result) Classified() bool { return r.Expected != trial.Absent }

// Param returns a snapshot value rendered as text.
func (r Result) Param(key string) (string, bool) {
	for _, f := range r.Snapshot {
		if f.Key == key {
			return session.FormatValue(f.Value), true
		}
	}
	return "", false
}

// Field is one column of a persisted record.
type Field struct {
	Key   string
	Value string
}

// Record is an ordered field list. The first record written to a file
// establishes its header.
type Record []Field

func (r Record) Keys() []string {
	out := make([]string, len(r))
	for i, f := range r {
		out[i] = f.Key
	}
	return out
}

func (r Record) Values() []string {
	out := make([]string, len(r))
	for i, f := range r {
		out[i] = f.Value
	}
	return out
}

// Record lays the result out as: trial (1-based), stimulus, the session
// snapshot, expected_resp and resp_type when classified, actual_resp.
func (r Result) Record() Record {
	rec := make(Record, 0, len(r.Snapshot)+5)
	rec = append(rec,
		Field{Key: "trial", Value: strconv.Itoa(r.TrialIndex + 1)},
		Field{Key: "stimulus", Value: r.Stimulus},
	)
	for _, f := range r.Snapshot {
		rec = append(rec, Field{Key: f.Key, Value: session.FormatValue(f.Value)})
	}
	if r.Classified() {
		rec = append(rec,
			Field{Key: "expected_resp", Value: r.Expected.String()},
			Field{Key: "resp_type", Value: r.Classification.String()},
		)
	}
	return append(rec, Field{Key: "actual_resp", Value: strconv.Itoa(r.Response)})
}
