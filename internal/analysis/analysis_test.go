package analysis

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/response"
	"github.com/mooretm/yes-no/internal/results"
	"github.com/mooretm/yes-no/internal/session"
	"github.com/mooretm/yes-no/internal/trial"
)

type answer struct {
	stim     string
	expected trial.Expected
	observed int
}

func record(t *testing.T, dir, subject string, answers []answer) {
	t.Helper()
	params := session.Defaults()
	params.Subject = subject
	sink := results.NewCSVSink(dir, time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i, a := range answers {
		r, err := response.BuildResult(i, a.stim, a.observed, a.expected, params.Snapshot())
		require.NoError(t, err)
		require.NoError(t, sink.Write(context.Background(), r))
	}
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	record(t, dir, "s01", []answer{
		{"a.wav", trial.Yes, 1},
		{"b.wav", trial.No, 0},
		{"a.wav", trial.Yes, 1},
		{"b.wav", trial.No, 1},
	})
	record(t, dir, "s02", []answer{
		{"a.wav", trial.Yes, 1},
		{"b.wav", trial.No, 0},
		{"c.wav", trial.Absent, 0},
	})

	s, err := Summarize(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Files)
	assert.Equal(t, 7, s.Trials)
	assert.Equal(t, []StimulusCount{
		{Stimulus: "a.wav", Presentations: 3, Yes: 3},
		{Stimulus: "b.wav", Presentations: 3, Yes: 1},
		{Stimulus: "c.wav", Presentations: 1, Yes: 0},
	}, s.Counts)
	assert.Equal(t, 3, s.Criterion)
	assert.Equal(t, []string{"a.wav"}, s.Detected)
	assert.Equal(t, []string{"c.wav"}, s.NotDetected)

	require.NotNil(t, s.Detection)
	d := s.Detection
	assert.Equal(t, 3, d.Hits)
	assert.Equal(t, 0, d.Misses)
	assert.Equal(t, 1, d.FalseAlarms)
	assert.Equal(t, 2, d.CorrectRejections)
	assert.InDelta(t, 5.0/6.0, d.HitRate, 1e-12, "perfect hit rate is corrected by 1/(2N)")
	assert.InDelta(t, 1.0/3.0, d.FalseAlarmRate, 1e-12)
	assert.InDelta(t, 1.398148865, d.DPrime, 1e-6)
}

func TestSummarizeWithoutGroundTruth(t *testing.T) {
	dir := t.TempDir()
	record(t, dir, "s01", []answer{{"a.wav", trial.Absent, 1}, {"b.wav", trial.Absent, 0}})

	s, err := Summarize(dir)
	require.NoError(t, err)
	assert.Nil(t, s.Detection)
	assert.Equal(t, 1, s.Criterion)
}

func TestSummarizeErrors(t *testing.T) {
	_, err := Summarize(t.TempDir())
	require.ErrorIs(t, err, fault.NotFound)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.csv"), []byte("trial,stimulus\n1,a.wav\n"), 0o644))
	_, err = Summarize(dir)
	require.ErrorIs(t, err, fault.FormatError)

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.csv"), []byte("stimulus,actual_resp\na.wav,3\n"), 0o644))
	_, err = Summarize(dir)
	require.ErrorIs(t, err, fault.InvalidResponse)
}

func TestDPrimeSymmetry(t *testing.T) {
	assert.InDelta(t, 0, DPrime(0.5, 0.5), 1e-12)
	assert.InDelta(t, -DPrime(0.8, 0.3), DPrime(0.3, 0.8), 1e-12)
}

func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	record(t, dir, "s01", []answer{{"a.wav", trial.Yes, 1}, {"b.wav", trial.No, 0}, {"c.wav", trial.No, 1}})
	s, err := Summarize(dir)
	require.NoError(t, err)

	out := filepath.Join(dir, "Results")
	require.NoError(t, WriteReport(out, s))

	read := func(name string) [][]string {
		f, err := os.Open(filepath.Join(out, name))
		require.NoError(t, err)
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		require.NoError(t, err)
		return rows
	}
	assert.Len(t, read("all_responses.csv"), 4)
	assert.Equal(t, [][]string{{"stimulus", "presentations", "yes"}, {"a.wav", "1", "1"}, {"c.wav", "1", "1"}}, read("detected.csv"))
	assert.Equal(t, [][]string{{"stimulus", "presentations", "yes"}, {"b.wav", "1", "0"}}, read("not_detected.csv"))
}
