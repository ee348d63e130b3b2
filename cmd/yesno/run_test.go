package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mooretm/yes-no/internal/audio"
	"github.com/mooretm/yes-no/internal/config"
	"github.com/mooretm/yes-no/internal/results"
	"github.com/mooretm/yes-no/internal/session"
	"github.com/mooretm/yes-no/internal/task"
)

func newKeypad(t *testing.T, matrix string, level float64) (*keypad, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	wf := audio.Tone(1000, 10*time.Millisecond, 48000, 1, 0.5)
	require.NoError(t, audio.WriteWAV(filepath.Join(dir, "tone.wav"), wf, 16))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "matrix.csv"), []byte(matrix), 0o644))

	params := session.Defaults()
	params.AudioDevice = 0
	params.AudioFilesDir = dir
	params.MatrixFilePath = filepath.Join(dir, "matrix.csv")
	params.SLMOffset = level

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := audio.NewEngine(audio.NewNullBackend(), log)
	dataDir := filepath.Join(dir, "Data")
	ctrl, err := task.New(task.Options{
		Params: params,
		Engine: engine,
		Sink:   results.NewCSVSink(dataDir, time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC), log),
		Rand:   rand.New(rand.NewPCG(1, 1)),
		Logger: log,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	return &keypad{ctrl: ctrl, engine: engine, out: &out, log: log, dumpDir: dataDir}, &out, dataDir
}

func TestKeypadRunsToCompletion(t *testing.T) {
	k, out, dataDir := newKeypad(t, "file,level,expected\ntone.wav,70,yes\n", 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.ctrl.Start(ctx))

	// An empty submit is reported and the trial stays current.
	err := k.loop(ctx, readKeys(ctx, strings.NewReader("\nx2y\n")))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "invalid response")
	assert.Contains(t, out.String(), "response: no")
	assert.Contains(t, out.String(), "task complete")
	assert.True(t, k.ctrl.Progress().Done)

	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"), "header and one trial")
	assert.Contains(t, string(data), "yes,Hit,1")
}

func TestKeypadClippingDumpsAudio(t *testing.T) {
	k, out, dataDir := newKeypad(t, "file,level\ntone.wav,110\n", 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, k.handle(k.ctrl.Start(ctx)))
	assert.Contains(t, out.String(), "clipping")
	_, err := os.Stat(filepath.Join(dataDir, "clipped_tone.wav"))
	require.NoError(t, err)

	err = k.loop(ctx, readKeys(ctx, strings.NewReader("1q")))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "quit")
	assert.False(t, k.ctrl.Progress().Done)
}

func TestOpenSinksCSVOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Results.DataDir = t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink, client, closeAll, err := openSinks(context.Background(), cfg, session.Defaults(), "id", log)
	require.NoError(t, err)
	assert.Nil(t, client)
	defer closeAll()
	fanout, ok := sink.(results.Fanout)
	require.True(t, ok)
	assert.Len(t, fanout, 1)
}

func TestCRLFWriter(t *testing.T) {
	var buf bytes.Buffer
	n, err := crlfWriter{&buf}.Write([]byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "a\r\nb\r\n", buf.String())
}
