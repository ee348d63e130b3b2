package hook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHookReceivesRunInfo(t *testing.T) {
	dir := t.TempDir()
	h, err := New(`sh -c 'cat > "$YESNO_DATA_DIR/info.json"; echo "$YESNO_SUBJECT" > "$YESNO_DATA_DIR/subject"'`, 5*time.Second, newLogger())
	require.NoError(t, err)

	info := Info{SessionID: "s1", Subject: "P07", Condition: "quiet", DataDir: dir, Trials: 12, Completed: true}
	require.NoError(t, h.Run(context.Background(), info))

	data, err := os.ReadFile(filepath.Join(dir, "info.json"))
	require.NoError(t, err)
	var got Info
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, info, got)

	subject, err := os.ReadFile(filepath.Join(dir, "subject"))
	require.NoError(t, err)
	assert.Equal(t, "P07\n", string(subject))
}

func TestHookFailure(t *testing.T) {
	h, err := New(`sh -c 'exit 3'`, time.Second, newLogger())
	require.NoError(t, err)
	require.Error(t, h.Run(context.Background(), Info{}))
}

func TestHookParse(t *testing.T) {
	h, err := New("", 0, newLogger())
	require.NoError(t, err)
	assert.Nil(t, h)
	require.NoError(t, h.Run(context.Background(), Info{}), "nil hook is a no-op")

	_, err = New(`echo 'unterminated`, 0, newLogger())
	require.Error(t, err)
}
