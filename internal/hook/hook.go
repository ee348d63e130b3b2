// Package hook runs the operator command configured to follow a run, for
// example to copy the data directory to a share.
package hook

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/mattn/go-shellwords"
)

// Info describes the finished run. It is written to the command's stdin as
// JSON and exported as YESNO_* environment variables.
type Info struct {
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
	Condition string `json:"condition"`
	DataDir   string `json:"data_dir"`
	Trials    int    `json:"trials"`
	Completed bool   `json:"completed"`
}

type Hook struct {
	cmd     []string
	timeout time.Duration
	log     *slog.Logger
}

// New parses command with shell quoting rules. An empty command yields a
// nil Hook, whose Run does nothing.
func New(command string, timeout time.Duration, log *slog.Logger) (*Hook, error) {
	if command == "" {
		return nil, nil
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse hook command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("hook command empty")
	}
	return &Hook{cmd: args, timeout: timeout, log: log.With(slog.String("component", "hook"))}, nil
}

func (h *Hook) Run(ctx context.Context, info Info) error {
	if h == nil {
		return nil
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, h.cmd[0], h.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"YESNO_SESSION_ID="+info.SessionID,
		"YESNO_SUBJECT="+info.Subject,
		"YESNO_CONDITION="+info.Condition,
		"YESNO_DATA_DIR="+info.DataDir,
		"YESNO_TRIALS="+strconv.Itoa(info.Trials),
		"YESNO_COMPLETED="+strconv.FormatBool(info.Completed),
	)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		h.log.Info("hook output", slog.String("line", sc.Text()))
	}
	if err != nil {
		return fmt.Errorf("hook %s: %w", h.cmd[0], err)
	}
	h.log.Info("hook finished", slog.String("command", h.cmd[0]), slog.Duration("elapsed", time.Since(start)))
	return nil
}
