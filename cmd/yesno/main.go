package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mooretm/yes-no/internal/config"
	"github.com/mooretm/yes-no/internal/session"
)

var version = "0.1.0-dev"

const usage = `usage: yesno <command> [flags]

commands:
  run        present the trial matrix and record responses
  calibrate  play the calibration signal and store the meter reading
  devices    list audio output devices
  analyze    summarize recorded data
  validate   check configuration, session parameters and matrix
  watch      print trial results published on the bus
  version    print version and exit`

// common holds the flags every command accepts.
type common struct {
	configPath  string
	sessionPath string
	logFormat   string
	logLevel    string

	logOutput io.Writer // os.Stderr when nil
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file (defaults and YESNO_* env when empty)")
	fs.StringVar(&c.sessionPath, "session", "", "Path to session parameter file (overrides session.path)")
	fs.StringVar(&c.logFormat, "log-format", "", "Log format: text or json (overrides telemetry.log_format)")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (overrides telemetry.log_level)")
}

// load resolves configuration and the logger for a command.
func (c *common) load() (config.Config, *slog.Logger, error) {
	out := c.logOutput
	if out == nil {
		out = os.Stderr
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, newLogger(out, "text", "info"), err
	}
	if c.logFormat != "" {
		cfg.Telemetry.LogFormat = c.logFormat
	}
	if c.logLevel != "" {
		cfg.Telemetry.LogLevel = c.logLevel
	}
	if c.sessionPath != "" {
		cfg.Session.Path = c.sessionPath
	}
	return cfg, newLogger(out, cfg.Telemetry.LogFormat, cfg.Telemetry.LogLevel), nil
}

func (c *common) loadSession(cfg config.Config, log *slog.Logger) (*session.Params, string, error) {
	path := cfg.Session.Path
	if path == "" {
		p, err := session.DefaultPath(cfg.AppName)
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	params, defaulted, err := session.LoadDefaulted(path)
	if err != nil {
		return nil, "", err
	}
	if len(defaulted) > 0 {
		log.Warn("session parameters missing; using defaults",
			slog.String("path", path),
			slog.String("keys", strings.Join(defaulted, ",")))
	}
	return params, path, nil
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runTask(ctx, os.Args[2:])
	case "calibrate":
		err = runCalibrate(ctx, os.Args[2:])
	case "devices":
		err = runDevices(os.Args[2:])
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "watch":
		err = runWatch(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "-help", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "yesno:", err)
		stop()
		os.Exit(1)
	}
}
