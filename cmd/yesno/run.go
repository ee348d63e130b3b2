package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/mooretm/yes-no/internal/audio"
	"github.com/mooretm/yes-no/internal/bus"
	"github.com/mooretm/yes-no/internal/config"
	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/hook"
	"github.com/mooretm/yes-no/internal/natsserver"
	"github.com/mooretm/yes-no/internal/presence"
	"github.com/mooretm/yes-no/internal/response"
	"github.com/mooretm/yes-no/internal/results"
	"github.com/mooretm/yes-no/internal/runtime"
	"github.com/mooretm/yes-no/internal/session"
	"github.com/mooretm/yes-no/internal/task"
)

const keypadHelp = `keys: 1/y = yes  2/n = no  enter = submit  r = replay  s = stop audio  q = quit`

func runTask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var c common
	c.register(fs)
	var dumpClipped bool
	fs.BoolVar(&dumpClipped, "dump-clipped", false, "Write audio refused for clipping to the data directory")
	_ = fs.Parse(args)

	stdin := int(os.Stdin.Fd())
	raw := term.IsTerminal(stdin)
	var out io.Writer = os.Stdout
	if raw {
		// Raw mode leaves newline translation to us.
		out = crlfWriter{os.Stdout}
		c.logOutput = crlfWriter{os.Stderr}
	}

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	params, sessionPath, err := c.loadSession(cfg, logger)
	if err != nil {
		return err
	}

	afterRun, err := hook.New(cfg.Results.AfterRun, time.Duration(cfg.Results.AfterRunTimeout)*time.Millisecond, logger)
	if err != nil {
		return err
	}

	backend, err := audio.NewBackend(cfg.Audio.Backend, cfg.Audio.NullOutputs)
	if err != nil {
		return err
	}
	defer backend.Close()
	engine := audio.NewEngine(backend, logger)

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runtime shutdown", slog.String("error", err.Error()))
		}
	}()

	sessionID := uuid.NewString()
	sink, client, closeSinks, err := openSinks(ctx, cfg, params, sessionID, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	ctrl, err := task.New(task.Options{
		SessionID:   sessionID,
		Params:      params,
		SessionPath: sessionPath,
		Engine:      engine,
		Sink:        sink,
		Rand:        newRand(cfg.Random.Seed, logger),
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	rt.SetStatus(func() any { return ctrl.Progress() })
	if client != nil {
		announcer := presence.Announce(ctx, cfg.Booth, client, func() presence.Status {
			p := ctrl.Progress()
			return presence.Status{
				SessionID: p.SessionID,
				Subject:   params.Subject,
				Condition: params.Condition,
				Trial:     p.Trial,
				Total:     p.Total,
				Done:      p.Done,
			}
		}, logger)
		defer announcer.Close()
	}

	if raw {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("enable raw terminal: %w", err)
		}
		defer term.Restore(stdin, state)
	}

	k := &keypad{
		ctrl:   ctrl,
		engine: engine,
		out:    out,
		log:    logger,
	}
	if dumpClipped {
		k.dumpDir = cfg.Results.DataDir
	}

	startErr := ctrl.Start(ctx)
	if !ctrl.Progress().Started || errors.Is(startErr, fault.InvalidAudioDevice) || errors.Is(startErr, fault.InvalidRouting) {
		// Device settings cannot change during a run.
		return startErr
	}
	if err := k.handle(startErr); err != nil {
		return err
	}
	rt.SetReady(true)
	k.say(keypadHelp)
	k.announce()
	loopErr := k.loop(ctx, readKeys(ctx, os.Stdin))

	p := ctrl.Progress()
	recorded := p.Trial - 1
	if p.Done {
		recorded = p.Total
	}
	info := hook.Info{
		SessionID: sessionID,
		Subject:   params.Subject,
		Condition: params.Condition,
		DataDir:   cfg.Results.DataDir,
		Trials:    recorded,
		Completed: p.Done,
	}
	// The hook also runs after an interrupted session.
	if err := afterRun.Run(context.WithoutCancel(ctx), info); err != nil {
		logger.Warn("after-run hook failed", slog.String("error", err.Error()))
	}
	return loopErr
}

// openSinks builds the configured result sinks. The bus client is nil
// unless results are published. The returned func closes everything that
// was opened, in reverse order.
func openSinks(ctx context.Context, cfg config.Config, params *session.Params, sessionID string, log *slog.Logger) (results.Sink, *bus.Client, func(), error) {
	var (
		sinks   results.Fanout
		client  *bus.Client
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	started := time.Now()

	if cfg.Results.CSV {
		sinks = append(sinks, results.NewCSVSink(cfg.Results.DataDir, started, log))
	}

	if cfg.Results.SQLite {
		store, err := results.Open(ctx, cfg.EventStore, log)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, func() { _ = store.Close() })
		err = store.BeginSession(ctx, results.Session{
			ID:         sessionID,
			Subject:    params.Subject,
			Condition:  params.Condition,
			MatrixFile: params.MatrixFilePath,
			CreatedAt:  started,
		})
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		sinks = append(sinks, store.Sink(sessionID))
	}

	if cfg.Results.Publish {
		busCfg := cfg.Bus
		srv, err := natsserver.Start(busCfg, log)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		if srv != nil {
			closers = append(closers, srv.Shutdown)
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err = bus.Connect(ctx, busCfg, cfg.AppName, log)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, client.Close)
		sinks = append(sinks, results.NewPublisher(client, sessionID))
	}

	return sinks, client, closeAll, nil
}

// newRand seeds trial ordering. A zero seed is replaced by the clock and
// logged so the order can be reproduced.
func newRand(seed uint64, log *slog.Logger) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	log.Info("trial order seed", slog.Uint64("seed", seed))
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type keypad struct {
	ctrl    *task.Controller
	engine  *audio.Engine
	out     io.Writer
	log     *slog.Logger
	dumpDir string // empty disables clipped audio dumps
}

func (k *keypad) loop(ctx context.Context, keys <-chan byte) error {
	for {
		select {
		case <-ctx.Done():
			_ = k.ctrl.Stop()
			return nil
		case key, ok := <-keys:
			if !ok {
				_ = k.ctrl.Stop()
				return nil
			}
			done, err := k.press(ctx, key)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// press acts on one key and reports whether the run is over.
func (k *keypad) press(ctx context.Context, key byte) (bool, error) {
	switch key {
	case '1', 'y', 'Y':
		if err := k.handle(k.ctrl.Respond(response.Yes)); err != nil {
			return true, err
		}
		k.say("response: yes")
	case '2', 'n', 'N':
		if err := k.handle(k.ctrl.Respond(response.No)); err != nil {
			return true, err
		}
		k.say("response: no")
	case '\r', '\n':
		done, err := k.ctrl.Submit(ctx)
		if err := k.handle(err); err != nil {
			return true, err
		}
		if done {
			k.say("task complete")
			return true, nil
		}
		k.announce()
	case 'r', 'R':
		if err := k.handle(k.ctrl.Replay(ctx)); err != nil {
			return true, err
		}
	case 's', 'S':
		_ = k.ctrl.Stop()
	case 'q', 'Q', 3, 4: // ctrl-c and ctrl-d arrive as bytes in raw mode
		_ = k.ctrl.Stop()
		k.say("quit")
		return true, nil
	case '?', 'h':
		k.say(keypadHelp)
	}
	return false, nil
}

// handle reports recoverable errors to the operator and returns the ones
// that end the run.
func (k *keypad) handle(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fault.Persistence):
		return err
	case errors.Is(err, fault.Clipping):
		k.say("clipping: " + err.Error())
		if k.dumpDir != "" {
			if path, dumpErr := dumpRefused(k.engine, k.dumpDir); dumpErr != nil {
				k.log.Warn("could not save clipped audio", slog.String("error", dumpErr.Error()))
			} else if path != "" {
				k.say("clipped audio saved to " + path)
			}
		}
		k.say("the trial was not presented; press r to replay or answer to continue")
	default:
		k.say("error: " + err.Error())
	}
	return nil
}

func (k *keypad) announce() {
	p := k.ctrl.Progress()
	k.say(fmt.Sprintf("%s  %s", p.Label, p.Stimulus))
}

func (k *keypad) say(line string) {
	fmt.Fprintln(k.out, line)
}

func dumpRefused(engine *audio.Engine, dir string) (string, error) {
	wf := engine.LastRefused()
	if wf == nil {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(wf.Name, filepath.Ext(wf.Name))
	path := filepath.Join(dir, "clipped_"+base+".wav")
	return path, audio.WriteWAV(path, wf, 24)
}

// readKeys delivers stdin one byte at a time until EOF or ctx ends.
func readKeys(ctx context.Context, r io.Reader) <-chan byte {
	keys := make(chan byte)
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := r.Read(buf)
			if n == 1 {
				select {
				case keys <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return keys
}

type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
