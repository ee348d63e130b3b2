package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/nats-io/nats.go"

	"github.com/mooretm/yes-no/internal/analysis"
	"github.com/mooretm/yes-no/internal/audio"
	"github.com/mooretm/yes-no/internal/bus"
	"github.com/mooretm/yes-no/internal/calibration"
	"github.com/mooretm/yes-no/internal/presence"
	"github.com/mooretm/yes-no/internal/results"
	"github.com/mooretm/yes-no/internal/routing"
	"github.com/mooretm/yes-no/internal/trial"
)

func runCalibrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	var c common
	c.register(fs)
	_ = fs.Parse(args)

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	params, sessionPath, err := c.loadSession(cfg, logger)
	if err != nil {
		return err
	}
	backend, err := audio.NewBackend(cfg.Audio.Backend, cfg.Audio.NullOutputs)
	if err != nil {
		return err
	}
	defer backend.Close()

	cal := calibration.New(params, sessionPath, audio.NewEngine(backend, logger), logger)
	defer cal.Stop()

	if err := cal.Play(ctx); err != nil {
		return err
	}
	lines := readLines(ctx, os.Stdin)
	for {
		fmt.Printf("sound level meter reading in dB SPL (r = replay, q = quit): ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		switch line {
		case "q":
			return nil
		case "r", "":
			if err := cal.Play(ctx); err != nil {
				return err
			}
			continue
		}
		reading, err := strconv.ParseFloat(line, 64)
		if err != nil {
			fmt.Printf("%q is not a number\n", line)
			continue
		}
		_ = cal.Stop()
		got, err := cal.Submit(reading)
		if err != nil {
			return err
		}
		fmt.Printf("slm_offset = %.2f (reading %.2f dB SPL at %.2f dB FS), saved to %s\n",
			got.Offset, got.SLMReading, got.CalReferenceLevel, sessionPath)
		return nil
	}
}

func runDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	var c common
	c.register(fs)
	_ = fs.Parse(args)

	cfg, _, err := c.load()
	if err != nil {
		return err
	}
	backend, err := audio.NewBackend(cfg.Audio.Backend, cfg.Audio.NullOutputs)
	if err != nil {
		return err
	}
	defer backend.Close()

	devices, err := backend.Devices()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tOUTPUTS\tRATE\n")
	for _, d := range devices {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%g\n", d.ID, d.Name, d.Outputs, d.DefaultSampleRate)
	}
	return tw.Flush()
}

func runAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	var c common
	c.register(fs)
	var dir, out string
	fs.StringVar(&dir, "dir", "", "Directory of recorded CSV files (defaults to results.data_dir)")
	fs.StringVar(&out, "out", "", "Report directory (defaults to <dir>/summary)")
	_ = fs.Parse(args)

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.Results.DataDir
	}
	if out == "" {
		out = filepath.Join(dir, "summary")
	}

	s, err := analysis.Summarize(dir)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, s)
	if err := analysis.WriteReport(out, s); err != nil {
		return err
	}
	logger.Info("analysis written", slog.String("dir", out), slog.Int("files", s.Files), slog.Int("trials", s.Trials))
	return nil
}

func printSummary(w io.Writer, s analysis.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STIMULUS\tPRESENTED\tYES\n")
	for _, c := range s.Counts {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", c.Stimulus, c.Presentations, c.Yes)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d trials in %d files; always detected: %d, never detected: %d\n",
		s.Trials, s.Files, len(s.Detected), len(s.NotDetected))
	if d := s.Detection; d != nil {
		fmt.Fprintf(w, "hits %d  misses %d  false alarms %d  correct rejections %d\n",
			d.Hits, d.Misses, d.FalseAlarms, d.CorrectRejections)
		fmt.Fprintf(w, "hit rate %.3f  false alarm rate %.3f  d' %.3f\n", d.HitRate, d.FalseAlarmRate, d.DPrime)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	var c common
	c.register(fs)
	_ = fs.Parse(args)

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	params, sessionPath, err := c.loadSession(cfg, logger)
	if err != nil {
		return err
	}
	r, err := routing.Parse(params.ChannelRouting)
	if err != nil {
		return err
	}
	fmt.Printf("session %s: subject %s, condition %s, routing %s\n", sessionPath, params.Subject, params.Condition, r)

	if params.MatrixFilePath == "" {
		fmt.Println("no matrix file configured")
		return nil
	}
	specs, err := trial.LoadMatrix(params.MatrixFilePath, params.AudioFilesDir)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		wf, err := audio.LoadWAV(spec.StimulusPath)
		if err != nil {
			return err
		}
		if err := routing.Validate(r, wf.ChannelCount()); err != nil {
			return fmt.Errorf("%s: %w", spec.StimulusName(), err)
		}
	}
	fmt.Printf("matrix %s: %d stimuli, labelled: %t, %d trials per run\n",
		params.MatrixFilePath, len(specs), trial.Labelled(specs), len(specs)*params.Repetitions)
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var c common
	c.register(fs)
	var server string
	fs.StringVar(&server, "server", "", "NATS server URL (defaults to bus.servers, or the embedded broker)")
	_ = fs.Parse(args)

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	busCfg := cfg.Bus
	switch {
	case server != "":
		busCfg.Servers = []string{server}
	case busCfg.Embedded:
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}

	client, err := bus.Connect(ctx, busCfg, cfg.AppName+"-watch", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := client.Subject(results.SubjectTrialResult)
	sub, err := client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var m results.TrialMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logger.Warn("undecodable trial message", slog.String("error", err.Error()))
			return
		}
		line := fmt.Sprintf("%s  %s  trial %d  %s  response %d",
			m.Timestamp.Format("15:04:05"), m.SessionID, m.Trial, m.Stimulus, m.Response)
		if m.Classification != "" {
			line += "  " + m.Classification
		}
		fmt.Println(line)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	monitor, err := presence.NewMonitor(ctx, cfg.Booth, client, logger)
	if err != nil {
		return err
	}
	defer monitor.Close()

	logger.Info("watching trial results", slog.String("subject", subject))
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-monitor.Changes():
			state := "offline"
			if b.Healthy {
				state = "online"
			}
			fmt.Printf("%s  booth %s %s  subject %s  trial %d of %d\n",
				b.LastSeen.Local().Format("15:04:05"), b.ID, state, b.Status.Subject, b.Status.Trial, b.Status.Total)
		}
	}
}

// readLines delivers stdin lines until EOF or ctx ends.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
