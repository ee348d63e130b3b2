package results

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/response"
)

// StampLayout formats the session start time in data file names,
// e.g. 2024_Mar_05_1412.
const StampLayout = "2006_Jan_02_1504"

// CSVSink appends records to <dir>/<subject>_<condition>_<stamp>.csv. The
// header row comes from the first record written to a new file; later
// records are laid out by that header, leaving absent columns empty.
type CSVSink struct {
	dir   string
	stamp string
	log   *slog.Logger

	mu      sync.Mutex
	headers map[string][]string
}

func NewCSVSink(dir string, started time.Time, log *slog.Logger) *CSVSink {
	return &CSVSink{
		dir:     dir,
		stamp:   started.Format(StampLayout),
		log:     log.With(slog.String("component", "csv-results")),
		headers: make(map[string][]string),
	}
}

// Path returns the file a result for subject and condition is written to.
func (s *CSVSink) Path(subject, condition string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s.csv", subject, condition, s.stamp))
}

func (s *CSVSink) Write(_ context.Context, r response.Result) error {
	subject, _ := r.Param("subject")
	condition, _ := r.Param("condition")
	rec := r.Record()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fault.E(fault.Persistence, "results.csv", err)
	}
	path := s.Path(subject, condition)
	_, err := os.Stat(path)
	newFile := errors.Is(err, os.ErrNotExist)

	header, ok := s.headers[path]
	if newFile || !ok {
		header = rec.Keys()
		if !newFile {
			if existing, err := readHeader(path); err == nil && len(existing) > 0 {
				header = existing
			}
		}
		s.headers[path] = header
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fault.E(fault.Persistence, "results.csv", err)
	}
	if err := writeRows(f, newFile, header, s.project(rec, header)); err != nil {
		_ = f.Close()
		return fault.E(fault.Persistence, "results.csv", fmt.Errorf("write %s: %w", path, err))
	}
	if err := f.Close(); err != nil {
		return fault.E(fault.Persistence, "results.csv", fmt.Errorf("close %s: %w", path, err))
	}
	s.log.Debug("record saved", slog.String("file", path), slog.Int("trial", r.TrialIndex+1))
	return nil
}

func (s *CSVSink) Close() error { return nil }

// writeRows appends row to w, preceded by header when withHeader is set.
func writeRows(w io.Writer, withHeader bool, header, row []string) error {
	cw := csv.NewWriter(w)
	if withHeader {
		if err := cw.Write(header); err != nil {
			return fmt.Errorf("header: %w", err)
		}
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("row: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// project lays rec out in header order.
func (s *CSVSink) project(rec response.Record, header []string) []string {
	byKey := make(map[string]string, len(rec))
	for _, f := range rec {
		byKey[f.Key] = f.Value
	}
	row := make([]string, len(header))
	for i, key := range header {
		row[i] = byKey[key]
		delete(byKey, key)
	}
	for key := range byKey {
		s.log.Warn("record field not in file header; dropped", slog.String("field", key))
	}
	return row
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return csv.NewReader(f).Read()
}
