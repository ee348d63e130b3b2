// Package analysis summarizes recorded yes/no data: yes counts per
// stimulus and, when ground truth was recorded, signal-detection rates.
package analysis

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mooretm/yes-no/internal/fault"
	"github.com/mooretm/yes-no/internal/response"
	"github.com/mooretm/yes-no/internal/trial"
)

// StimulusCount is the tally for one stimulus across every file read.
type StimulusCount struct {
	Stimulus      string
	Presentations int
	Yes           int
}

// Detection holds signal-detection statistics. Rates of exactly 0 or 1 are
// moved in by 1/(2N) before computing DPrime.
type Detection struct {
	Hits, Misses, FalseAlarms, CorrectRejections int

	HitRate        float64
	FalseAlarmRate float64
	DPrime         float64
}

type Summary struct {
	Files  int
	Trials int
	Counts []StimulusCount // sorted by stimulus

	// Criterion is the largest presentation count of any stimulus. A
	// stimulus with that many yes responses was always detected.
	Criterion   int
	Detected    []string
	NotDetected []string

	// Detection is nil when no trial carried ground truth, or when either
	// signal or noise trials are missing.
	Detection *Detection
}

// Summarize reads every .csv file in dir.
func Summarize(dir string) (Summary, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return Summary{}, fault.Errorf(fault.FormatError, "analysis.summarize", "%s: %w", dir, err)
	}
	if len(files) == 0 {
		return Summary{}, fault.Errorf(fault.NotFound, "analysis.summarize", "no .csv files in %s", dir)
	}
	sort.Strings(files)

	var recs []response.Record
	for _, path := range files {
		fileRecs, err := readFile(path)
		if err != nil {
			return Summary{}, err
		}
		recs = append(recs, fileRecs...)
	}
	s, err := FromRecords(recs)
	if err != nil {
		return Summary{}, err
	}
	s.Files = len(files)
	return s, nil
}

func readFile(path string) ([]response.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Errorf(fault.NotFound, "analysis.read", "%s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Errorf(fault.FormatError, "analysis.read", "%s: %w", path, err)
	}
	var out []response.Record
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.Errorf(fault.FormatError, "analysis.read", "%s: %w", path, err)
		}
		rec := make(response.Record, 0, len(header))
		for i, key := range header {
			if i < len(row) {
				rec = append(rec, response.Field{Key: key, Value: row[i]})
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// FromRecords summarizes records as written by the results sinks.
func FromRecords(recs []response.Record) (Summary, error) {
	var (
		s     Summary
		tally = map[string]*StimulusCount{}
		d     Detection
		sdt   bool
	)
	for i, rec := range recs {
		stim, ok := get(rec, "stimulus")
		if !ok {
			return Summary{}, fault.Errorf(fault.FormatError, "analysis.summarize", "record %d has no stimulus column", i+1)
		}
		raw, ok := get(rec, "actual_resp")
		if !ok {
			return Summary{}, fault.Errorf(fault.FormatError, "analysis.summarize", "record %d has no actual_resp column", i+1)
		}
		observed, err := strconv.Atoi(raw)
		if err != nil || (observed != response.Yes && observed != response.No) {
			return Summary{}, fault.Errorf(fault.InvalidResponse, "analysis.summarize",
				"record %d: actual_resp %q is not 0 or 1", i+1, raw)
		}

		c := tally[stim]
		if c == nil {
			c = &StimulusCount{Stimulus: stim}
			tally[stim] = c
		}
		c.Presentations++
		c.Yes += observed
		s.Trials++

		label, _ := get(rec, "expected_resp")
		expected, err := trial.ParseExpected(label)
		if err != nil {
			return Summary{}, fault.Errorf(fault.FormatError, "analysis.summarize", "record %d: %w", i+1, err)
		}
		switch cls, _ := response.Classify(expected, observed); cls {
		case response.Hit:
			d.Hits++
		case response.Miss:
			d.Misses++
		case response.FalseAlarm:
			d.FalseAlarms++
		case response.CorrectRejection:
			d.CorrectRejections++
		default:
			continue
		}
		sdt = true
	}

	for _, c := range tally {
		s.Counts = append(s.Counts, *c)
		s.Criterion = max(s.Criterion, c.Presentations)
	}
	sort.Slice(s.Counts, func(i, j int) bool { return s.Counts[i].Stimulus < s.Counts[j].Stimulus })
	for _, c := range s.Counts {
		switch {
		case c.Yes == s.Criterion:
			s.Detected = append(s.Detected, c.Stimulus)
		case c.Yes == 0:
			s.NotDetected = append(s.NotDetected, c.Stimulus)
		}
	}

	signal := d.Hits + d.Misses
	noise := d.FalseAlarms + d.CorrectRejections
	if sdt && signal > 0 && noise > 0 {
		d.HitRate = correctedRate(d.Hits, signal)
		d.FalseAlarmRate = correctedRate(d.FalseAlarms, noise)
		d.DPrime = DPrime(d.HitRate, d.FalseAlarmRate)
		s.Detection = &d
	}
	return s, nil
}

// DPrime returns z(hitRate) - z(falseAlarmRate).
func DPrime(hitRate, falseAlarmRate float64) float64 {
	return distuv.UnitNormal.Quantile(hitRate) - distuv.UnitNormal.Quantile(falseAlarmRate)
}

func correctedRate(k, n int) float64 {
	rate := float64(k) / float64(n)
	edge := 1 / (2 * float64(n))
	return math.Min(math.Max(rate, edge), 1-edge)
}

func get(rec response.Record, key string) (string, bool) {
	for _, f := range rec {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// WriteReport writes all_responses.csv, detected.csv and not_detected.csv
// into dir.
func WriteReport(dir string, s Summary) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.E(fault.Persistence, "analysis.report", err)
	}
	all := [][]string{{"stimulus", "presentations", "yes"}}
	var detected, missed [][]string
	for _, c := range s.Counts {
		row := []string{c.Stimulus, strconv.Itoa(c.Presentations), strconv.Itoa(c.Yes)}
		all = append(all, row)
		switch {
		case c.Yes == s.Criterion:
			detected = append(detected, row)
		case c.Yes == 0:
			missed = append(missed, row)
		}
	}
	header := all[0]
	files := map[string][][]string{
		"all_responses.csv": all,
		"detected.csv":      append([][]string{header}, detected...),
		"not_detected.csv":  append([][]string{header}, missed...),
	}
	for name, rows := range files {
		if err := writeCSV(filepath.Join(dir, name), rows); err != nil {
			return fault.E(fault.Persistence, "analysis.report", err)
		}
	}
	return nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
