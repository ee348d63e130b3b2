// Package trial loads the stimulus matrix and sequences the trials of one
// task run.
package trial

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mooretm/yes-no/internal/fault"
)

// Expected is the ground-truth label of a stimulus row.
type Expected int

const (
	Absent Expected = iota
	Yes
	No
)

func (e Expected) String() string {
	switch e {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return ""
	}
}

// ParseExpected accepts "yes" or "no" in any case. An empty cell is Absent.
func ParseExpected(s string) (Expected, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Absent, nil
	case "yes":
		return Yes, nil
	case "no":
		return No, nil
	default:
		return Absent, fmt.Errorf("expected response %q is not yes or no", s)
	}
}

// Spec is one stimulus presentation.
type Spec struct {
	StimulusPath string
	Level        float64 // desired dB SPL
	Expected     Expected
}

// StimulusName is the file name shown in logs and written to results.
func (s Spec) StimulusName() string {
	return filepath.Base(s.StimulusPath)
}

// LoadMatrix reads a stimulus matrix: a CSV file with a header row, the
// stimulus file name (relative to audioDir) in column 1, the desired level
// in column 2 and an optional yes/no label in column 3.
func LoadMatrix(path, audioDir string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.Errorf(fault.NotFound, "trial.matrix", "matrix file %s: %w", path, err)
		}
		return nil, fault.Errorf(fault.NotFound, "trial.matrix", "open %s: %w", path, err)
	}
	defer f.Close()
	return parseMatrix(f, path, audioDir)
}

func parseMatrix(r io.Reader, name, audioDir string) ([]Spec, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fault.Errorf(fault.FormatError, "trial.matrix", "%s is empty", name)
	}
	if err != nil {
		return nil, fault.Errorf(fault.FormatError, "trial.matrix", "%s: %w", name, err)
	}
	if len(header) < 2 {
		return nil, fault.Errorf(fault.FormatError, "trial.matrix",
			"%s: need at least 2 columns (stimulus, level), header has %d", name, len(header))
	}
	labelled := len(header) >= 3

	var specs []Spec
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Errorf(fault.FormatError, "trial.matrix", "%s: %w", name, err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < 2 {
			return nil, fault.Errorf(fault.FormatError, "trial.matrix", "%s line %d: missing level column", name, line)
		}
		stim := strings.TrimSpace(rec[0])
		if stim == "" {
			return nil, fault.Errorf(fault.FormatError, "trial.matrix", "%s line %d: empty stimulus name", name, line)
		}
		lvl, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fault.Errorf(fault.FormatError, "trial.matrix",
				"%s line %d: level %q is not a number", name, line, rec[1])
		}
		spec := Spec{StimulusPath: filepath.Join(audioDir, stim), Level: lvl}
		if labelled && len(rec) >= 3 {
			exp, err := ParseExpected(rec[2])
			if err != nil {
				return nil, fault.Errorf(fault.FormatError, "trial.matrix", "%s line %d: %w", name, line, err)
			}
			spec.Expected = exp
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fault.Errorf(fault.FormatError, "trial.matrix", "%s has no stimulus rows", name)
	}
	return specs, nil
}

// Labelled reports whether any spec carries a ground-truth label.
func Labelled(specs []Spec) bool {
	for _, s := range specs {
		if s.Expected != Absent {
			return true
		}
	}
	return false
}
