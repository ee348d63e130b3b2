package trial

import (
	"fmt"
	"math/rand/v2"

	"github.com/mooretm/yes-no/internal/fault"
)

// Build expands rows into the fixed trial order of one run: the row list
// repeated repetitions times, then shuffled as a whole when randomize is
// set.
func Build(rows []Spec, repetitions int, randomize bool, rng *rand.Rand) ([]Spec, error) {
	if repetitions < 1 {
		return nil, fault.Errorf(fault.Config, "trial.build", "repetitions must be >= 1, got %d", repetitions)
	}
	if randomize && rng == nil {
		return nil, fault.Errorf(fault.Config, "trial.build", "randomize requires a random source")
	}
	out := make([]Spec, 0, len(rows)*repetitions)
	for range repetitions {
		out = append(out, rows...)
	}
	if randomize {
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out, nil
}

// Sequencer walks a built trial list. The cursor only moves forward and
// stops at Len.
type Sequencer struct {
	trials []Spec
	cursor int
}

func NewSequencer(trials []Spec) *Sequencer {
	return &Sequencer{trials: trials}
}

func (s *Sequencer) Len() int   { return len(s.trials) }
func (s *Sequencer) Index() int { return s.cursor }

// Done reports whether every trial has been consumed.
func (s *Sequencer) Done() bool { return s.cursor >= len(s.trials) }

// Current returns the trial under the cursor.
func (s *Sequencer) Current() (Spec, error) {
	if s.Done() {
		return Spec{}, fault.Errorf(fault.OutOfRange, "trial.current",
			"trial %d requested but the run has %d", s.cursor+1, len(s.trials))
	}
	return s.trials[s.cursor], nil
}

// Advance moves to the next trial and reports whether one exists.
func (s *Sequencer) Advance() bool {
	if s.cursor < len(s.trials) {
		s.cursor++
	}
	return s.cursor < len(s.trials)
}

// Label is the progress string for the current trial.
func (s *Sequencer) Label() string {
	n := s.cursor + 1
	if n > len(s.trials) {
		n = len(s.trials)
	}
	return fmt.Sprintf("Trial %d of %d", n, len(s.trials))
}

// Trials returns a copy of the trial order.
func (s *Sequencer) Trials() []Spec {
	return append([]Spec(nil), s.trials...)
}
