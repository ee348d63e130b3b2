// Package routing maps source channels onto physical device outputs.
package routing

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/mooretm/yes-no/internal/fault"
)

// Routing names, for each source channel in order, the 1-based device output
// it is sent to.
type Routing []int

// Parse splits whitespace-separated tokens into output indices.
func Parse(text string) (Routing, error) {
	fields := strings.Fields(text)
	r := make(Routing, 0, len(fields))
	for _, tok := range fields {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fault.Errorf(fault.FormatError, "routing.parse", "token %q is not an integer", tok)
		}
		if n < 1 {
			return nil, fault.Errorf(fault.FormatError, "routing.parse", "output %d must be >= 1", n)
		}
		r = append(r, n)
	}
	return r, nil
}

func (r Routing) String() string {
	parts := make([]string, len(r))
	for i, n := range r {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, " ")
}

// Max returns the highest output index, or 0 for an empty routing.
func (r Routing) Max() int {
	m := 0
	for _, n := range r {
		if n > m {
			m = n
		}
	}
	return m
}

// Validate requires exactly one output per source channel.
func Validate(r Routing, sourceChannels int) error {
	if len(r) == 0 {
		return fault.Errorf(fault.InvalidRouting, "routing.validate",
			"audio has %d channel(s) but routing is empty", sourceChannels)
	}
	if len(r) != sourceChannels {
		return fault.Errorf(fault.InvalidRouting, "routing.validate",
			"audio has %d channel(s) but routing is [%s]", sourceChannels, r)
	}
	return nil
}

// Reconcile drops trailing channels, and their routing entries, that the
// device cannot output. When the device has enough outputs both inputs are
// returned unchanged. The number of dropped channels is returned.
func Reconcile[S any](channels [][]S, r Routing, deviceOutputs int, log *slog.Logger) ([][]S, Routing, int) {
	if deviceOutputs >= len(channels) {
		return channels, r, 0
	}
	if deviceOutputs < 0 {
		deviceOutputs = 0
	}
	dropped := len(channels) - deviceOutputs
	if log != nil {
		log.Warn("device has fewer outputs than audio channels; dropping channels",
			slog.Int("channels", len(channels)),
			slog.Int("device_outputs", deviceOutputs),
			slog.Int("dropped", dropped))
	}
	keep := deviceOutputs
	if keep > len(r) {
		keep = len(r)
	}
	return channels[:deviceOutputs], append(Routing(nil), r[:keep]...), dropped
}
