// Package results persists submitted trials: a CSV file per session, an
// optional SQLite store and an optional live feed on NATS.
package results

import (
	"context"
	"errors"

	"github.com/mooretm/yes-no/internal/response"
)

// Sink receives every submitted trial. A Write error means the trial was
// not recorded; callers treat it as fatal to the run.
type Sink interface {
	Write(ctx context.Context, r response.Result) error
	Close() error
}

// Fanout writes each result to every sink in order and stops at the first
// failure.
type Fanout []Sink

func (f Fanout) Write(ctx context.Context, r response.Result) error {
	for _, s := range f {
		if err := s.Write(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
