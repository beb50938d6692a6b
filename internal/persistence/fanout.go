package persistence

import (
	"context"
	"errors"

	"detection-relay/internal/session"
)

// Fanout hands every summary to each Saver in order. All savers are tried;
// their errors are joined.
type Fanout []session.Saver

// Save implements session.Saver.
func (f Fanout) Save(ctx context.Context, sum session.Summary) error {
	var errs []error
	for _, s := range f {
		if err := s.Save(ctx, sum); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
