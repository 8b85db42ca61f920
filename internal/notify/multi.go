package notify

import (
	"context"
	"errors"
)

// Multi fans an event out to every notifier. One failing sink does not stop
// the others; their errors are joined.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
