package inventory

import "context"

// MovementObserver is notified after movements are durably committed. It is
// never called for rolled-back attempts.
type MovementObserver interface {
	MovementsCommitted(ctx context.Context, movements []Movement)
}

