package queue

import (
	"context"
	"time"
)

// Client sends reconcile poll messages to a queue backend. delay defers
// delivery so in-flight jobs are re-checked later instead of immediately.
type Client interface {
	Send(ctx context.Context, msg Message, delay time.Duration) error
}
