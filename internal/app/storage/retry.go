package storage

import (
	"context"
	"errors"
	"time"
)

// DefaultAttempts bounds RunInTx when the caller passes a non-positive value.
const DefaultAttempts = 3

// RunInTx executes fn through store.InTx and replays the whole transaction
// when it fails with ErrConflict. Every attempt starts from a fresh read, so
// fn must not carry state between calls. After the last attempt the
// ErrConflict is returned as is.
func RunInTx(ctx context.Context, store Store, attempts int, fn func(tx Tx) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = store.InTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt == attempts {
			break
		}

		backoff := time.Duration(attempt) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
