package storage

import (
	"context"
	"errors"
	"testing"
)

// scriptedStore returns the queued errors from InTx in order.
type scriptedStore struct {
	Reader
	errs  []error
	calls int
}

func (s *scriptedStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.calls++
	if len(s.errs) == 0 {
		return fn(nil)
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestRunInTxRetriesConflicts(t *testing.T) {
	store := &scriptedStore{errs: []error{ErrConflict, ErrConflict}}
	ran := 0
	err := RunInTx(context.Background(), store, 3, func(Tx) error {
		ran++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if store.calls != 3 || ran != 1 {
		t.Fatalf("unexpected calls=%d ran=%d", store.calls, ran)
	}
}

func TestRunInTxGivesUpAfterAttempts(t *testing.T) {
	store := &scriptedStore{errs: []error{ErrConflict, ErrConflict, ErrConflict, ErrConflict}}
	err := RunInTx(context.Background(), store, 2, func(Tx) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", store.calls)
	}
}

func TestRunInTxDoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	store := &scriptedStore{errs: []error{boom}}
	err := RunInTx(context.Background(), store, 3, func(Tx) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", store.calls)
	}
}

func TestRunInTxHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := &scriptedStore{errs: []error{ErrConflict, ErrConflict}}
	err := RunInTx(ctx, store, 3, func(Tx) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
