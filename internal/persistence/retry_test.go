package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy code", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked code wrapped", fmt.Errorf("set cursor: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"constraint code", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"message only", errors.New("insert history: database is locked"), true},
		{"table locked message", errors.New("database table is locked"), true},
		{"postgres error", errors.New(`pq: duplicate key value violates unique constraint "history_pkey"`), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSQLiteBusy(tc.err); got != tc.want {
				t.Fatalf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	cases := []struct {
		name       string
		maxRetries int
		failures   int
		failWith   error
		wantCalls  int
		wantErr    bool
	}{
		{"first try", 3, 0, nil, 1, false},
		{"busy then ok", 3, 2, busy, 3, false},
		{"busy exhausted", 2, 10, busy, 3, true},
		{"other errors are not retried", 3, 10, errors.New("no such table: cursors"), 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.maxRetries, func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := retryOnBusy(ctx, 10, func() error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 || time.Since(start) > time.Second {
		t.Fatalf("retry kept going after cancel: calls=%d elapsed=%s", calls, time.Since(start))
	}
}
