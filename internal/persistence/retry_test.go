package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	sqlite3 "github.com/mattn/go-sqlite3"
)

var errLocked = errors.New("database is locked")

func TestIsSQLiteBusy(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("no such table: mailbox"), false},
		{errLocked, true},
		{errors.New("database table is locked"), true},
		{errors.New("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("append transcript: %w", errLocked), true},
		{fmt.Errorf("insert message: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
	} {
		if got := isSQLiteBusy(tc.err); got != tc.want {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWithBusyRetry(t *testing.T) {
	errSchema := errors.New("no such column: priority")
	cases := []struct {
		name      string
		failures  int
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{name: "first try", wantCalls: 1},
		{name: "busy then ok", failures: 2, failWith: errLocked, wantCalls: 3},
		{name: "permanent error", failures: 1, failWith: errSchema, wantErr: errSchema, wantCalls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := withBusyRetry(context.Background(), func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if !errors.Is(err, tc.wantErr) && err != tc.wantErr {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestWithBusyRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withBusyRetry(ctx, func() error {
		calls++
		cancel()
		return errLocked
	})
	if err == nil {
		t.Fatal("expected an error once the context is cancelled")
	}
	if calls > 2 {
		t.Fatalf("retried %d times after cancel", calls)
	}
}

func TestStore_ConcurrentMailboxWriters(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "vaultclaw.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	const writers, perWriter = 8, 10
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.InsertMessage(ctx, MailboxMessage{
					ID:   fmt.Sprintf("m-%d-%d", w, i),
					From: fmt.Sprintf("skill-%d", w),
					To:   "admin",
					Type: "notification",
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert: %v", err)
	}

	msgs, err := store.ListMessages(ctx, "admin", MailboxFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != writers*perWriter {
		t.Fatalf("mailbox holds %d messages, want %d", len(msgs), writers*perWriter)
	}
}
