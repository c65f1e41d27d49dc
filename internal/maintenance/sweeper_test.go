package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeStore drives one sweep and records what got cleaned.
type fakeStore struct {
	scheduled  []string
	deleteFail map[string]bool

	deleted []string
	netinfo bool
	netlog  bool
	posts   bool
	tickets bool

	netinfoCutoff time.Time
}

func (f *fakeStore) ScheduledDeletions(_ context.Context, _ time.Time) ([]string, error) {
	return f.scheduled, nil
}

func (f *fakeStore) DeleteAccount(_ context.Context, username string) error {
	if f.deleteFail[username] {
		return errors.New("delete failed")
	}
	f.deleted = append(f.deleted, username)
	return nil
}

func (f *fakeStore) PurgeNetinfo(_ context.Context, before time.Time) (int64, error) {
	f.netinfo = true
	f.netinfoCutoff = before
	return 2, nil
}

func (f *fakeStore) PurgeNetlog(_ context.Context, _ time.Time) (int64, error) {
	f.netlog = true
	return 0, nil
}

func (f *fakeStore) PurgeDeletedPosts(_ context.Context, _ time.Time) (int64, error) {
	f.posts = true
	return 1, nil
}

func (f *fakeStore) DeleteExpiredTickets(_ context.Context, _ time.Time) (int64, error) {
	f.tickets = true
	return 3, nil
}

// ---------------------------------------------------------------------------
// Test: one sweep runs every stage
// ---------------------------------------------------------------------------

func TestSweeper_SweepRunsAllStages(t *testing.T) {
	st := &fakeStore{scheduled: []string{"alice", "bob"}}
	s := NewSweeper(st)

	s.Sweep(context.Background())

	if len(st.deleted) != 2 {
		t.Errorf("expected 2 deleted accounts, got %v", st.deleted)
	}
	if !st.netinfo || !st.netlog || !st.posts || !st.tickets {
		t.Error("every purge stage should run")
	}
}

// ---------------------------------------------------------------------------
// Test: one failing deletion does not stop the rest of the sweep
// ---------------------------------------------------------------------------

func TestSweeper_FailureIsolatedPerItem(t *testing.T) {
	st := &fakeStore{
		scheduled:  []string{"alice", "bob", "carol"},
		deleteFail: map[string]bool{"bob": true},
	}
	s := NewSweeper(st)

	s.Sweep(context.Background())

	if len(st.deleted) != 2 || st.deleted[0] != "alice" || st.deleted[1] != "carol" {
		t.Errorf("expected alice and carol deleted despite bob failing, got %v", st.deleted)
	}
	if !st.tickets {
		t.Error("later stages should still run after a failed deletion")
	}
}

// ---------------------------------------------------------------------------
// Test: the purge cutoff trails now by the retention window
// ---------------------------------------------------------------------------

func TestSweeper_RetentionCutoff(t *testing.T) {
	st := &fakeStore{}
	s := NewSweeper(st)
	now := time.Unix(1800000000, 0)
	s.now = func() time.Time { return now }

	s.Sweep(context.Background())

	want := now.Add(-staleAfter)
	if !st.netinfoCutoff.Equal(want) {
		t.Errorf("expected cutoff %v, got %v", want, st.netinfoCutoff)
	}
}

// ---------------------------------------------------------------------------
// Test: Run sweeps immediately and stops on cancellation
// ---------------------------------------------------------------------------

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	st := &fakeStore{scheduled: []string{"alice"}}
	s := NewSweeper(st)
	s.SetInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if len(st.deleted) != 1 {
		t.Errorf("initial sweep should have run, got %v", st.deleted)
	}
}
