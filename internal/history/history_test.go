package history

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRecordAndCloseLaunch(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	id, err := s.RecordLaunch(ctx, "bash '/work/train.sh'", 8, 2)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.CloseLaunch(ctx, id, "completed"); err != nil {
		t.Fatalf("close: %v", err)
	}

	launches, err := s.RecentLaunches(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(launches) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(launches))
	}
	l := launches[0]
	if l.Script != "bash '/work/train.sh'" || l.WorldSize != 8 || l.NumNodes != 2 {
		t.Fatalf("unexpected row: %+v", l)
	}
	if l.EndedAt == nil || l.Result != "completed" {
		t.Fatalf("launch not closed: %+v", l)
	}
}

func TestCloseOpenLaunches(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.RecordLaunch(ctx, "train.sh", 4, 4); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.RecordLaunch(ctx, "train.sh", 4, 4); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := s.CloseOpenLaunches(ctx, "killed")
	if err != nil {
		t.Fatalf("close open: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 closed, got %d", n)
	}

	n, err = s.CloseOpenLaunches(ctx, "killed")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing open, got %d", n)
	}
}

func TestRecentLaunchesOrder(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, script := range []string{"a.sh", "b.sh", "c.sh"} {
		if _, err := s.RecordLaunch(ctx, script, 1, 1); err != nil {
			t.Fatalf("record %s: %v", script, err)
		}
	}

	launches, err := s.RecentLaunches(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(launches) != 2 {
		t.Fatalf("limit ignored: %d rows", len(launches))
	}
	if launches[0].Script != "c.sh" {
		t.Fatalf("newest first expected, got %q", launches[0].Script)
	}
}
