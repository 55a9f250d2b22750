package cron

import (
	"errors"
	"testing"
	"time"
)

func TestAddJobRejectsInvalidExpr(t *testing.T) {
	s := NewService()
	if _, err := s.AddJob("bad", "not a cron", func(time.Time) error { return nil }); err == nil {
		t.Fatal("expected invalid expression error")
	}
	if _, err := s.AddJob("nil", "* * * * *", nil); err == nil {
		t.Fatal("expected nil handler error")
	}
}

func TestCheckJobsRunsDueJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 3, 59, 30, 0, time.UTC)
	s := NewService()
	s.nowFunc = func() time.Time { return now }

	var runs []time.Time
	job, err := s.AddJob("media-retention", "0 4 * * *", func(at time.Time) error {
		runs = append(runs, at)
		return nil
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	want := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	if !job.State.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", job.State.NextRunAt, want)
	}

	s.checkJobs()
	if len(runs) != 0 {
		t.Fatal("job ran before it was due")
	}

	now = want.Add(time.Second)
	s.checkJobs()
	s.checkJobs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}

	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" {
		t.Fatalf("last status = %q", jobs[0].State.LastStatus)
	}
	if !jobs[0].State.NextRunAt.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("next run = %v", jobs[0].State.NextRunAt)
	}
}

func TestCheckJobsRecordsErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewService()
	s.nowFunc = func() time.Time { return now }

	if _, err := s.AddJob("failing", "* * * * *", func(time.Time) error {
		return errors.New("disk full")
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddJob("panicking", "* * * * *", func(time.Time) error {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	s.checkJobs()

	for _, job := range s.ListJobs() {
		if job.State.LastStatus != "error" || job.State.LastError == "" {
			t.Fatalf("job %s state = %+v", job.Name, job.State)
		}
	}
}

func TestStartStop(t *testing.T) {
	s := NewService()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if st := s.Status(); st["enabled"] != true {
		t.Fatalf("status = %v", st)
	}
	s.Stop()
	s.Stop()
	if st := s.Status(); st["enabled"] != false {
		t.Fatalf("status = %v", st)
	}
	if s.RemoveJob("missing") {
		t.Fatal("RemoveJob of unknown job should report false")
	}
}
