package journal

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RunLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	run, err := j.BeginRun(ctx, "provision")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if run.Status != StatusRunning {
		t.Errorf("status = %q, want %q", run.Status, StatusRunning)
	}

	run.TemplateFingerprint = "abc123"
	if err := j.FinishRun(ctx, run, StatusFailed, "setup failed on node 2"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := j.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusFailed || got.Reason != "setup failed on node 2" || got.TemplateFingerprint != "abc123" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.FinishedAt.Before(got.StartedAt) {
		t.Error("finished before started")
	}
}

func TestJournal_StepsRoundTripCompressedOutput(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	run, err := j.BeginRun(ctx, "all")
	if err != nil {
		t.Fatal(err)
	}
	rec := j.For(run)

	big := strings.Repeat("| Extensions | spock33-pg16 | 3.3.1 | Installed |\n", 200)
	steps := []Step{
		{Node: 0, Step: "stage", Status: StatusOK, Detail: "fingerprint=abc"},
		{Node: 1, Step: "setup", Status: StatusOK, Stdout: big},
		{Node: 2, Step: "setup", Status: StatusFailed, ExitCode: 1, Stderr: "port in use"},
	}
	for _, s := range steps {
		if err := rec.Record(ctx, s); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Steps(ctx, run.ID)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("got %d steps, want %d", len(got), len(steps))
	}
	for i := range steps {
		if got[i].Node != steps[i].Node || got[i].Step != steps[i].Step || got[i].Status != steps[i].Status {
			t.Errorf("step %d = %+v", i, got[i])
		}
		if got[i].Stdout != steps[i].Stdout || got[i].Stderr != steps[i].Stderr {
			t.Errorf("step %d output mismatch", i)
		}
		if got[i].RunID != run.ID {
			t.Errorf("step %d run id = %s", i, got[i].RunID)
		}
	}
	if got[2].ExitCode != 1 || got[0].Detail != "fingerprint=abc" {
		t.Errorf("fields not preserved: %+v", got)
	}
}

func TestJournal_RecordWithoutRun(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Record(context.Background(), Step{Step: "setup"}); err == nil {
		t.Error("expected error for step without run")
	}
}

func TestJournal_ListRuns(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, cmd := range []string{"stage", "provision", "verify"} {
		run, err := j.BeginRun(ctx, cmd)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}

	runs, err := j.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != ids[2] {
		t.Errorf("newest run should come first, got %s", runs[0].Command)
	}
}

func TestJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	run, err := j.BeginRun(ctx, "teardown")
	if err != nil {
		t.Fatal(err)
	}
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if _, err := j2.GetRun(ctx, run.ID); err != nil {
		t.Errorf("run lost after reopen: %v", err)
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	if err := r.Record(context.Background(), Step{}); err != nil {
		t.Error(err)
	}
}
