package script_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/kvsd/kvsd/internal/gate"
	"github.com/kvsd/kvsd/internal/kvstore"
	"github.com/kvsd/kvsd/internal/script"
)

type fakeBackup struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeBackup) Submit(path string, snapshot []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
}

func newExecutor(out, errOut *strings.Builder) *script.Executor {
	return &script.Executor{
		Table:   kvstore.New(),
		Gate:    gate.New(),
		Out:     out,
		ErrOut:  errOut,
		Backup:  &fakeBackup{},
		JobStem: "job",
	}
}

// End-to-end scenario 1: WRITE [(a,1)(b,2)]\nREAD [b,a]\n -> .out contains
// "[(a,1)(b,2)]\n" (sorted by key, regardless of input order).
func Test_Scenario_Write_Then_Read_Sorted_Output(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	e := newExecutor(&out, &errOut)

	s := script.NewScanner(strings.NewReader("WRITE [(a,1)(b,2)]\nREAD [b,a]\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.String() != "[(a,1)(b,2)]\n" {
		t.Fatalf("out = %q, want [(a,1)(b,2)]\\n", out.String())
	}
}

// End-to-end scenario 2: WRITE [(x,1)]\nDELETE [x,y]\nREAD [x]\n -> .out
// contains "[(y,KVSMISSING)]\n[(x,KVSERROR)]\n".
func Test_Scenario_Write_Delete_Read_Missing_And_Error(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	e := newExecutor(&out, &errOut)

	s := script.NewScanner(strings.NewReader("WRITE [(x,1)]\nDELETE [x,y]\nREAD [x]\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "[(y,KVSMISSING)]\n[(x,KVSERROR)]\n"
	if out.String() != want {
		t.Fatalf("out = %q, want %q", out.String(), want)
	}
}

func Test_Delete_With_No_Missing_Keys_Writes_Nothing(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	e := newExecutor(&out, &errOut)

	s := script.NewScanner(strings.NewReader("WRITE [(x,1)]\nDELETE [x]\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.String() != "" {
		t.Fatalf("out = %q, want empty (no missing keys in DELETE)", out.String())
	}
}

func Test_Show_After_Write_Contains_Pair(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	e := newExecutor(&out, &errOut)

	s := script.NewScanner(strings.NewReader("WRITE [(k,v)]\nSHOW\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(out.String(), "(k, v)\n") {
		t.Fatalf("out = %q, want to contain (k, v)", out.String())
	}
}

func Test_Wait_Zero_Writes_Nothing(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	e := newExecutor(&out, &errOut)

	s := script.NewScanner(strings.NewReader("WAIT 0\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.String() != "" {
		t.Fatalf("out = %q, want empty for WAIT 0", out.String())
	}
}

func Test_Wait_Positive_Writes_Waiting_Message(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	e := newExecutor(&out, &errOut)

	s := script.NewScanner(strings.NewReader("WAIT 1\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.String() != "Waiting...\n" {
		t.Fatalf("out = %q, want Waiting...\\n", out.String())
	}
}

func Test_Backup_Submits_Sequential_Job_Stem_Paths(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	backup := &fakeBackup{}

	e := &script.Executor{
		Table:   kvstore.New(),
		Gate:    gate.New(),
		Out:     &out,
		ErrOut:  &errOut,
		Backup:  backup,
		JobStem: "jobs/example",
	}

	s := script.NewScanner(strings.NewReader("BACKUP\nBACKUP\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"jobs/example-1.bck", "jobs/example-2.bck"}
	if len(backup.paths) != 2 || backup.paths[0] != want[0] || backup.paths[1] != want[1] {
		t.Fatalf("backup paths = %v, want %v", backup.paths, want)
	}
}

func Test_Invalid_Command_Is_Reported_To_ErrOut_Not_Out(t *testing.T) {
	t.Parallel()

	var out, errOut strings.Builder
	e := newExecutor(&out, &errOut)

	s := script.NewScanner(strings.NewReader("FROB\nSHOW\n"))
	if err := e.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.String() != "" {
		t.Fatalf("out = %q, want empty (invalid command output is diagnostic-only)", out.String())
	}

	if !strings.Contains(errOut.String(), "Invalid command") {
		t.Fatalf("errOut = %q, want to contain Invalid command", errOut.String())
	}
}
