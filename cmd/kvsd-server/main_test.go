package main

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/kvsd/kvsd/internal/ipc"
)

func Test_Run_Rejects_Wrong_Argument_Count(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	code := Run([]string{"kvsd-server", "jobs", "4"}, &out, &errOut, nil)
	if code != 2 {
		t.Fatalf("Run with missing args exit code = %d, want 2", code)
	}
}

func Test_Run_Rejects_Nonnumeric_Thread_Count(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	code := Run([]string{"kvsd-server", t.TempDir(), "x", "4", "fifo"}, &out, &errOut, nil)
	if code != 2 {
		t.Fatalf("Run with non-numeric max_threads exit code = %d, want 2", code)
	}
}

// Test_Run_Accepts_A_Connection_And_Shuts_Down_On_Signal exercises the
// server end to end: it starts, a client completes a CONNECT/DISCONNECT
// round trip over real FIFOs, and SIGTERM stops it cleanly.
func Test_Run_Accepts_A_Connection_And_Shuts_Down_On_Signal(t *testing.T) {
	t.Parallel()

	jobsDir := t.TempDir()
	fifoDir := t.TempDir()
	fifoName := filepath.Base(fifoDir) + "-reg"

	// kvsd-server always roots the registration FIFO at /tmp/<name>; build
	// the session pipes under a temp dir instead so the test doesn't leak
	// files into the real /tmp on failure.
	regPath := filepath.Join("/tmp", fifoName)
	t.Cleanup(func() { os.Remove(regPath) })

	reqPath := filepath.Join(fifoDir, "req")
	respPath := filepath.Join(fifoDir, "resp")
	notifPath := filepath.Join(fifoDir, "notif")

	for _, p := range []string{reqPath, respPath, notifPath} {
		if err := ipc.MakeFIFO(p, 0o600); err != nil {
			t.Fatalf("MakeFIFO(%s): %v", p, err)
		}
	}

	sigCh := make(chan os.Signal, 1)

	var out, errOut bytes.Buffer

	runDone := make(chan int, 1)
	go func() {
		runDone <- Run([]string{"kvsd-server", "--log-level", "error", jobsDir, "2", "4", fifoName}, &out, &errOut, sigCh)
	}()

	waitForFile(t, regPath)

	connectDone := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(regPath, os.O_WRONLY, 0)
		if err != nil {
			connectDone <- err
			return
		}
		defer f.Close()

		frame, err := ipc.EncodeConnect(ipc.ConnectFrame{
			RequestPath:      reqPath,
			ResponsePath:     respPath,
			NotificationPath: notifPath,
		})
		if err != nil {
			connectDone <- err
			return
		}

		_, err = f.Write(frame)
		connectDone <- err
	}()

	respReader, err := os.OpenFile(respPath, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open response reader: %v", err)
	}
	defer respReader.Close()

	reqWriter, err := os.OpenFile(reqPath, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open request writer: %v", err)
	}
	defer reqWriter.Close()

	notifReader, err := os.OpenFile(notifPath, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open notification reader: %v", err)
	}
	defer notifReader.Close()

	if err := <-connectDone; err != nil {
		t.Fatalf("writing CONNECT frame: %v", err)
	}

	var connectResp [ipc.ResponseFrameSize]byte
	if _, err := respReader.Read(connectResp[:]); err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}

	if _, ok := ipc.DecodeResponse(connectResp); !ok {
		t.Fatal("CONNECT response was not OK")
	}

	if _, err := reqWriter.Write([]byte{byte(ipc.OpDisconnect)}); err != nil {
		t.Fatalf("writing DISCONNECT opcode: %v", err)
	}

	var disconnectResp [ipc.ResponseFrameSize]byte
	if _, err := respReader.Read(disconnectResp[:]); err != nil {
		t.Fatalf("reading DISCONNECT response: %v", err)
	}

	if _, ok := ipc.DecodeResponse(disconnectResp); !ok {
		t.Fatal("DISCONNECT response was not OK")
	}

	sigCh <- syscall.SIGTERM

	select {
	case code := <-runDone:
		if code != 0 {
			t.Fatalf("Run exit code = %d, want 0, stderr: %s", code, errOut.String())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("%s was never created", path)
}
