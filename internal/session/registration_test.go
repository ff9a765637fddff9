package session_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvsd/kvsd/internal/ipc"
	"github.com/kvsd/kvsd/internal/session"
)

func Test_RegistrationEndpoint_Accepts_Connect_And_Opens_Session_Pipes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	regPath := filepath.Join(dir, "reg")
	reqPath := filepath.Join(dir, "req")
	respPath := filepath.Join(dir, "resp")
	notifPath := filepath.Join(dir, "notif")

	for _, p := range []string{reqPath, respPath, notifPath} {
		if err := ipc.MakeFIFO(p, 0o600); err != nil {
			t.Fatalf("MakeFIFO(%s): %v", p, err)
		}
	}

	ep := session.NewRegistrationEndpoint(regPath, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connections := make(chan session.Connection, 1)

	runDone := make(chan error, 1)
	go func() {
		runDone <- ep.Run(ctx, connections)
	}()

	// Give Run a moment to create the FIFO before we try to open it.
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

	// Open the other ends so RegistrationEndpoint's opens complete.
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

	select {
	case conn := <-connections:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("RegistrationEndpoint never forwarded a Connection")
	}

	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
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
